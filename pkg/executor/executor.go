// Package executor runs one Job Message to completion: workspace setup,
// command assembly for container/host/run-file modes, process launch with
// piped stdout/stderr, periodic "running" tail events, timeout enforcement,
// and exactly one terminal result event. It depends on the Queue Client to
// publish running/terminal events but not on the Pull Consumer Loop.
package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/hpcq/pkg/layout"
	"github.com/cuemby/hpcq/pkg/log"
	"github.com/cuemby/hpcq/pkg/metrics"
	"github.com/cuemby/hpcq/pkg/queue"
	"github.com/cuemby/hpcq/pkg/types"
	"golang.org/x/sync/errgroup"
)

const (
	tailEmitInterval  = 10 * time.Second
	terminationGrace  = 5 * time.Second
	maxTerminalRetry  = 5
	terminalBackoffBase = 200 * time.Millisecond
	terminalBackoffCap  = 5 * time.Second
)

// Queue is the subset of *queue.Client the Executor needs, so tests can
// substitute a fake.
type Queue interface {
	Send(ctx context.Context, queueName string, body any) error
}

var _ Queue = (*queue.Client)(nil)

// Config configures an Executor instance; it is derived from the loaded
// process configuration once at startup.
type Config struct {
	ApptainerBin   string
	ApptainerImage string // path to the installed .sif
	ExtraMounts    []string
	ResultsQueue   string
	WorkerVersion  string
	Hostname       string
}

// Executor runs jobs sequentially; it holds no per-job mutable state between
// calls to Execute.
type Executor struct {
	cfg    Config
	layout *layout.Layout
	queue  Queue
}

// New builds an Executor bound to a Layout and Queue Client.
func New(cfg Config, l *layout.Layout, q Queue) *Executor {
	return &Executor{cfg: cfg, layout: l, queue: q}
}

// Execute runs job to completion and returns its terminal result event and
// whether that event was successfully published to the results queue. The
// Pull Consumer Loop acks the job message if and only if sent is true.
func (e *Executor) Execute(ctx context.Context, job types.JobMessage) (event types.ResultEvent, sent bool, err error) {
	logger := log.WithJobID(job.JobID)

	if replay, ok, readErr := e.readDoneMarker(job.JobID); readErr == nil && ok {
		logger.Info().Msg("replaying terminal event from done.json (idempotence path)")
		sent = e.sendWithRetry(ctx, replay)
		return replay, sent, nil
	}

	if err := e.layout.EnsureJobDir(job.JobID); err != nil {
		return e.failAndSend(ctx, job, newError(KindLaunchFailed, err), 0)
	}

	if err := e.writeWorkspaceInputs(job); err != nil {
		return e.failAndSend(ctx, job, newError(KindInvalidInput, err), 0)
	}

	cmdName, cmdArgs, workDir, err := e.buildCommand(job)
	if err != nil {
		return e.failAndSend(ctx, job, newError(KindInvalidInput, err), 0)
	}

	stdoutLog, err := os.Create(e.layout.StdoutPath(job.JobID))
	if err != nil {
		return e.failAndSend(ctx, job, newError(KindLaunchFailed, fmt.Errorf("creating stdout.log: %w", err)), 0)
	}
	defer stdoutLog.Close()

	stderrLog, err := os.Create(e.layout.StderrPath(job.JobID))
	if err != nil {
		return e.failAndSend(ctx, job, newError(KindLaunchFailed, fmt.Errorf("creating stderr.log: %w", err)), 0)
	}
	defer stderrLog.Close()

	stdoutTail := newTailBuffer()
	stderrTail := newTailBuffer()

	cmd := exec.Command(cmdName, cmdArgs...)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return e.failAndSend(ctx, job, newError(KindLaunchFailed, err), 0)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return e.failAndSend(ctx, job, newError(KindLaunchFailed, err), 0)
	}

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		return e.failAndSend(ctx, job, newError(KindLaunchFailed, err), 0)
	}

	var g errgroup.Group
	g.Go(func() error {
		_, copyErr := io.Copy(io.MultiWriter(stdoutLog, stdoutTail), stdoutPipe)
		return copyErr
	})
	g.Go(func() error {
		_, copyErr := io.Copy(io.MultiWriter(stderrLog, stderrTail), stderrPipe)
		return copyErr
	})

	runningDone := make(chan struct{})
	go e.emitRunningTicker(ctx, job.JobID, stdoutTail, stderrTail, runningDone)

	var timedOut, shutdownRequested int32
	timeoutDuration := time.Duration(job.Input.TimeoutSeconds()) * time.Second
	waitDone := make(chan struct{})
	killerDone := make(chan struct{})
	terminationMode := "exited"
	go func() {
		defer close(killerDone)
		select {
		case <-waitDone:
			return
		case <-ctx.Done():
			atomic.StoreInt32(&shutdownRequested, 1)
		case <-time.After(timeoutDuration):
			atomic.StoreInt32(&timedOut, 1)
		}
		e.signalGroup(cmd, syscall.SIGTERM)
		select {
		case <-waitDone:
			terminationMode = "graceful"
		case <-time.After(terminationGrace):
			terminationMode = "hard"
			e.signalGroup(cmd, syscall.SIGKILL)
		}
	}()

	waitErr := cmd.Wait()
	close(waitDone)
	<-killerDone
	close(runningDone)
	_ = g.Wait() // pipe copy errors are expected once the process exits

	metrics.ExecutorTerminationsTotal.WithLabelValues(terminationMode).Inc()
	if terminationMode != "exited" {
		logger.Info().Str("termination", terminationMode).Msg("process stopped via signal rather than exiting on its own")
	}

	duration := time.Since(startTime).Seconds()
	stdoutFinal, stdoutBytes := stdoutTail.Snapshot()
	stderrFinal, stderrBytes := stderrTail.Snapshot()

	exitCode, exitErr := interpretExitStatus(cmd, waitErr)
	if exitErr != nil {
		return e.failAndSend(ctx, job, newError(KindLaunchFailed, exitErr), duration)
	}

	var termErr error
	switch {
	case atomic.LoadInt32(&shutdownRequested) == 1:
		termErr = newError(KindWorkerShutdown, errors.New("worker received shutdown signal while job was running"))
		event = types.ResultEvent{
			JobID:           job.JobID,
			Status:          types.StatusFailed,
			ExitCode:        types.IntPtr(exitCode),
			ErrorKind:       resultErrorKind(termErr),
			ErrorDetail:     termErr.Error(),
			DurationSeconds: duration,
			StdoutTail:      stdoutFinal,
			StderrTail:      stderrFinal,
			BytesReadStdout: stdoutBytes,
			BytesReadStderr: stderrBytes,
		}
	case atomic.LoadInt32(&timedOut) == 1:
		termErr = newError(KindTimeout, fmt.Errorf("job exceeded timeout of %s", timeoutDuration))
		event = types.ResultEvent{
			JobID:           job.JobID,
			Status:          types.StatusFailed,
			ExitCode:        types.IntPtr(exitCode),
			ErrorKind:       resultErrorKind(termErr),
			ErrorDetail:     termErr.Error(),
			DurationSeconds: duration,
			StdoutTail:      stdoutFinal,
			StderrTail:      stderrFinal,
			BytesReadStdout: stdoutBytes,
			BytesReadStderr: stderrBytes,
		}
	case exitCode == 0:
		event = types.ResultEvent{
			JobID:           job.JobID,
			Status:          types.StatusCompleted,
			ExitCode:        types.IntPtr(0),
			DurationSeconds: duration,
			StdoutTail:      stdoutFinal,
			StderrTail:      stderrFinal,
			ResultPointer:   e.resultPointer(job.JobID),
		}
	default:
		termErr = newError(KindNonZeroExit, fmt.Errorf("process exited with code %d", exitCode))
		event = types.ResultEvent{
			JobID:           job.JobID,
			Status:          types.StatusFailed,
			ExitCode:        types.IntPtr(exitCode),
			ErrorKind:       resultErrorKind(termErr),
			ErrorDetail:     termErr.Error(),
			DurationSeconds: duration,
			StdoutTail:      stdoutFinal,
			StderrTail:      stderrFinal,
			BytesReadStdout: stdoutBytes,
			BytesReadStderr: stderrBytes,
		}
	}
	event.Timestamp = time.Now().UTC()

	// A shutdown-triggered terminal event must still get a chance to reach
	// the results queue even though the job's own context is cancelled.
	emitCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		emitCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	sent = e.sendWithRetry(emitCtx, event)
	if errors.Is(termErr, ErrWorkerShutdown) {
		// Redelivery is always wanted after a shutdown, regardless of
		// whether the event reached the results queue.
		sent = false
	}
	if sent {
		if writeErr := e.writeDoneMarker(job.JobID, event); writeErr != nil {
			logger.Warn().Err(writeErr).Msg("failed to write done.json after successful terminal send")
		}
	}
	return event, sent, nil
}

func (e *Executor) failAndSend(ctx context.Context, job types.JobMessage, failErr error, duration float64) (types.ResultEvent, bool, error) {
	event := types.ResultEvent{
		JobID:           job.JobID,
		Status:          types.StatusFailed,
		ErrorKind:       resultErrorKind(failErr),
		ErrorDetail:     failErr.Error(),
		DurationSeconds: duration,
		Timestamp:       time.Now().UTC(),
	}
	sent := e.sendWithRetry(ctx, event)
	if sent {
		if err := e.writeDoneMarker(job.JobID, event); err != nil {
			log.WithJobID(job.JobID).Warn().Err(err).Msg("failed to write done.json after failure event")
		}
	}
	return event, sent, nil
}

func (e *Executor) signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, sig)
}

func interpretExitStatus(cmd *exec.Cmd, waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return 0, fmt.Errorf("process wait failed: %w", waitErr)
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return -1, nil
	}
	if ws.Signaled() {
		return -1, nil
	}
	return ws.ExitStatus(), nil
}

// emitRunningTicker publishes a "running" event on a fixed cadence until
// done is closed. Send failures are logged and dropped; running events
// never affect ack/terminal state.
func (e *Executor) emitRunningTicker(ctx context.Context, jobID string, stdoutTail, stderrTail *tailBuffer, done <-chan struct{}) {
	ticker := time.NewTicker(tailEmitInterval)
	defer ticker.Stop()
	logger := log.WithJobID(jobID)

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			outTail, outBytes := stdoutTail.Snapshot()
			errTail, errBytes := stderrTail.Snapshot()
			event := types.ResultEvent{
				JobID:           jobID,
				Status:          types.StatusRunning,
				StdoutTail:      outTail,
				StderrTail:      errTail,
				BytesReadStdout: outBytes,
				BytesReadStderr: errBytes,
				Timestamp:       time.Now().UTC(),
			}
			if err := e.queue.Send(ctx, e.cfg.ResultsQueue, event); err != nil {
				logger.Warn().Err(err).Msg("failed to publish running event")
			}
		}
	}
}

// sendWithRetry publishes a terminal event, retrying transport failures up
// to maxTerminalRetry times with exponential backoff. The Queue Client
// already retries 429s internally; this loop additionally covers other
// transport errors per spec §7.
func (e *Executor) sendWithRetry(ctx context.Context, event types.ResultEvent) bool {
	logger := log.WithJobID(event.JobID)
	for attempt := 1; attempt <= maxTerminalRetry; attempt++ {
		if err := e.queue.Send(ctx, e.cfg.ResultsQueue, event); err == nil {
			return true
		} else if attempt == maxTerminalRetry {
			logger.Error().Err(err).Int("attempts", attempt).Msg("giving up publishing terminal event, message will redeliver")
			return false
		} else {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("retrying terminal event publish")
			sleepBackoff(ctx, attempt)
		}
	}
	return false
}

func sleepBackoff(ctx context.Context, attempt int) {
	d := time.Duration(float64(terminalBackoffBase) * math.Pow(2, float64(attempt-1)))
	if d > terminalBackoffCap {
		d = terminalBackoffCap
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (e *Executor) writeWorkspaceInputs(job types.JobMessage) error {
	inputData, err := json.MarshalIndent(job.Input, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling job input: %w", err)
	}
	if err := os.WriteFile(e.layout.InputPath(job.JobID), inputData, 0o644); err != nil {
		return fmt.Errorf("writing input.json: %w", err)
	}

	fileName, hasName := job.Input.FileName()
	content, hasContent := job.Input.FileContentB64()
	if !hasName || !hasContent {
		return nil
	}

	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return fmt.Errorf("decoding file_content_b64: %w", err)
	}
	jobDir := e.layout.JobDir(job.JobID)
	if err := os.WriteFile(jobDir+"/"+fileName, decoded, 0o755); err != nil {
		return fmt.Errorf("writing materialised file %s: %w", fileName, err)
	}
	return nil
}

// buildCommand returns the argv and working directory to launch for job,
// per spec §4.4's exec_mode/run-file rules.
func (e *Executor) buildCommand(job types.JobMessage) (name string, args []string, workDir string, err error) {
	inner, err := resolveCommandString(job.Input)
	if err != nil {
		return "", nil, "", err
	}

	switch job.Input.ExecMode() {
	case types.ExecModeHost:
		return "/bin/sh", []string{"-c", inner}, e.layout.JobDir(job.JobID), nil
	case types.ExecModeContainer:
		mounts := append([]specs.Mount{{
			Source:      e.layout.JobDir(job.JobID),
			Destination: "/work",
		}}, extraMounts(e.cfg.ExtraMounts)...)

		argv := []string{"exec"}
		for _, m := range mounts {
			argv = append(argv, "--bind", bindFlag(m))
		}
		argv = append(argv, "--pwd", "/work", e.cfg.ApptainerImage, "/bin/sh", "-c", inner)
		return e.cfg.ApptainerBin, argv, "", nil
	default:
		return "", nil, "", fmt.Errorf("unknown exec_mode %q", job.Input.ExecMode())
	}
}

// extraMounts parses the operator-supplied "SRC:DST[:ro]" bind strings from
// Config.ExtraMounts into the same specs.Mount shape used for the job
// workspace bind, so both are rendered back to apptainer flags uniformly.
func extraMounts(raw []string) []specs.Mount {
	mounts := make([]specs.Mount, 0, len(raw))
	for _, m := range raw {
		parts := strings.SplitN(m, ":", 3)
		if len(parts) < 2 {
			continue
		}
		mount := specs.Mount{Source: parts[0], Destination: parts[1]}
		if len(parts) == 3 {
			mount.Options = []string{parts[2]}
		}
		mounts = append(mounts, mount)
	}
	return mounts
}

// bindFlag renders a specs.Mount back into apptainer's "--bind SRC:DST[:opt]"
// argument form.
func bindFlag(m specs.Mount) string {
	flag := m.Source + ":" + m.Destination
	if len(m.Options) > 0 {
		flag += ":" + strings.Join(m.Options, ",")
	}
	return flag
}

// resolveCommandString builds the inner shell command string: either the
// job's command verbatim, or, for run-file jobs, the runner prepended to the
// materialised file followed by "-- <command>" as trailing user arguments.
func resolveCommandString(in types.JobInput) (string, error) {
	fileName, hasFile := in.FileName()
	if !hasFile {
		cmd := in.Command()
		if cmd == "" {
			return "", fmt.Errorf("job input has neither command nor file_name")
		}
		return cmd, nil
	}

	var parts []string
	if runner := in.Runner(); runner != "" {
		parts = append(parts, runner)
	}
	parts = append(parts, shellQuote(fileName))
	if cmd := in.Command(); cmd != "" {
		parts = append(parts, "--", cmd)
	}
	return strings.Join(parts, " "), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (e *Executor) resultPointer(jobID string) *string {
	p := e.layout.OutputPath(jobID)
	if !layout.Exists(p) {
		return nil
	}
	return &p
}

func (e *Executor) readDoneMarker(jobID string) (types.ResultEvent, bool, error) {
	p := e.layout.DonePath(jobID)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return types.ResultEvent{}, false, nil
		}
		return types.ResultEvent{}, false, err
	}
	var event types.ResultEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return types.ResultEvent{}, false, err
	}
	return event, true, nil
}

func (e *Executor) writeDoneMarker(jobID string, event types.ResultEvent) error {
	return layout.WriteJSONAtomic(e.layout.DonePath(jobID), event)
}
