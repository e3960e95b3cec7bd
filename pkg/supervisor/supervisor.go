// Package supervisor implements the restart-on-crash wrapper described in
// spec §4.7: it launches the consumer loop as a child process, restarts it
// with exponential backoff on unexpected exit, writes its own PID file, and
// forwards SIGTERM/SIGINT to the child on shutdown.
//
// The restart/signal-forwarding shape is grounded on the teacher's
// ContainerdManager (pkg/embedded/containerd.go): Start/monitor/Stop around
// one exec.Cmd, SIGTERM then a grace window then SIGKILL.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/hpcq/pkg/layout"
	"github.com/cuemby/hpcq/pkg/log"
	"github.com/cuemby/hpcq/pkg/metrics"
)

// NewChild builds a fresh *exec.Cmd for one run of the child process. It is
// called again for every restart since an exec.Cmd cannot be reused after
// Wait returns.
type NewChild func() *exec.Cmd

// Config configures restart backoff and shutdown timing.
type Config struct {
	PIDFile          string
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	ResetAfter       time.Duration
	TerminationGrace time.Duration

	// HealthAddr, when non-empty, is the run-consumer admin server's
	// "host:port": the supervisor polls its /healthz as a secondary signal
	// that the child is wedged even though its process hasn't exited.
	// Empty disables the probe; restart detection then relies on process
	// exit alone.
	HealthAddr             string
	HealthPollInterval     time.Duration
	HealthFailureThreshold int
}

// DefaultConfig returns the backoff policy from spec §4.7: 1s to 30s cap,
// reset after 5 minutes of uptime, 10s grace before a hard kill. The health
// probe is left disabled (HealthAddr == ""); callers with an admin address
// to poll set it explicitly.
func DefaultConfig(pidFile string) Config {
	return Config{
		PIDFile:                pidFile,
		InitialBackoff:         time.Second,
		MaxBackoff:             30 * time.Second,
		ResetAfter:             5 * time.Minute,
		TerminationGrace:       10 * time.Second,
		HealthPollInterval:     15 * time.Second,
		HealthFailureThreshold: 3,
	}
}

// Supervisor owns the restart loop for one child process factory.
type Supervisor struct {
	cfg      Config
	newChild NewChild
}

// New builds a Supervisor. newChild must return a new, unstarted *exec.Cmd
// each time it is called.
func New(cfg Config, newChild NewChild) *Supervisor {
	return &Supervisor{cfg: cfg, newChild: newChild}
}

// Run writes the PID file, then loops launching the child and restarting it
// on unexpected exit until ctx is cancelled. On cancellation it forwards
// SIGTERM to the running child, waits up to TerminationGrace, then SIGKILLs
// it, and returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	logger := log.WithComponent("supervisor")

	if err := layout.WriteFileAtomic(s.cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return err
	}
	defer os.Remove(s.cfg.PIDFile)

	backoff := s.cfg.InitialBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cmd := s.newChild()
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		start := time.Now()
		if err := cmd.Start(); err != nil {
			logger.Error().Err(err).Msg("failed to start child, retrying after backoff")
			metrics.SupervisorRestartsTotal.Inc()
			if !s.sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, s.cfg.MaxBackoff)
			continue
		}
		logger.Info().Int("pid", cmd.Process.Pid).Msg("child started")

		healthCtx, cancelHealth := context.WithCancel(ctx)
		go s.watchHealth(healthCtx, cmd)

		waitErr := s.waitOrForward(ctx, cmd)
		cancelHealth()
		uptime := time.Since(start)

		if ctx.Err() != nil {
			logger.Info().Msg("shutdown complete")
			return ctx.Err()
		}

		if waitErr != nil {
			logger.Warn().Err(waitErr).Dur("uptime", uptime).Msg("child exited unexpectedly, restarting")
		} else {
			logger.Warn().Dur("uptime", uptime).Msg("child exited cleanly but unexpectedly, restarting")
		}
		metrics.SupervisorRestartsTotal.Inc()

		if uptime >= s.cfg.ResetAfter {
			backoff = s.cfg.InitialBackoff
		} else {
			backoff = nextBackoff(backoff, s.cfg.MaxBackoff)
		}

		if !s.sleep(ctx, backoff) {
			return ctx.Err()
		}
	}
}

// waitOrForward waits for the child to exit, or for ctx to be cancelled, in
// which case it forwards SIGTERM and escalates to SIGKILL after the grace
// period.
func (s *Supervisor) waitOrForward(ctx context.Context, cmd *exec.Cmd) error {
	logger := log.WithComponent("supervisor")
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case err := <-waitDone:
		return err
	case <-ctx.Done():
	}

	logger.Info().Int("pid", cmd.Process.Pid).Msg("forwarding shutdown signal to child")
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)

	select {
	case err := <-waitDone:
		return err
	case <-time.After(s.cfg.TerminationGrace):
		logger.Warn().Int("pid", cmd.Process.Pid).Msg("child did not exit within grace period, sending SIGKILL")
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		return <-waitDone
	}
}

// watchHealth polls the child's /healthz endpoint as a secondary crash-loop
// signal, for the case where the process is still running but wedged (no
// longer polling its jobs queue, say). HealthFailureThreshold consecutive
// failed checks forwards SIGTERM to the child's process group, which
// unblocks waitOrForward and drives the normal unexpected-exit restart path.
// A no-op if Config.HealthAddr is unset.
func (s *Supervisor) watchHealth(ctx context.Context, cmd *exec.Cmd) {
	if s.cfg.HealthAddr == "" {
		return
	}
	logger := log.WithComponent("supervisor")
	client := &http.Client{Timeout: 3 * time.Second}
	url := fmt.Sprintf("http://%s/healthz", s.cfg.HealthAddr)

	ticker := time.NewTicker(s.cfg.HealthPollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy := probeHealthz(client, url)
			if healthy {
				failures = 0
				continue
			}
			failures++
			if failures < s.cfg.HealthFailureThreshold {
				continue
			}
			logger.Warn().Int("pid", cmd.Process.Pid).Int("failures", failures).
				Msg("child failed its health check repeatedly, forcing a restart")
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
			return
		}
	}
}

func probeHealthz(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// ReadPID reads the PID recorded at pidFile, returning 0 if the file is
// absent or unreadable.
func ReadPID(pidFile string) int {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(trimNewline(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// IsAlive reports whether a process with the given PID is currently running.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
