package executor_test

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hpcq/pkg/executor"
	"github.com/cuemby/hpcq/pkg/layout"
	"github.com/cuemby/hpcq/pkg/types"
)

type fakeQueue struct {
	mu   sync.Mutex
	sent []types.ResultEvent
	fail int // number of remaining Send calls to fail
}

func (f *fakeQueue) Send(ctx context.Context, queueName string, body any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return assertErr
	}
	event := body.(types.ResultEvent)
	f.sent = append(f.sent, event)
	return nil
}

func (f *fakeQueue) terminalEvents() []types.ResultEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.ResultEvent
	for _, e := range f.sent {
		if e.Status == types.StatusCompleted || e.Status == types.StatusFailed {
			out = append(out, e)
		}
	}
	return out
}

type sendErr struct{}

func (sendErr) Error() string { return "send failed" }

var assertErr = sendErr{}

func newExecutor(t *testing.T) (*executor.Executor, *fakeQueue, *layout.Layout) {
	t.Helper()
	base := t.TempDir()
	l := layout.New(base)
	q := &fakeQueue{}
	cfg := executor.Config{ResultsQueue: "results", WorkerVersion: "test", Hostname: "test-host"}
	return executor.New(cfg, l, q), q, l
}

func job(id string, input types.JobInput) types.JobMessage {
	return types.JobMessage{JobID: id, Input: input, CreatedAt: time.Now().UTC()}
}

func TestExecuteHostModeSuccess(t *testing.T) {
	e, q, _ := newExecutor(t)
	j := job("brave-comet-1a2b3c", types.JobInput{"command": "echo hello", "exec_mode": "host"})

	event, sent, err := e.Execute(context.Background(), j)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, types.StatusCompleted, event.Status)
	require.NotNil(t, event.ExitCode)
	assert.Equal(t, 0, *event.ExitCode)
	assert.Contains(t, event.StdoutTail, "hello")

	terminal := q.terminalEvents()
	require.Len(t, terminal, 1)
	assert.Equal(t, types.StatusCompleted, terminal[0].Status)
}

func TestExecuteHostModeNonZeroExit(t *testing.T) {
	e, _, _ := newExecutor(t)
	j := job("calm-river-4d5e6f", types.JobInput{"command": "exit 3", "exec_mode": "host"})

	event, sent, err := e.Execute(context.Background(), j)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, types.StatusFailed, event.Status)
	assert.Equal(t, types.ErrorKindNonZeroExit, event.ErrorKind)
	require.NotNil(t, event.ExitCode)
	assert.Equal(t, 3, *event.ExitCode)
}

func TestExecuteHostModeTimeout(t *testing.T) {
	e, _, _ := newExecutor(t)
	j := job("timeout-job-abc123", types.JobInput{
		"command":         "sleep 5",
		"exec_mode":       "host",
		"timeout_seconds": 1,
	})

	start := time.Now()
	event, sent, err := e.Execute(context.Background(), j)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, types.StatusFailed, event.Status)
	assert.Equal(t, types.ErrorKindTimeout, event.ErrorKind)
	assert.Less(t, elapsed, 4*time.Second, "timeout enforcement should not wait for the full sleep")
}

func TestExecuteInvalidInputNeitherCommandNorFile(t *testing.T) {
	e, _, _ := newExecutor(t)
	j := job("invalid-job-abc123", types.JobInput{"exec_mode": "host"})

	event, sent, err := e.Execute(context.Background(), j)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, types.StatusFailed, event.Status)
	assert.Equal(t, types.ErrorKindInvalidInput, event.ErrorKind)
}

func TestExecuteWorkerShutdownOnContextCancel(t *testing.T) {
	e, _, _ := newExecutor(t)
	j := job("shutdown-job-abc123", types.JobInput{"command": "sleep 5", "exec_mode": "host"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	event, sent, err := e.Execute(ctx, j)
	require.NoError(t, err)
	assert.False(t, sent, "a worker_shutdown terminal event must never be treated as acked")
	assert.Equal(t, types.ErrorKindWorkerShutdown, event.ErrorKind)
}

func TestExecuteIsIdempotentViaDoneMarker(t *testing.T) {
	e, q, _ := newExecutor(t)
	j := job("idempotent-job-abc123", types.JobInput{"command": "echo first-run", "exec_mode": "host"})

	event1, sent1, err := e.Execute(context.Background(), j)
	require.NoError(t, err)
	require.True(t, sent1)

	event2, sent2, err := e.Execute(context.Background(), j)
	require.NoError(t, err)
	assert.True(t, sent2)
	assert.Equal(t, event1.Timestamp, event2.Timestamp, "replayed event should be byte-for-byte the original")

	terminal := q.terminalEvents()
	assert.Len(t, terminal, 2, "replay still republishes so a lost ack can be satisfied")
}

func TestExecuteMaterialisesRunFile(t *testing.T) {
	e, _, l := newExecutor(t)
	content := base64.StdEncoding.EncodeToString([]byte("#!/bin/sh\necho from-file\n"))
	j := job("runfile-job-abc123", types.JobInput{
		"file_name":         "script.sh",
		"file_content_b64":  content,
		"runner":            "sh",
		"exec_mode":         "host",
	})

	event, sent, err := e.Execute(context.Background(), j)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, types.StatusCompleted, event.Status)
	assert.Contains(t, event.StdoutTail, "from-file")
	assert.FileExists(t, l.JobDir("runfile-job-abc123")+"/script.sh")
}

func TestExecuteRetriesTerminalSendOnTransportFailure(t *testing.T) {
	e, q, _ := newExecutor(t)
	q.fail = 2
	j := job("retry-job-abc123", types.JobInput{"command": "echo ok", "exec_mode": "host"})

	event, sent, err := e.Execute(context.Background(), j)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, types.StatusCompleted, event.Status)
}
