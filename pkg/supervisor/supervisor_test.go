package supervisor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hpcq/pkg/supervisor"
)

func TestRunWritesAndRemovesPIDFile(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "test.pid")
	cfg := supervisor.DefaultConfig(pidFile)
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.TerminationGrace = time.Second

	newChild := func() *exec.Cmd { return exec.Command("sleep", "5") }
	s := supervisor.New(cfg, newChild)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(pidFile)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	pid := supervisor.ReadPID(pidFile)
	assert.Greater(t, pid, 0)
	assert.True(t, supervisor.IsAlive(pid))

	cancel()
	<-done

	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "pid file should be removed on shutdown")
}

func TestRunRestartsChildOnUnexpectedExit(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "test.pid")
	cfg := supervisor.DefaultConfig(pidFile)
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 10 * time.Millisecond

	var starts int
	newChild := func() *exec.Cmd {
		starts++
		return exec.Command("true")
	}
	s := supervisor.New(cfg, newChild)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	assert.Greater(t, starts, 1, "child exiting immediately should trigger at least one restart")
}

func TestReadPIDMissingFileReturnsZero(t *testing.T) {
	assert.Equal(t, 0, supervisor.ReadPID(filepath.Join(t.TempDir(), "absent.pid")))
}

func TestReadPIDTrimsTrailingNewline(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "test.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))
	assert.Equal(t, os.Getpid(), supervisor.ReadPID(pidFile))
}

func TestIsAliveFalseForInvalidPID(t *testing.T) {
	assert.False(t, supervisor.IsAlive(0))
	assert.False(t, supervisor.IsAlive(-1))
}

func TestIsAliveTrueForSelf(t *testing.T) {
	assert.True(t, supervisor.IsAlive(os.Getpid()))
}

// sanity check that exec.Command-based children behave as expected in this
// environment before trusting the restart-loop assertions above.
func TestTrueCommandExitsCleanly(t *testing.T) {
	err := exec.Command("true").Run()
	require.NoError(t, err)
}

func TestRunRestartsChildWhenHealthCheckFailsRepeatedly(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "test.pid")

	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer health.Close()

	cfg := supervisor.DefaultConfig(pidFile)
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.TerminationGrace = time.Second
	cfg.HealthAddr = health.Listener.Addr().String()
	cfg.HealthPollInterval = 20 * time.Millisecond
	cfg.HealthFailureThreshold = 2

	var starts int32
	newChild := func() *exec.Cmd {
		atomic.AddInt32(&starts, 1)
		return exec.Command("sleep", "5")
	}
	s := supervisor.New(cfg, newChild)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&starts) >= 2 }, 2*time.Second, 10*time.Millisecond,
		"a persistently unhealthy child should be restarted even though the process itself never exits")

	cancel()
	<-done
}

func TestRunDoesNotPollHealthWhenHealthAddrUnset(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "test.pid")
	cfg := supervisor.DefaultConfig(pidFile)
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.TerminationGrace = time.Second
	assert.Empty(t, cfg.HealthAddr, "HealthAddr must default to empty so the probe is opt-in")

	newChild := func() *exec.Cmd { return exec.Command("sleep", "5") }
	s := supervisor.New(cfg, newChild)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSupervisorConfigDefaults(t *testing.T) {
	cfg := supervisor.DefaultConfig("/tmp/x.pid")
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 5*time.Minute, cfg.ResetAfter)
	assert.Equal(t, 10*time.Second, cfg.TerminationGrace)
	assert.True(t, strings.HasSuffix(cfg.PIDFile, "x.pid"))
	assert.Empty(t, cfg.HealthAddr)
	assert.Equal(t, 15*time.Second, cfg.HealthPollInterval)
	assert.Equal(t, 3, cfg.HealthFailureThreshold)
}
