package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cuemby/hpcq/pkg/image"
	"github.com/cuemby/hpcq/pkg/log"
	"github.com/cuemby/hpcq/pkg/supervisor"
	"github.com/spf13/cobra"
)

// startCmd launches the supervised consumer in the background and returns
// once the supervisor's PID file appears (waiting up to 5s), per spec §6.3:
// exit 0 once launched or already running, a
// documented non-zero code if the initial image fetch fails with no local
// fallback available.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Ensure the runtime image is fresh and launch the supervised consumer",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	l := loadLayout(cmd)
	if err := l.EnsureRuntimeDir(); err != nil {
		return err
	}

	logger := log.WithComponent("start")

	if pid := supervisor.ReadPID(l.PIDFile()); supervisor.IsAlive(pid) {
		logger.Info().Int("pid", pid).Msg("consumer already running")
		fmt.Printf("already running (pid %d)\n", pid)
		return nil
	}

	ref, err := image.ParseRef(cfg.ApptainerOCIRef)
	if err != nil {
		return configError(fmt.Errorf("parsing APPTAINER_OCI_REF: %w", err))
	}
	imagePath := l.ImagePath(cfg.ApptainerImage)
	refresher := image.New(image.Credentials{})

	logger.Info().Msg("ensuring runtime image is fresh before launch")
	if _, err := refresher.Ensure(context.Background(), ref, imagePath, newPullFn(cfg, imagePath)); err != nil {
		return imageError(fmt.Errorf("initial image refresh: %w", err))
	}

	self, err := os.Executable()
	if err != nil {
		return transportError(err)
	}
	childArgs := append([]string{"supervise"}, forwardedFlags(cmd)...)

	logFile, err := os.OpenFile(l.SuperviseLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return transportError(fmt.Errorf("opening supervisor log: %w", err))
	}
	defer logFile.Close()

	child := exec.Command(self, childArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return transportError(fmt.Errorf("launching supervisor: %w", err))
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	if !waitForPIDFile(l.PIDFile(), 5*time.Second) {
		return transportError(fmt.Errorf("supervisor did not report a pid file within 5s (launched pid %d)", pid))
	}

	logger.Info().Int("pid", pid).Msg("launched supervised consumer")
	fmt.Printf("started (pid %d)\n", pid)
	return nil
}

// waitForPIDFile polls for the supervisor's PID file to confirm the
// detached process actually got as far as starting its loop.
func waitForPIDFile(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if supervisor.IsAlive(supervisor.ReadPID(path)) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return supervisor.IsAlive(supervisor.ReadPID(path))
}
