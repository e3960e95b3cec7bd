package main

import (
	"fmt"
	"syscall"
	"time"

	"github.com/cuemby/hpcq/pkg/supervisor"
	"github.com/spf13/cobra"
)

var stopAll bool

// stopCmd signals the running supervisor to shut down; the supervisor
// itself forwards the signal to run-consumer and waits out its grace
// period, so stop only needs to wait for the supervisor's own pid to
// disappear.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the supervised consumer",
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().BoolVar(&stopAll, "all", false, "also drain any jobs and results left queued")
}

func runStop(cmd *cobra.Command, args []string) error {
	l := loadLayout(cmd)
	pid := supervisor.ReadPID(l.PIDFile())
	if !supervisor.IsAlive(pid) {
		fmt.Println("not running")
	} else {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return transportError(fmt.Errorf("signaling pid %d: %w", pid, err))
		}

		deadline := time.Now().Add(25 * time.Second)
		for supervisor.IsAlive(pid) && time.Now().Before(deadline) {
			time.Sleep(200 * time.Millisecond)
		}
		if supervisor.IsAlive(pid) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
		fmt.Printf("stopped (pid %d)\n", pid)
	}

	if !stopAll {
		return nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	q := newQueueClient(cfg)
	ctx := cmd.Context()

	jobsDrained, err := drainQueue(ctx, q, cfg.JobsQueueID)
	if err != nil {
		return transportError(fmt.Errorf("draining jobs queue: %w", err))
	}
	resultsDrained, err := drainQueue(ctx, q, cfg.ResultsQueueID)
	if err != nil {
		return transportError(fmt.Errorf("draining results queue: %w", err))
	}
	fmt.Printf("drained %d jobs, %d results\n", jobsDrained, resultsDrained)
	return nil
}
