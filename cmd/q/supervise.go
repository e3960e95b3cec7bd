package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/cuemby/hpcq/pkg/supervisor"
	"github.com/spf13/cobra"
)

// superviseCmd is the restart-on-crash wrapper around run-consumer. `q
// start` always launches this as a detached child; an operator invoking it
// directly gets the same behavior in the foreground.
var superviseCmd = &cobra.Command{
	Use:    "supervise",
	Hidden: true,
	RunE:   runSupervise,
}

func runSupervise(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	l := loadLayout(cmd)
	if err := l.EnsureRuntimeDir(); err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return transportError(err)
	}
	childArgs := append([]string{"run-consumer"}, forwardedFlags(cmd)...)

	newChild := func() *exec.Cmd {
		return exec.Command(self, childArgs...)
	}

	supCfg := supervisor.DefaultConfig(l.PIDFile())
	supCfg.HealthAddr = cfg.AdminAddr
	sup := supervisor.New(supCfg, newChild)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	err = sup.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
