package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/cuemby/hpcq/pkg/adminserver"
	"github.com/cuemby/hpcq/pkg/config"
	"github.com/cuemby/hpcq/pkg/consumer"
	"github.com/cuemby/hpcq/pkg/executor"
	"github.com/cuemby/hpcq/pkg/health"
	"github.com/cuemby/hpcq/pkg/image"
	"github.com/cuemby/hpcq/pkg/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// runConsumerCmd is the process the supervisor actually restarts: the Pull
// Consumer Loop plus its heartbeat ticker and the /healthz, /status, and
// /metrics admin sidecar. It is not meant to be invoked directly by an
// operator; `q start` always launches it through `q supervise`.
var runConsumerCmd = &cobra.Command{
	Use:    "run-consumer",
	Hidden: true,
	RunE:   runConsumer,
}

func runConsumer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	l := loadLayout(cmd)
	if err := l.EnsureRuntimeDir(); err != nil {
		return err
	}

	ref, err := image.ParseRef(cfg.ApptainerOCIRef)
	if err != nil {
		return configError(fmt.Errorf("parsing APPTAINER_OCI_REF: %w", err))
	}
	imagePath := l.ImagePath(cfg.ApptainerImage)
	refresher := image.New(image.Credentials{})
	pullFn := newPullFn(cfg, imagePath)

	logger := log.WithComponent("run-consumer")
	logger.Info().Msg("resolving runtime image before startup")
	if _, err := refresher.Ensure(context.Background(), ref, imagePath, pullFn); err != nil {
		return imageError(fmt.Errorf("initial image refresh: %w", err))
	}

	q := newQueueClient(cfg)
	exec := executor.New(executor.Config{
		ApptainerBin:   cfg.ApptainerBin,
		ApptainerImage: imagePath,
		ResultsQueue:   cfg.ResultsQueueID,
		WorkerVersion:  Version,
		Hostname:       hostname(),
	}, l, q)

	con := consumer.New(consumer.Config{
		JobsQueue:       cfg.JobsQueueID,
		ResultsQueue:    cfg.ResultsQueueID,
		PollInterval:    cfg.PollInterval,
		HeartbeatPeriod: cfg.HeartbeatPeriod,
		Hostname:        hostname(),
		WorkerVersion:   Version,
		ImageRef:        ref,
		ImagePath:       imagePath,
		PullFn:          pullFn,
	}, q, exec, refresher)

	checker := health.NewHeartbeatChecker(con, 2*cfg.HeartbeatPeriod)
	admin := adminserver.New(checker, con)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return con.Run(gctx) })
	g.Go(func() error { return admin.ListenAndServe(gctx, cfg.AdminAddr) })

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return transportError(err)
	}
	return nil
}
