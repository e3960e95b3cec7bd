// Command resultsconsumer runs the local-side Results Consumer (spec §4.6):
// it pulls the results queue, writes local artefacts, and acknowledges.
// Argument parsing for a full local CLI (login, status, logs subcommands)
// is out of scope; this binary only runs the consumer loop.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/cuemby/hpcq/pkg/config"
	"github.com/cuemby/hpcq/pkg/layout"
	"github.com/cuemby/hpcq/pkg/log"
	"github.com/cuemby/hpcq/pkg/queue"
	"github.com/cuemby/hpcq/pkg/results"
)

func main() {
	overlayPath := flag.String("config", "/etc/hpcq/config.yaml", "Optional YAML config overlay path")
	baseDir := flag.String("base-dir", ".", "Root directory for the local-results mirror")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logJSON := flag.Bool("log-json", false, "Output logs in JSON format")
	flag.Parse()

	log.Init(log.Config{Level: log.Level(*logLevel), JSONOutput: *logJSON})
	logger := log.WithComponent("results")

	cfg, err := config.Load(*overlayPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading configuration")
	}

	l := layout.New(*baseDir)
	if err := l.EnsureLocalResultsDir(); err != nil {
		logger.Fatal().Err(err).Msg("preparing local-results directory")
	}

	q := queue.New(cfg.QueueBaseURL, cfg.AccountID, cfg.QueuesAPIToken)
	consumer := results.New(results.Config{
		ResultsQueue: cfg.ResultsQueueID,
		PollInterval: cfg.PollInterval,
	}, q, l)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger.Info().Msg("results consumer starting")
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("results consumer exited")
	}
}
