package main

import (
	"os"

	"github.com/cuemby/hpcq/pkg/config"
	"github.com/cuemby/hpcq/pkg/layout"
	"github.com/cuemby/hpcq/pkg/queue"
	"github.com/spf13/cobra"
)

// loadConfig reads the --config overlay and environment per spec §6.3,
// wrapped so callers get exitConfigMissing on failure.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overlayPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(overlayPath)
	if err != nil {
		return nil, configError(err)
	}
	return cfg, nil
}

func loadLayout(cmd *cobra.Command) *layout.Layout {
	baseDir, _ := cmd.Flags().GetString("base-dir")
	return layout.New(baseDir)
}

func newQueueClient(cfg *config.Config) *queue.Client {
	return queue.New(cfg.QueueBaseURL, cfg.AccountID, cfg.QueuesAPIToken)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// forwardedFlags re-serializes the persistent flags a spawned child process
// (q supervise, q run-consumer) needs to see the same configuration as its
// parent.
func forwardedFlags(cmd *cobra.Command) []string {
	var out []string
	if v, _ := cmd.Flags().GetString("config"); v != "" {
		out = append(out, "--config", v)
	}
	if v, _ := cmd.Flags().GetString("base-dir"); v != "" {
		out = append(out, "--base-dir", v)
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		out = append(out, "--log-level", v)
	}
	if v, _ := cmd.Flags().GetBool("log-json"); v {
		out = append(out, "--log-json")
	}
	return out
}
