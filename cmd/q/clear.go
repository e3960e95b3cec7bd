package main

import (
	"context"
	"fmt"

	"github.com/cuemby/hpcq/pkg/queue"
	"github.com/spf13/cobra"
)

const (
	defaultClearBatchSize  = 100
	defaultClearMaxBatches = 200
	clearVisibilitySeconds = 30
)

var (
	clearBatchSize  int
	clearMaxBatches int
)

// clearCmd drains a queue by repeatedly pulling and immediately acking,
// for use in test environments and disaster recovery; it never touches
// local-results or the runtime image.
var clearCmd = &cobra.Command{
	Use:       "clear [jobs|results|all]",
	Short:     "Drain the jobs and/or results queue",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"jobs", "results", "all"},
	RunE:      runClear,
}

func init() {
	clearCmd.Flags().IntVar(&clearBatchSize, "batch-size", defaultClearBatchSize, "messages pulled per request")
	clearCmd.Flags().IntVar(&clearMaxBatches, "max-batches", defaultClearMaxBatches, "upper bound on pull iterations, to guarantee termination")
}

func runClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	q := newQueueClient(cfg)
	ctx := cmd.Context()

	var queues []string
	switch args[0] {
	case "jobs":
		queues = []string{cfg.JobsQueueID}
	case "results":
		queues = []string{cfg.ResultsQueueID}
	case "all":
		queues = []string{cfg.JobsQueueID, cfg.ResultsQueueID}
	default:
		return configError(fmt.Errorf("clear: unknown target %q, want jobs, results, or all", args[0]))
	}

	for _, qid := range queues {
		n, err := drainQueue(ctx, q, qid)
		if err != nil {
			return transportError(fmt.Errorf("draining %s: %w", qid, err))
		}
		fmt.Printf("drained %d messages from %s\n", n, qid)
	}
	return nil
}

// drainQueue repeatedly pulls and acks batches from queueID until a pull
// returns no messages or clearMaxBatches is hit, returning the count
// drained. A capped loop rather than an unbounded one: a queue under
// active production would otherwise never let this command return.
func drainQueue(ctx context.Context, q *queue.Client, queueID string) (int, error) {
	total := 0
	for batch := 0; batch < clearMaxBatches; batch++ {
		msgs, err := q.Pull(ctx, queueID, clearBatchSize, clearVisibilitySeconds)
		if err != nil {
			return total, err
		}
		if len(msgs) == 0 {
			break
		}

		leaseIDs := make([]string, 0, len(msgs))
		for _, m := range msgs {
			leaseIDs = append(leaseIDs, m.LeaseID)
		}
		if err := q.Ack(ctx, queueID, leaseIDs); err != nil {
			return total, err
		}
		total += len(msgs)
	}
	return total, nil
}
