// Package results implements the local-side Results Consumer: it pulls from
// the results queue, classifies each event (heartbeat / running-log /
// terminal), writes local artefacts, and acknowledges everything it
// receives. It never blocks a producer or the HPC consumer; its only job is
// to make the results queue's contents durable on the local side.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/hpcq/pkg/layout"
	"github.com/cuemby/hpcq/pkg/log"
	"github.com/cuemby/hpcq/pkg/queue"
	"github.com/cuemby/hpcq/pkg/types"
)

// Queue is the subset of *queue.Client the Results Consumer needs.
type Queue interface {
	Pull(ctx context.Context, queueName string, batchSize, visibilitySeconds int) ([]queue.Message, error)
	Ack(ctx context.Context, queueName string, leaseIDs []string) error
}

var _ Queue = (*queue.Client)(nil)

const (
	defaultBatchSize      = 100
	resultsVisibilitySecs = 60
)

// Config configures a Consumer instance.
type Config struct {
	ResultsQueue string
	BatchSize    int
	PollInterval time.Duration
}

// Snapshot is the CLI-facing status summary maintained from heartbeat
// events, per spec §4.6.
type Snapshot struct {
	HPCRunningRemote       bool
	HPCLastHeartbeat       time.Time
	HPCHeartbeatAgeSeconds float64
}

// offsetKey tracks the last absolute byte offset written per job/stream so
// redelivered or overlapping "running" events don't duplicate log bytes.
type offsetKey struct {
	jobID  string
	stream string
}

// Consumer is the local-side results loop.
type Consumer struct {
	cfg    Config
	q      Queue
	layout *layout.Layout

	mu            sync.Mutex
	offsets       map[offsetKey]int64
	lastHeartbeat time.Time
	jobInFlight   bool
}

// New builds a Consumer bound to a Layout and Queue Client.
func New(cfg Config, q Queue, l *layout.Layout) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Consumer{
		cfg:     cfg,
		q:       q,
		layout:  l,
		offsets: make(map[offsetKey]int64),
	}
}

// Run polls the results queue on cfg.PollInterval until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	logger := log.WithComponent("results")

	for {
		if err := c.PollOnce(ctx); err != nil {
			logger.Warn().Err(err).Msg("results poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce pulls one batch and processes it; exported so tests can drive
// it directly.
func (c *Consumer) PollOnce(ctx context.Context) error {
	msgs, err := c.q.Pull(ctx, c.cfg.ResultsQueue, c.cfg.BatchSize, resultsVisibilitySecs)
	if err != nil {
		return fmt.Errorf("results: pull: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := c.layout.EnsureLocalResultsDir(); err != nil {
		return err
	}

	leaseIDs := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		leaseIDs = append(leaseIDs, msg.LeaseID)
		if msg.Err != nil {
			log.WithComponent("results").Warn().Err(msg.Err).Msg("undecodable results message, acking and dropping")
			continue
		}
		c.handleEvent(msg.Body)
	}

	// At-least-once toward local disk: ack everything received regardless
	// of any per-event write failure, matching spec §4.6.
	return c.q.Ack(ctx, c.cfg.ResultsQueue, leaseIDs)
}

func (c *Consumer) handleEvent(body []byte) {
	var event types.ResultEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.WithComponent("results").Warn().Err(err).Msg("malformed result event, dropping")
		return
	}

	switch event.Status {
	case types.StatusHeartbeat:
		c.recordHeartbeat(event)
	case types.StatusRunning:
		c.appendTails(event)
	case types.StatusCompleted, types.StatusFailed:
		c.appendTails(event)
		c.writeTerminalRecord(event)
	}
}

func (c *Consumer) recordHeartbeat(event types.ResultEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = event.Timestamp
	c.jobInFlight = event.HPCRunningRemote
}

// Snapshot returns the current CLI-facing status summary.
func (c *Consumer) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	age := 0.0
	if !c.lastHeartbeat.IsZero() {
		age = time.Since(c.lastHeartbeat).Seconds()
	}
	return Snapshot{
		HPCRunningRemote:       c.jobInFlight,
		HPCLastHeartbeat:       c.lastHeartbeat,
		HPCHeartbeatAgeSeconds: age,
	}
}

// appendTails writes only the bytes beyond the last recorded offset for
// each stream, recovering them from the suffix of the tail itself: since
// the tail is the last 4096 bytes ending at BytesReadStdout/Stderr, the
// newly produced bytes are exactly its last (newOffset-oldOffset) bytes
// when that delta fits in the tail window.
func (c *Consumer) appendTails(event types.ResultEvent) {
	if event.JobID == "" {
		return
	}
	c.appendStream(event.JobID, "stdout", c.layout.LocalStdoutPath(event.JobID), event.StdoutTail, event.BytesReadStdout)
	c.appendStream(event.JobID, "stderr", c.layout.LocalStderrPath(event.JobID), event.StderrTail, event.BytesReadStderr)
}

func (c *Consumer) appendStream(jobID, stream, path, tail string, newOffset int64) {
	if newOffset == 0 {
		return
	}
	key := offsetKey{jobID: jobID, stream: stream}

	c.mu.Lock()
	oldOffset := c.offsets[key]
	if newOffset <= oldOffset {
		c.mu.Unlock()
		return
	}
	c.offsets[key] = newOffset
	c.mu.Unlock()

	tailBytes := []byte(tail)
	delta := newOffset - oldOffset
	var chunk []byte
	if delta <= int64(len(tailBytes)) {
		chunk = tailBytes[int64(len(tailBytes))-delta:]
	} else {
		// Producer outran the poll cadence; accept the gap and write what
		// we have rather than lose the event entirely.
		chunk = tailBytes
	}

	if err := appendFile(path, chunk); err != nil {
		log.WithJobID(jobID).Warn().Err(err).Str("stream", stream).Msg("failed to append local log tail")
	}
}

func (c *Consumer) writeTerminalRecord(event types.ResultEvent) {
	if event.JobID == "" {
		return
	}
	if err := layout.WriteJSONAtomic(c.layout.LocalRecordPath(event.JobID), event); err != nil {
		log.WithJobID(event.JobID).Error().Err(err).Msg("failed to write local terminal record")
	}
}

func appendFile(path string, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(chunk)
	return err
}
