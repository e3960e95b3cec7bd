// Package consumer implements the Pull Consumer Loop: the HPC node's main
// control loop. It polls the jobs queue, dispatches each message to the Job
// Executor, emits heartbeats on a fixed cadence, and acknowledges exactly
// once on terminal state.
package consumer

import (
	"context"
	"encoding/json"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/hpcq/pkg/config"
	"github.com/cuemby/hpcq/pkg/executor"
	"github.com/cuemby/hpcq/pkg/image"
	"github.com/cuemby/hpcq/pkg/jobid"
	"github.com/cuemby/hpcq/pkg/log"
	"github.com/cuemby/hpcq/pkg/metrics"
	"github.com/cuemby/hpcq/pkg/queue"
	"github.com/cuemby/hpcq/pkg/types"
)

// pullVisibilitySeconds is the visibility window requested on every pull.
// Because the queue service fixes the window before the message body (and
// therefore the job's timeout_seconds) is known, the loop always requests
// the maximum allowed window rather than computing a per-job value at pull
// time: config.VisibilitySeconds's ceiling, fed the worst-case timeout it
// can see, is used as that estimate. See DESIGN.md for the full rationale.
var pullVisibilitySeconds = config.VisibilitySeconds(math.MaxInt32)

// Queue is the subset of *queue.Client the Consumer needs.
type Queue interface {
	Pull(ctx context.Context, queueName string, batchSize, visibilitySeconds int) ([]queue.Message, error)
	Ack(ctx context.Context, queueName string, leaseIDs []string) error
	Send(ctx context.Context, queueName string, body any) error
}

var _ Queue = (*queue.Client)(nil)

// Config configures a Consumer instance.
type Config struct {
	JobsQueue       string
	ResultsQueue    string
	PollInterval    time.Duration
	HeartbeatPeriod time.Duration
	Hostname        string
	WorkerVersion   string

	// Pre-execution digest probe, best-effort.
	ImageRef  image.Ref
	ImagePath string
	PullFn    func(ctx context.Context, digest string) error
}

// Executor is the subset of *executor.Executor the Consumer needs.
type Executor interface {
	Execute(ctx context.Context, job types.JobMessage) (types.ResultEvent, bool, error)
}

var _ Executor = (*executor.Executor)(nil)

// Consumer runs the poll/dispatch/heartbeat/ack state machine described in
// spec §4.5. One job executes at a time; concurrency=1 per worker.
type Consumer struct {
	cfg       Config
	q         Queue
	exec      Executor
	refresher *image.Refresher

	jobInFlight   atomic.Bool
	lastHeartbeat atomic.Value // time.Time
	currentJobID  atomic.Value // string
}

// LastHeartbeat implements health.HeartbeatSource.
func (c *Consumer) LastHeartbeat() time.Time {
	if v, ok := c.lastHeartbeat.Load().(time.Time); ok {
		return v
	}
	return time.Time{}
}

// CurrentJobID returns the job_id currently executing, or "" if the worker
// is idle. Used by the admin sidecar's /status endpoint.
func (c *Consumer) CurrentJobID() string {
	if v, ok := c.currentJobID.Load().(string); ok {
		return v
	}
	return ""
}

// New builds a Consumer.
func New(cfg Config, q Queue, exec Executor, refresher *image.Refresher) *Consumer {
	return &Consumer{cfg: cfg, q: q, exec: exec, refresher: refresher}
}

// Run blocks until ctx is cancelled. On cancellation it stops polling
// immediately; if a job is in flight, the in-flight Execute call observes
// ctx.Done() itself and emits a worker_shutdown terminal event without an
// ack (see pkg/executor).
func (c *Consumer) Run(ctx context.Context) error {
	logger := log.WithComponent("consumer")
	go c.heartbeatLoop(ctx)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			logger.Info().Msg("shutdown requested, consumer loop exiting")
			return ctx.Err()
		}

		msgs, err := c.q.Pull(ctx, c.cfg.JobsQueue, 1, pullVisibilitySeconds)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn().Err(err).Msg("pull failed, will retry next cycle")
			c.sleep(ctx, ticker)
			continue
		}

		if len(msgs) == 0 {
			c.sleep(ctx, ticker)
			continue
		}

		metrics.JobsPulledTotal.Inc()
		c.processMessage(ctx, msgs[0])
	}
}

func (c *Consumer) sleep(ctx context.Context, ticker *time.Ticker) {
	select {
	case <-ctx.Done():
	case <-ticker.C:
	}
}

// processMessage dispatches one leased message through decode, pre-execution
// digest probe, execution, and the ack decision.
func (c *Consumer) processMessage(ctx context.Context, msg queue.Message) {
	logger := log.WithComponent("consumer")

	if msg.Err != nil {
		c.emitPoisonAndAck(ctx, msg)
		return
	}

	var job types.JobMessage
	if err := json.Unmarshal(msg.Body, &job); err != nil || !jobid.Valid(job.JobID) {
		detail := "job message failed to decode"
		if err == nil {
			detail = "job message has an invalid job_id"
		}
		logger.Warn().Str("lease_id", msg.LeaseID).Msg(detail)
		event := types.ResultEvent{
			JobID:       job.JobID,
			Status:      types.StatusFailed,
			ErrorKind:   types.ErrorKindInvalidInput,
			ErrorDetail: detail,
			Timestamp:   time.Now().UTC(),
		}
		_ = c.q.Send(ctx, c.cfg.ResultsQueue, event)
		c.ack(ctx, msg.LeaseID)
		return
	}

	jobLogger := log.WithJobID(job.JobID)

	if c.cfg.PullFn != nil {
		if _, err := c.refresher.Ensure(ctx, c.cfg.ImageRef, c.cfg.ImagePath, c.cfg.PullFn); err != nil {
			jobLogger.Warn().Err(err).Msg("pre-execution digest probe failed, continuing with existing image")
		}
	}

	c.jobInFlight.Store(true)
	c.currentJobID.Store(job.JobID)
	metrics.JobsInFlight.Set(1)
	timer := metrics.NewTimer()
	event, sent, err := c.exec.Execute(ctx, job)
	timer.ObserveDuration(metrics.JobDuration)
	c.jobInFlight.Store(false)
	c.currentJobID.Store("")
	metrics.JobsInFlight.Set(0)

	if err != nil {
		jobLogger.Error().Err(err).Msg("executor returned an unexpected error")
	}
	metrics.JobsTerminalTotal.WithLabelValues(string(event.Status), string(event.ErrorKind)).Inc()

	if !sent || ctx.Err() != nil {
		jobLogger.Warn().Bool("sent", sent).Msg("terminal event not confirmed sent, leaving message unacked for redelivery")
		return
	}

	c.ack(ctx, msg.LeaseID)
}

// emitPoisonAndAck handles an undecodable transport envelope: the consumer
// MUST ack immediately to drain the poison message, emitting a synthetic
// failed event only if a job_id happens to be recoverable from the raw body.
func (c *Consumer) emitPoisonAndAck(ctx context.Context, msg queue.Message) {
	jobID := recoverJobID(msg.Body)

	logger := log.WithComponent("consumer")
	if jobID == "" {
		// Nothing in the envelope identifies this message; mint a
		// throwaway id purely so this warning can be correlated with any
		// later log line about the same dropped message.
		correlationID := uuid.NewString()
		logger.Warn().Err(msg.Err).Str("lease_id", msg.LeaseID).Str("correlation_id", correlationID).Msg("poison message with no recoverable job_id, acking and dropping")
		c.ack(ctx, msg.LeaseID)
		return
	}

	logger.Warn().Err(msg.Err).Str("lease_id", msg.LeaseID).Str("job_id", jobID).Msg("poison message, acking and dropping")
	event := types.ResultEvent{
		JobID:       jobID,
		Status:      types.StatusFailed,
		ErrorKind:   types.ErrorKindPoison,
		ErrorDetail: msg.Err.Error(),
		Timestamp:   time.Now().UTC(),
	}
	_ = c.q.Send(ctx, c.cfg.ResultsQueue, event)
	c.ack(ctx, msg.LeaseID)
}

// recoverJobID best-effort extracts a job_id field from an otherwise
// undecodable body, e.g. valid outer JSON with a malformed input value.
func recoverJobID(body json.RawMessage) string {
	if len(body) == 0 {
		return ""
	}
	var partial struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(body, &partial); err != nil {
		return ""
	}
	if !jobid.Valid(partial.JobID) {
		return ""
	}
	return partial.JobID
}

func (c *Consumer) ack(ctx context.Context, leaseID string) {
	ackCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ackCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := c.q.Ack(ackCtx, c.cfg.JobsQueue, []string{leaseID}); err != nil {
		log.WithComponent("consumer").Error().Err(err).Str("lease_id", leaseID).Msg("ack failed, message will redeliver")
	}
}

// heartbeatLoop publishes a heartbeat event every HeartbeatPeriod,
// independent of job execution, satisfying the liveness invariant that any
// 2x-heartbeat-period window contains at least one heartbeat.
func (c *Consumer) heartbeatLoop(ctx context.Context) {
	logger := log.WithComponent("heartbeat")
	ticker := time.NewTicker(c.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			event := types.ResultEvent{
				Status:           types.StatusHeartbeat,
				HPCRunningRemote: c.jobInFlight.Load(),
				Hostname:         c.cfg.Hostname,
				WorkerVersion:    c.cfg.WorkerVersion,
				Timestamp:        time.Now().UTC(),
			}
			if err := c.q.Send(ctx, c.cfg.ResultsQueue, event); err != nil {
				logger.Warn().Err(err).Msg("failed to publish heartbeat")
				continue
			}
			metrics.HeartbeatsSentTotal.Inc()
			now := time.Now()
			metrics.LastHeartbeatTimestamp.Set(float64(now.Unix()))
			c.lastHeartbeat.Store(now)
		}
	}
}
