package consumer_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hpcq/internal/queuetest"
	"github.com/cuemby/hpcq/pkg/consumer"
	"github.com/cuemby/hpcq/pkg/queue"
	"github.com/cuemby/hpcq/pkg/types"
)

type fakeExecutor struct {
	result types.ResultEvent
	sent   bool
	err    error
	calls  int
}

func (f *fakeExecutor) Execute(ctx context.Context, job types.JobMessage) (types.ResultEvent, bool, error) {
	f.calls++
	return f.result, f.sent, f.err
}

func newTestConsumer(t *testing.T, fake *queuetest.Server, exec *fakeExecutor) *consumer.Consumer {
	t.Helper()
	q := queue.New(fake.URL(), fake.AccountID(), queuetest.Token)
	cfg := consumer.Config{
		JobsQueue:       "jobs",
		ResultsQueue:    "results",
		PollInterval:    10 * time.Millisecond,
		HeartbeatPeriod: time.Hour, // disable heartbeat noise in most tests
		Hostname:        "test-host",
		WorkerVersion:   "test",
	}
	return consumer.New(cfg, q, exec, nil)
}

func TestProcessMessageAcksOnSuccessfulSend(t *testing.T) {
	fake := queuetest.New()
	defer fake.Close()
	fake.Enqueue("jobs", types.JobMessage{JobID: "brave-comet-1a2b3c", Input: types.JobInput{"command": "echo hi"}})

	exec := &fakeExecutor{result: types.ResultEvent{JobID: "brave-comet-1a2b3c", Status: types.StatusCompleted}, sent: true}
	c := newTestConsumer(t, fake, exec)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return exec.calls == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return fake.PendingCount("jobs") == 0 }, time.Second, 5*time.Millisecond)
}

func TestProcessMessageLeavesUnackedWhenNotSent(t *testing.T) {
	fake := queuetest.New()
	defer fake.Close()
	fake.Enqueue("jobs", types.JobMessage{JobID: "calm-river-4d5e6f", Input: types.JobInput{"command": "echo hi"}})

	exec := &fakeExecutor{result: types.ResultEvent{JobID: "calm-river-4d5e6f", Status: types.StatusFailed}, sent: false}
	c := newTestConsumer(t, fake, exec)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	assert.Equal(t, 1, exec.calls)
	// message was leased (pulled) but not acked; it's not in pending because
	// it's still leased out, not because it was acked.
	assert.Equal(t, 0, fake.PendingCount("jobs"))
}

func TestProcessMessageWithInvalidJobIDFailsAndAcks(t *testing.T) {
	fake := queuetest.New()
	defer fake.Close()
	fake.Enqueue("jobs", map[string]string{"job_id": "not valid!!", "garbage": "x"})

	exec := &fakeExecutor{}
	c := newTestConsumer(t, fake, exec)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	assert.Equal(t, 0, exec.calls, "executor should never see a message with an invalid job_id")
	sent := fake.Sent("results")
	require.Len(t, sent, 1)
	assert.Contains(t, string(sent[0]), "invalid_input")
}

func TestProcessMessagePoisonBodyAcksWithoutExecuting(t *testing.T) {
	fake := queuetest.New()
	defer fake.Close()
	fake.EnqueueRaw("jobs", "not json", false)

	exec := &fakeExecutor{}
	c := newTestConsumer(t, fake, exec)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	assert.Equal(t, 0, exec.calls)
	assert.Equal(t, 0, fake.PendingCount("jobs"))
}

func TestCurrentJobIDEmptyWhenIdle(t *testing.T) {
	fake := queuetest.New()
	defer fake.Close()
	assert.Equal(t, "", (&consumer.Consumer{}).CurrentJobID())
}

func TestLastHeartbeatZeroBeforeFirstPublish(t *testing.T) {
	c := &consumer.Consumer{}
	assert.True(t, c.LastHeartbeat().IsZero())
}

func TestHeartbeatLoopPublishesOnSchedule(t *testing.T) {
	fake := queuetest.New()
	defer fake.Close()
	q := queue.New(fake.URL(), fake.AccountID(), queuetest.Token)
	cfg := consumer.Config{
		JobsQueue:       "jobs",
		ResultsQueue:    "results",
		PollInterval:    time.Hour,
		HeartbeatPeriod: 20 * time.Millisecond,
		Hostname:        "test-host",
		WorkerVersion:   "test",
	}
	exec := &fakeExecutor{}
	c := consumer.New(cfg, q, exec, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	sent := fake.Sent("results")
	assert.NotEmpty(t, sent, "expected at least one heartbeat to be published")
	assert.False(t, c.LastHeartbeat().IsZero())
}
