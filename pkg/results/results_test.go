package results_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hpcq/internal/queuetest"
	"github.com/cuemby/hpcq/pkg/layout"
	"github.com/cuemby/hpcq/pkg/queue"
	"github.com/cuemby/hpcq/pkg/results"
	"github.com/cuemby/hpcq/pkg/types"
)

func newConsumer(t *testing.T, fake *queuetest.Server) (*results.Consumer, *layout.Layout) {
	t.Helper()
	base := t.TempDir()
	l := layout.New(base)
	q := queue.New(fake.URL(), fake.AccountID(), queuetest.Token)
	c := results.New(results.Config{ResultsQueue: "results", BatchSize: 10, PollInterval: time.Second}, q, l)
	return c, l
}

func TestPollOnceHandlesHeartbeat(t *testing.T) {
	fake := queuetest.New()
	defer fake.Close()
	c, _ := newConsumer(t, fake)

	now := time.Now().UTC().Truncate(time.Second)
	fake.Enqueue("results", types.ResultEvent{
		Status:           types.StatusHeartbeat,
		HPCRunningRemote: true,
		Timestamp:        now,
	})

	require.NoError(t, c.PollOnce(context.Background()))

	snap := c.Snapshot()
	assert.True(t, snap.HPCRunningRemote)
	assert.Equal(t, now, snap.HPCLastHeartbeat)
	assert.Equal(t, 0, fake.PendingCount("results"))
}

func TestPollOnceWritesTerminalRecord(t *testing.T) {
	fake := queuetest.New()
	defer fake.Close()
	c, l := newConsumer(t, fake)

	event := types.ResultEvent{
		JobID:     "brave-comet-1a2b3c",
		Status:    types.StatusCompleted,
		ExitCode:  types.IntPtr(0),
		Timestamp: time.Now().UTC(),
	}
	fake.Enqueue("results", event)

	require.NoError(t, c.PollOnce(context.Background()))

	data, err := os.ReadFile(l.LocalRecordPath("brave-comet-1a2b3c"))
	require.NoError(t, err)
	var got types.ResultEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, types.StatusCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
}

func TestPollOnceAppendsOnlyNewTailBytes(t *testing.T) {
	fake := queuetest.New()
	defer fake.Close()
	c, l := newConsumer(t, fake)

	fake.Enqueue("results", types.ResultEvent{
		JobID:           "calm-river-4d5e6f",
		Status:          types.StatusRunning,
		StdoutTail:      "hello ",
		BytesReadStdout: 6,
		Timestamp:       time.Now().UTC(),
	})
	require.NoError(t, c.PollOnce(context.Background()))

	fake.Enqueue("results", types.ResultEvent{
		JobID:           "calm-river-4d5e6f",
		Status:          types.StatusRunning,
		StdoutTail:      "hello world",
		BytesReadStdout: 11,
		Timestamp:       time.Now().UTC(),
	})
	require.NoError(t, c.PollOnce(context.Background()))

	data, err := os.ReadFile(l.LocalStdoutPath("calm-river-4d5e6f"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestPollOnceDropsUndecodableMessageButAcksIt(t *testing.T) {
	fake := queuetest.New()
	defer fake.Close()
	c, _ := newConsumer(t, fake)

	fake.EnqueueRaw("results", "not json", false)
	require.NoError(t, c.PollOnce(context.Background()))
	assert.Equal(t, 0, fake.PendingCount("results"))
}

func TestPollOnceEmptyQueueIsNoop(t *testing.T) {
	fake := queuetest.New()
	defer fake.Close()
	c, _ := newConsumer(t, fake)
	require.NoError(t, c.PollOnce(context.Background()))
}

func TestSnapshotBeforeAnyHeartbeatIsZero(t *testing.T) {
	fake := queuetest.New()
	defer fake.Close()
	c, _ := newConsumer(t, fake)

	snap := c.Snapshot()
	assert.False(t, snap.HPCRunningRemote)
	assert.True(t, snap.HPCLastHeartbeat.IsZero())
}
