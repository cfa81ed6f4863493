package dlq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezaigents/agentmesh/core"
)

type fakeEnqueuer struct {
	tasks []*core.Task
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, task *core.Task) error {
	f.tasks = append(f.tasks, task)
	return nil
}

func TestClassify(t *testing.T) {
	assert.Equal(t, core.FailureRateLimit, Classify("429 rate limit exceeded"))
	assert.Equal(t, core.FailureTimeout, Classify("context deadline exceeded: timeout"))
	assert.Equal(t, core.FailureConnection, Classify("dial tcp: connection refused"))
	assert.Equal(t, core.FailureParse, Classify("failed to parse JSON response"))
	assert.Equal(t, core.FailureMemory, Classify("out of memory: heap limit exceeded"))
	assert.Equal(t, core.FailureUnknown, Classify("something odd happened"))
}

func TestIsTemporary(t *testing.T) {
	assert.True(t, IsTemporary("service temporarily unavailable"))
	assert.True(t, IsTemporary("please try again later"))
	assert.False(t, IsTemporary("invalid api key"))
}

func pushDLQ(t *testing.T, m *Manager, model string, task *core.Task) {
	t.Helper()
	data, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, m.client.LPush(context.Background(), m.dlqKey(model), data).Err())
}

func newTestManager(t *testing.T, enq Enqueuer, cfg Config) *Manager {
	_, client := core.NewTestRedis(t)
	return New(client, "test", enq, cfg)
}

func TestProcessModelArchivesExpiredTask(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(t, enq, Config{TTL: time.Millisecond, BatchSize: 10})
	task := &core.Task{
		ID: "t1", TargetModel: "m",
		Failure: &core.Failure{Kind: core.FailureUnknown, Message: "boom", FailedAt: time.Now().Add(-time.Hour)},
	}
	pushDLQ(t, m, "m", task)

	require.NoError(t, m.ProcessModel(context.Background(), "m"))
	assert.Empty(t, enq.tasks)

	entries, err := m.client.ZRange(context.Background(), m.archiveKey("m", time.Now().Format("2006-01-02")), 0, -1).Result()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProcessModelRateLimitRetrySetsLowPriority(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(t, enq, Config{BatchSize: 10})
	task := &core.Task{
		ID: "t2", TargetModel: "claude-3-opus", Priority: core.PriorityHigh,
		Failure: &core.Failure{Kind: core.FailureRateLimit, Message: "429 rate limit exceeded", FailedAt: time.Now()},
	}
	pushDLQ(t, m, "claude-3-opus", task)

	require.NoError(t, m.ProcessModel(context.Background(), "claude-3-opus"))

	// The first rate-limit retry waits a minute, so it sits in the
	// durable schedule rather than being enqueued yet.
	assert.Empty(t, enq.tasks)
	scheduled, err := m.client.ZRange(context.Background(), m.scheduleKey("claude-3-opus"), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	var retried core.Task
	require.NoError(t, json.Unmarshal([]byte(scheduled[0]), &retried))
	assert.Equal(t, core.PriorityLow, retried.Priority)
	assert.Equal(t, 1, retried.Retries)
}

func TestProcessModelMaxRetriesExceededIsArchived(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(t, enq, Config{BatchSize: 10, MaxRetries: 2})
	task := &core.Task{
		ID: "t3", TargetModel: "m", Retries: 2,
		Failure: &core.Failure{Kind: core.FailureUnknown, Message: "boom", FailedAt: time.Now()},
	}
	pushDLQ(t, m, "m", task)

	require.NoError(t, m.ProcessModel(context.Background(), "m"))

	entries, err := m.client.ZRange(context.Background(), m.archiveKey("m", time.Now().Format("2006-01-02")), 0, -1).Result()
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	permanent, err := m.client.ZRange(context.Background(), m.permanentFailuresKey(), 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, permanent)
}

func TestProcessModelNonRetryableErrorGoesToPermanentFailure(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(t, enq, Config{BatchSize: 10, MaxRetries: 5})
	task := &core.Task{
		ID: "t3b", TargetModel: "m",
		Failure: &core.Failure{Kind: core.FailureUnknown, Message: "invalid request: malformed payload", FailedAt: time.Now()},
	}
	pushDLQ(t, m, "m", task)

	require.NoError(t, m.ProcessModel(context.Background(), "m"))

	entries, err := m.client.ZRange(context.Background(), m.permanentFailuresKey(), 0, -1).Result()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestManualRetryBypassesClassifier(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(t, enq, Config{})
	task := &core.Task{ID: "t4", TargetModel: "m", Retries: 99}
	pushDLQ(t, m, "m", task)

	require.NoError(t, m.ManualRetry(context.Background(), "m", "t4"))
	require.Len(t, enq.tasks, 1)
	assert.Equal(t, 100, enq.tasks[0].Retries)
}

func TestClearDLQArchivesEverything(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(t, enq, Config{})
	pushDLQ(t, m, "m", &core.Task{ID: "t5", TargetModel: "m"})
	pushDLQ(t, m, "m", &core.Task{ID: "t6", TargetModel: "m"})

	n, err := m.ClearDLQ(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	depth, err := m.client.LLen(context.Background(), m.dlqKey("m")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)
}

func TestParseFailureSwitchesModelViaFallbackChain(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(t, enq, Config{BatchSize: 10})
	task := &core.Task{
		ID: "t7", TargetModel: "claude-3-opus",
		Failure: &core.Failure{Kind: core.FailureParse, Message: "failed to parse response", FailedAt: time.Now()},
	}
	pushDLQ(t, m, "claude-3-opus", task)

	require.NoError(t, m.ProcessModel(context.Background(), "claude-3-opus"))

	// Parse retries wait 10s and are scheduled under the fallback model.
	scheduled, err := m.client.ZRange(context.Background(), m.scheduleKey("gpt-4o"), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	var retried core.Task
	require.NoError(t, json.Unmarshal([]byte(scheduled[0]), &retried))
	assert.Equal(t, "gpt-4o", retried.TargetModel)
	assert.True(t, retried.FallbackUsed)
}
