package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezaigents/agentmesh/core"
	"github.com/ezaigents/agentmesh/resilience"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	_, client := core.NewTestRedis(t)
	return New(client, "test", Config{IngestDedupWindow: time.Minute, ClaimBlockTimeout: time.Second})
}

func TestEnqueueDeduplicatesWithinWindow(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	task := &core.Task{ID: "t1", TargetModel: "claude-3-opus", Priority: core.PriorityHigh}

	require.NoError(t, d.Enqueue(ctx, task))
	err := d.Enqueue(ctx, task)
	assert.ErrorIs(t, err, core.ErrDuplicateTask)
}

func TestEnqueueSetsOriginalQueueToModelQueue(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	task := &core.Task{ID: "t1b", TargetModel: "deepseek-coder", Priority: core.PriorityHigh}

	require.NoError(t, d.Enqueue(ctx, task))
	assert.Equal(t, "queue:deepseek-coder", task.OriginalQueue)

	preset := &core.Task{ID: "t1c", TargetModel: "gpt-4o", Priority: core.PriorityHigh, OriginalQueue: "queue:deepseek-coder"}
	require.NoError(t, d.Enqueue(ctx, preset))
	assert.Equal(t, "queue:deepseek-coder", preset.OriginalQueue)
}

func TestClaimRespectsPriorityOrder(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.Enqueue(ctx, &core.Task{ID: "low1", TargetModel: "m", Priority: core.PriorityLow}))
	require.NoError(t, d.Enqueue(ctx, &core.Task{ID: "crit1", TargetModel: "m", Priority: core.PriorityCritical}))

	task, err := d.Claim(ctx, "m", "agent-a")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "crit1", task.ID)
	assert.Equal(t, "agent-a", task.ClaimedBy)
}

func TestClaimReturnsNilWhenEmpty(t *testing.T) {
	d := newTestDispatcher(t)
	task, err := d.Claim(context.Background(), "m", "agent-a")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClaimReturnsNilWhenPaused(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, &core.Task{ID: "t1", TargetModel: "m", Priority: core.PriorityHigh}))

	d.Pause()
	task, err := d.Claim(ctx, "m", "agent-a")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestCompleteRemovesFromProcessing(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, &core.Task{ID: "t1", TargetModel: "m", Priority: core.PriorityHigh}))
	task, err := d.Claim(ctx, "m", "agent-a")
	require.NoError(t, err)

	require.NoError(t, d.Complete(ctx, task))

	stats, err := d.Stats(ctx, "m")
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Processing)
}

func TestFailPushesToDLQ(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, &core.Task{ID: "t1", TargetModel: "m", Priority: core.PriorityHigh}))
	task, err := d.Claim(ctx, "m", "agent-a")
	require.NoError(t, err)

	require.NoError(t, d.Fail(ctx, task, core.Failure{Kind: core.FailureTimeout, Message: "timed out"}))

	n, err := d.client.LLen(ctx, d.dlqKey("m")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestReapOrphansReenqueuesStaleClaims(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()
	require.NoError(t, d.Enqueue(ctx, &core.Task{ID: "t1", TargetModel: "m", Priority: core.PriorityHigh}))
	task, err := d.Claim(ctx, "m", "agent-a")
	require.NoError(t, err)
	staleCopy := *task
	staleCopy.ClaimedAt = time.Now().Add(-time.Hour)
	staleRaw, err := json.Marshal(&staleCopy)
	require.NoError(t, err)
	currentRaw, err := json.Marshal(task)
	require.NoError(t, err)
	pipe := d.client.TxPipeline()
	pipe.LRem(ctx, d.processingKey("m"), 1, currentRaw)
	pipe.LPush(ctx, d.processingKey("m"), staleRaw)
	_, err = pipe.Exec(ctx)
	require.NoError(t, err)

	reaped, err := d.ReapOrphans(ctx, "m", time.Minute, func(string) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	stats, err := d.Stats(ctx, "m")
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending[string(core.PriorityHigh)])
}

func TestClaimTripsCircuitBreakerOnRepeatedRedisFailure(t *testing.T) {
	d := newTestDispatcher(t)
	d.client.Close()

	ctx := context.Background()
	var lastErr error
	for i := 0; i < 20; i++ {
		_, lastErr = d.Claim(ctx, "m", "agent-a")
		if lastErr != nil && d.breaker.State() == resilience.StateOpen {
			break
		}
	}
	require.Error(t, lastErr)
	assert.Equal(t, resilience.StateOpen, d.breaker.State())

	_, err := d.Claim(ctx, "m", "agent-a")
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}
