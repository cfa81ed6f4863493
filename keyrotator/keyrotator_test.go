package keyrotator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezaigents/agentmesh/core"
)

func newTestPool(t *testing.T) *Pool {
	_, client := core.NewTestRedis(t)
	return New(client, "test", Config{
		DefaultRPM:      5,
		RateLimitWindow: time.Minute,
		UnhealthyTTL:    time.Minute,
		FallbackChain:   map[string]string{"claude-3-opus": "gpt-4o"},
	})
}

func TestNextReturnsNoHealthyKeysWhenEmpty(t *testing.T) {
	p := newTestPool(t)
	_, _, err := p.Next(context.Background(), "claude-3-opus", RoundRobin)
	assert.ErrorIs(t, err, core.ErrNoHealthyKeys)
}

func TestRoundRobinCyclesKeys(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()
	require.NoError(t, p.AddKey(ctx, "m", 0, "key-a"))
	require.NoError(t, p.AddKey(ctx, "m", 1, "key-b"))

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		_, idx, err := p.Next(ctx, "m", RoundRobin)
		require.NoError(t, err)
		seen[idx] = true
	}
	assert.Len(t, seen, 2)
}

func TestLeastUsedPrefersLowerUseCount(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()
	require.NoError(t, p.AddKey(ctx, "m", 0, "key-a"))
	require.NoError(t, p.AddKey(ctx, "m", 1, "key-b"))

	_, first, err := p.Next(ctx, "m", LeastUsed)
	require.NoError(t, err)
	_, second, err := p.Next(ctx, "m", LeastUsed)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestRecordOutcomeRecoversHealth(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()
	require.NoError(t, p.AddKey(ctx, "m", 0, "key-a"))
	require.NoError(t, p.MarkUnhealthy(ctx, "m", 0, "429", time.Minute))

	for i := 0; i < 11; i++ {
		require.NoError(t, p.RecordOutcome(ctx, "m", 0, true, 100))
	}

	snap, err := p.Snapshot(ctx, "m")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, core.KeyHealthy, snap[0].Health)
}

func TestHealthBasedFallsBackWithoutBlocking(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()
	require.NoError(t, p.AddKey(ctx, "m", 0, "key-a"))
	require.NoError(t, p.MarkUnhealthy(ctx, "m", 0, "429", time.Minute))

	opaque, idx, err := p.Next(ctx, "m", HealthBased)
	require.NoError(t, err)
	assert.Equal(t, "key-a", opaque)
	assert.Equal(t, 0, idx)
}

func TestFallbackReturnsConfiguredChain(t *testing.T) {
	p := newTestPool(t)
	next, ok := p.Fallback("claude-3-opus")
	assert.True(t, ok)
	assert.Equal(t, "gpt-4o", next)

	_, ok = p.Fallback("unknown-model")
	assert.False(t, ok)
}

func TestSnapshotNeverExposesOpaqueCredential(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()
	require.NoError(t, p.AddKey(ctx, "m", 0, "super-secret-key"))

	snap, err := p.Snapshot(ctx, "m")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Empty(t, snap[0].Opaque)
}
