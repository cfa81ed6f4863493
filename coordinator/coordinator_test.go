package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezaigents/agentmesh/core"
)

func newTestRegistry(t *testing.T) *Registry {
	_, client := core.NewTestRedis(t)
	return New(client, "test", Config{HeartbeatTTL: time.Minute})
}

func TestRegisterAndActiveAgents(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &core.Agent{ID: "a1", Capabilities: []string{"code-gen"}}))

	agents, err := r.ActiveAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].ID)
	assert.Equal(t, core.AgentActive, agents[0].Status)
}

func TestHeartbeatRefreshesAndClearsUnresponsive(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, &core.Agent{ID: "a1"}))
	require.NoError(t, r.MarkUnresponsive(ctx, "a1"))

	require.NoError(t, r.Heartbeat(ctx, "a1"))

	agents, err := r.ActiveAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, core.AgentActive, agents[0].Status)
}

func TestClaimFileFirstCallerWins(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	ok, err := r.ClaimFile(ctx, "main.go", "agent-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ClaimFile(ctx, "main.go", "agent-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseFileRejectsNonOwner(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.ClaimFile(ctx, "main.go", "agent-a", time.Minute)
	require.NoError(t, err)

	released, err := r.ReleaseFile(ctx, "main.go", "agent-b")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = r.ReleaseFile(ctx, "main.go", "agent-a")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestWaitForFileSucceedsOnceReleased(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.ClaimFile(ctx, "main.go", "agent-a", 50*time.Millisecond)
	require.NoError(t, err)
	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = r.ReleaseFile(ctx, "main.go", "agent-a")
	}()

	ok, err := r.WaitForFile(ctx, "main.go", "agent-b", time.Minute, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSendAndInbox(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Send(ctx, "agent-a", "agent-b", "hello"))
	require.NoError(t, r.Send(ctx, "agent-a", "agent-b", "world"))

	msgs, err := r.Inbox(ctx, "agent-b", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Body)
}

func TestAdminForceReleaseBypassesOwnership(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.ClaimFile(ctx, "main.go", "agent-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.AdminForceRelease(ctx, "main.go"))

	ok, err := r.ClaimFile(ctx, "main.go", "agent-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
