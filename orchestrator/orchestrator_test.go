package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezaigents/agentmesh/core"
	"github.com/ezaigents/agentmesh/dispatcher"
)

type fakeAgents struct {
	agents []core.Agent
	err    error
}

func (f *fakeAgents) ActiveAgents(ctx context.Context) ([]core.Agent, error) { return f.agents, f.err }

type fakeDispatcher struct {
	stats       map[string]*dispatcher.Stats
	pauseCalls  int
	resumeCalls int
	reaped      int
}

func (f *fakeDispatcher) Stats(ctx context.Context, model string) (*dispatcher.Stats, error) {
	return f.stats[model], nil
}
func (f *fakeDispatcher) ReapOrphans(ctx context.Context, model string, staleness time.Duration, isAgentAlive func(string) bool) (int, error) {
	return f.reaped, nil
}
func (f *fakeDispatcher) Pause()  { f.pauseCalls++ }
func (f *fakeDispatcher) Resume() { f.resumeCalls++ }

type fakeDLQ struct {
	cleared string
}

func (f *fakeDLQ) ClearDLQ(ctx context.Context, model string) (int, error) {
	f.cleared = model
	return 0, nil
}

func TestHealthSweepComputesScore(t *testing.T) {
	agents := &fakeAgents{agents: []core.Agent{
		{ID: "a1", LastHeartbeat: time.Now()},
		{ID: "a2", LastHeartbeat: time.Now().Add(-time.Hour)},
	}}
	disp := &fakeDispatcher{stats: map[string]*dispatcher.Stats{"m": {Pending: map[string]int64{"high": 3}}}}
	loop := New(nil, Config{Models: []string{"m"}, UnresponsiveAfter: time.Minute}, agents, disp, &fakeDLQ{})

	loop.healthSweep(context.Background())

	snap := loop.GetHealth()
	assert.Equal(t, 1, snap.ActiveAgents)
	assert.Equal(t, 2, snap.TotalAgents)
	assert.InDelta(t, 0.5, snap.Score, 0.001)
	assert.EqualValues(t, 3, snap.QueueDepth["m"])
}

func TestPauseResumeDelegatesToDispatcher(t *testing.T) {
	disp := &fakeDispatcher{}
	loop := New(nil, Config{}, &fakeAgents{}, disp, &fakeDLQ{})

	loop.Pause()
	assert.True(t, loop.Paused())
	assert.Equal(t, 1, disp.pauseCalls)

	loop.Resume()
	assert.False(t, loop.Paused())
	assert.Equal(t, 1, disp.resumeCalls)
}

func TestHandleControlClearDLQ(t *testing.T) {
	dlqMgr := &fakeDLQ{}
	loop := New(nil, Config{}, &fakeAgents{}, &fakeDispatcher{}, dlqMgr)

	payload := `{"kind":"control","control":{"command":"clear_dlq","model":"claude-3-opus"}}`
	loop.handleControl(context.Background(), payload)

	assert.Equal(t, "claude-3-opus", dlqMgr.cleared)
}

func TestHandleControlPauseResume(t *testing.T) {
	disp := &fakeDispatcher{}
	loop := New(nil, Config{}, &fakeAgents{}, disp, &fakeDLQ{})

	loop.handleControl(context.Background(), `{"kind":"control","control":{"command":"pause"}}`)
	require.True(t, loop.Paused())

	loop.handleControl(context.Background(), `{"kind":"control","control":{"command":"resume"}}`)
	require.False(t, loop.Paused())
}

func TestHandleControlIgnoresNonControlEnvelope(t *testing.T) {
	disp := &fakeDispatcher{}
	loop := New(nil, Config{}, &fakeAgents{}, disp, &fakeDLQ{})

	loop.handleControl(context.Background(), `{"kind":"task"}`)
	assert.Equal(t, 0, disp.pauseCalls)
}
