// Package orchestrator runs the global health sweep, orphan reaping,
// and rebalance logic, and is the entry point for external
// pause/resume/rebalance/clear-dlq control commands.
package orchestrator

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ezaigents/agentmesh/core"
	"github.com/ezaigents/agentmesh/dispatcher"
	"github.com/ezaigents/agentmesh/dlq"
)

const controlChannel = "orchestrator:control"

// AgentLister is the subset of coordinator.Registry the loop needs for
// its health sweep.
type AgentLister interface {
	ActiveAgents(ctx context.Context) ([]core.Agent, error)
}

// QueueStatter is the subset of dispatcher.Dispatcher the loop's
// health sweep and rebalance step need.
type QueueStatter interface {
	Stats(ctx context.Context, model string) (*dispatcher.Stats, error)
	ReapOrphans(ctx context.Context, model string, staleness time.Duration, isAgentAlive func(agentID string) bool) (int, error)
	Pause()
	Resume()
}

// DLQClearer is the subset of dlq.Manager the control-channel handler
// needs.
type DLQClearer interface {
	ClearDLQ(ctx context.Context, model string) (int, error)
}

// Config configures a Loop.
type Config struct {
	Models             []string
	HealthInterval     time.Duration
	OrphanThreshold    time.Duration
	UnresponsiveAfter  time.Duration
	RebalanceVariance  float64
	RebalanceInterval  time.Duration
	Logger             core.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.OrphanThreshold <= 0 {
		cfg.OrphanThreshold = 2 * time.Minute
	}
	if cfg.UnresponsiveAfter <= 0 {
		cfg.UnresponsiveAfter = 30 * time.Second
	}
	if cfg.RebalanceVariance <= 0 {
		cfg.RebalanceVariance = 0.5
	}
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
}

// HealthSnapshot is the most recent health sweep result, exposed to
// the (out-of-scope) dashboard through GetHealth.
type HealthSnapshot struct {
	At          time.Time
	Score       float64
	ActiveAgents int
	TotalAgents  int
	QueueDepth   map[string]int64
}

// Loop is the orchestrator's health-sweep / orphan-reap / rebalance /
// control-channel process.
type Loop struct {
	cfg    Config
	client *redis.Client

	agents     AgentLister
	dispatcher QueueStatter
	dlqManager DLQClearer

	paused atomic.Bool

	mu       sync.RWMutex
	snapshot HealthSnapshot
}

// New constructs a Loop.
func New(client *redis.Client, cfg Config, agents AgentLister, dispatcher QueueStatter, dlqManager DLQClearer) *Loop {
	cfg.applyDefaults()
	return &Loop{cfg: cfg, client: client, agents: agents, dispatcher: dispatcher, dlqManager: dlqManager}
}

// Pause stops the dispatcher from handing out claims globally.
func (l *Loop) Pause() {
	l.paused.Store(true)
	l.dispatcher.Pause()
}

// Resume restarts dispatcher claims.
func (l *Loop) Resume() {
	l.paused.Store(false)
	l.dispatcher.Resume()
}

// Paused reports whether the loop has issued a pause.
func (l *Loop) Paused() bool { return l.paused.Load() }

// GetHealth returns the most recent health snapshot.
func (l *Loop) GetHealth() HealthSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

// Run blocks running the health sweep, orphan reap, and rebalance
// tickers, and the control-channel subscriber until ctx is canceled.
// DLQ cleanup runs on its own cadence inside dlq.Manager.Run, not here.
func (l *Loop) Run(ctx context.Context) error {
	healthTicker := time.NewTicker(l.cfg.HealthInterval)
	defer healthTicker.Stop()
	orphanTicker := time.NewTicker(l.cfg.OrphanThreshold)
	defer orphanTicker.Stop()
	rebalanceTicker := time.NewTicker(l.cfg.RebalanceInterval)
	defer rebalanceTicker.Stop()

	sub := l.client.Subscribe(ctx, controlChannel)
	defer sub.Close()
	commands := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-healthTicker.C:
			l.healthSweep(ctx)
		case <-orphanTicker.C:
			l.reapOrphans(ctx)
		case <-rebalanceTicker.C:
			l.rebalance(ctx)
		case msg := <-commands:
			if msg == nil {
				continue
			}
			l.handleControl(ctx, msg.Payload)
		}
	}
}

func (l *Loop) healthSweep(ctx context.Context) {
	agents, err := l.agents.ActiveAgents(ctx)
	if err != nil {
		l.cfg.Logger.Error("health sweep failed to list agents", map[string]interface{}{"error": err.Error()})
		return
	}

	now := time.Now()
	alive := 0
	for _, a := range agents {
		if now.Sub(a.LastHeartbeat) < l.cfg.UnresponsiveAfter {
			alive++
		}
	}
	score := 1.0
	if len(agents) > 0 {
		score = float64(alive) / float64(len(agents))
	}

	depth := make(map[string]int64, len(l.cfg.Models))
	for _, model := range l.cfg.Models {
		stats, err := l.dispatcher.Stats(ctx, model)
		if err != nil {
			continue
		}
		var total int64
		for _, n := range stats.Pending {
			total += n
		}
		depth[model] = total
	}

	l.mu.Lock()
	l.snapshot = HealthSnapshot{At: now, Score: score, ActiveAgents: alive, TotalAgents: len(agents), QueueDepth: depth}
	l.mu.Unlock()
}

func (l *Loop) reapOrphans(ctx context.Context) {
	agents, err := l.agents.ActiveAgents(ctx)
	if err != nil {
		l.cfg.Logger.Error("orphan reap failed to list agents", map[string]interface{}{"error": err.Error()})
		return
	}
	alive := make(map[string]bool, len(agents))
	for _, a := range agents {
		alive[a.ID] = a.Status != core.AgentUnresponsive && a.Status != core.AgentOffline
	}

	for _, model := range l.cfg.Models {
		n, err := l.dispatcher.ReapOrphans(ctx, model, l.cfg.OrphanThreshold, func(agentID string) bool { return alive[agentID] })
		if err != nil {
			l.cfg.Logger.Error("reap orphans failed", map[string]interface{}{"model": model, "error": err.Error()})
			continue
		}
		if n > 0 {
			l.cfg.Logger.Info("reaped orphaned tasks", map[string]interface{}{"model": model, "count": n})
		}
	}
}

// rebalance detects queue-depth imbalance across models (coefficient
// of variation above RebalanceVariance) and logs each model deeper
// than one standard deviation above the mean that has a fallback
// target, using the DLQ manager's parse-kind fallback table for model
// pairing. It does not move any tasks between queues.
func (l *Loop) rebalance(ctx context.Context) {
	depths := make(map[string]int64, len(l.cfg.Models))
	var total, count float64
	for _, model := range l.cfg.Models {
		stats, err := l.dispatcher.Stats(ctx, model)
		if err != nil {
			continue
		}
		var sum int64
		for _, n := range stats.Pending {
			sum += n
		}
		depths[model] = sum
		total += float64(sum)
		count++
	}
	if count == 0 {
		return
	}
	mean := total / count
	var variance float64
	for _, d := range depths {
		diff := float64(d) - mean
		variance += diff * diff
	}
	variance /= count
	stdDev := math.Sqrt(variance)
	if mean == 0 || stdDev/mean <= l.cfg.RebalanceVariance {
		return
	}

	for model, depth := range depths {
		fallback, ok := dlq.FallbackChain[model]
		if !ok {
			continue
		}
		if float64(depth) > mean+stdDev {
			l.cfg.Logger.Info("queue depth imbalance detected", map[string]interface{}{
				"model": model, "depth": depth, "fallback": fallback, "mean": mean,
			})
		}
	}
}

func (l *Loop) handleControl(ctx context.Context, payload string) {
	var envelope core.Envelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		l.cfg.Logger.Warn("dropping malformed control message", map[string]interface{}{"error": err.Error()})
		return
	}
	if envelope.Kind != core.EnvelopeControl || envelope.Control == nil {
		return
	}

	switch envelope.Control.Command {
	case core.ControlPause:
		l.Pause()
	case core.ControlResume:
		l.Resume()
	case core.ControlRebalance:
		l.rebalance(ctx)
	case core.ControlHealthCheck:
		l.healthSweep(ctx)
		snap := l.GetHealth()
		l.cfg.Logger.Info("health report", map[string]interface{}{
			"score": snap.Score, "active_agents": snap.ActiveAgents,
			"total_agents": snap.TotalAgents, "queue_depth": snap.QueueDepth,
		})
	case core.ControlClearDLQ:
		if l.dlqManager == nil {
			return
		}
		if _, err := l.dlqManager.ClearDLQ(ctx, envelope.Control.Model); err != nil {
			l.cfg.Logger.Error("control clear_dlq failed", map[string]interface{}{"model": envelope.Control.Model, "error": err.Error()})
		}
	default:
		l.cfg.Logger.Warn("unknown control command", map[string]interface{}{"command": envelope.Control.Command})
	}
}

// PublishControl publishes a control command on the orchestrator's
// control channel, the path used by cmd/agentmeshctl.
func PublishControl(ctx context.Context, client *redis.Client, cmd core.ControlCommand, model string) error {
	envelope := core.Envelope{Kind: core.EnvelopeControl, Control: &core.ControlMessage{Command: cmd, Model: model}}
	data, err := json.Marshal(envelope)
	if err != nil {
		return core.NewFrameworkError("orchestrator.PublishControl", "marshal", err)
	}
	return client.Publish(ctx, controlChannel, data).Err()
}
