// Package coordinator maintains the agent registry, heartbeats,
// per-file advisory locks, and direct/broadcast messaging that let a
// pool of worker agents discover each other and avoid stepping on the
// same file concurrently.
package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ezaigents/agentmesh/core"
)

const (
	defaultHeartbeatTTL  = 15 * time.Second
	defaultInboxCap      = 100
	defaultWaitPoll      = 1 * time.Second
	broadcastChannelName = "broadcast"
)

// Registry is the Redis-backed agent coordinator.
type Registry struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	logger    core.Logger
}

// Config configures a Registry.
type Config struct {
	HeartbeatTTL time.Duration
	Logger       core.Logger
}

// New constructs a Registry over client, namespaced under ns.
func New(client *redis.Client, ns string, cfg Config) *Registry {
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = defaultHeartbeatTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
	return &Registry{client: client, namespace: ns, ttl: cfg.HeartbeatTTL, logger: cfg.Logger}
}

func (r *Registry) agentKey(id string) string    { return core.Namespaced(r.namespace, "agent", id) }
func (r *Registry) activeKey() string            { return core.Namespaced(r.namespace, "agents", "active") }
func (r *Registry) capKey(cap string) string     { return core.Namespaced(r.namespace, "agents", "capability", cap) }
func (r *Registry) lockKey(file string) string   { return core.Namespaced(r.namespace, "lock", file) }
func (r *Registry) inboxKey(agent string) string { return core.Namespaced(r.namespace, "messages", agent) }
func (r *Registry) broadcastKey() string         { return core.Namespaced(r.namespace, broadcastChannelName) }

// Register publishes agent's registration, installs a heartbeat TTL,
// and indexes it by capability, mirroring the teacher registry's
// transactional multi-index write.
func (r *Registry) Register(ctx context.Context, agent *core.Agent) error {
	if agent.ID == "" {
		agent.ID = core.NewID()
	}
	agent.Status = core.AgentActive
	agent.LastHeartbeat = time.Now()

	data, err := json.Marshal(agent)
	if err != nil {
		return core.NewFrameworkError("coordinator.Register", "marshal", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.agentKey(agent.ID), data, r.ttl)
	pipe.SAdd(ctx, r.activeKey(), agent.ID)
	pipe.Expire(ctx, r.activeKey(), r.ttl*2)
	for _, capability := range agent.Capabilities {
		pipe.SAdd(ctx, r.capKey(capability), agent.ID)
		pipe.Expire(ctx, r.capKey(capability), r.ttl*2)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewFrameworkError("coordinator.Register", "redis", err).WithID(agent.ID)
	}
	r.logger.Info("agent registered", map[string]interface{}{"agent_id": agent.ID, "capabilities": agent.Capabilities})
	return nil
}

// Heartbeat idempotently resets an agent's TTL. Callers must invoke it
// at a cadence less than TTL/2.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	agent, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	agent.LastHeartbeat = time.Now()
	if agent.Status == core.AgentOffline || agent.Status == core.AgentUnresponsive {
		agent.Status = core.AgentActive
	}

	data, err := json.Marshal(agent)
	if err != nil {
		return core.NewFrameworkError("coordinator.Heartbeat", "marshal", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.agentKey(id), data, r.ttl)
	pipe.SAdd(ctx, r.activeKey(), id)
	pipe.Expire(ctx, r.activeKey(), r.ttl*2)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return core.NewFrameworkError("coordinator.Heartbeat", "redis", err).WithID(id)
	}
	return nil
}

func (r *Registry) get(ctx context.Context, id string) (*core.Agent, error) {
	data, err := r.client.Get(ctx, r.agentKey(id)).Bytes()
	if err == redis.Nil {
		return nil, core.NewFrameworkError("coordinator.get", "registry", core.ErrAgentNotFound).WithID(id)
	}
	if err != nil {
		return nil, core.NewFrameworkError("coordinator.get", "redis", err).WithID(id)
	}
	var agent core.Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, core.NewFrameworkError("coordinator.get", "unmarshal", err).WithID(id)
	}
	return &agent, nil
}

// ClaimFile atomically sets file's lock if absent. The first caller
// wins; subsequent callers observe false until the TTL elapses or the
// owner releases.
func (r *Registry) ClaimFile(ctx context.Context, file, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.lockKey(file), owner, ttl).Result()
	if err != nil {
		return false, core.NewFrameworkError("coordinator.ClaimFile", "redis", err).WithID(file)
	}
	return ok, nil
}

// ReleaseFile releases file's lock only if owner is the current
// holder, preventing a hostile release by a different agent.
func (r *Registry) ReleaseFile(ctx context.Context, file, owner string) (bool, error) {
	const script = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`
	res, err := r.client.Eval(ctx, script, []string{r.lockKey(file)}, owner).Result()
	if err != nil {
		return false, core.NewFrameworkError("coordinator.ReleaseFile", "redis", err).WithID(file)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// WaitForFile polls ClaimFile until it succeeds or deadline passes,
// sleeping defaultWaitPoll between attempts to avoid hot-looping
// against Redis; only the last wait is cut short so that one final
// attempt happens at the deadline.
func (r *Registry) WaitForFile(ctx context.Context, file, owner string, ttl time.Duration, deadline time.Time) (bool, error) {
	for {
		ok, err := r.ClaimFile(ctx, file, owner, ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		wait := time.Until(deadline)
		if wait > defaultWaitPoll {
			wait = defaultWaitPoll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// Send delivers a direct message into to's bounded inbox.
func (r *Registry) Send(ctx context.Context, from, to, body string) error {
	msg := core.DirectMessage{From: from, To: to, Body: body, At: time.Now()}
	envelope := core.Envelope{Kind: core.EnvelopeDirect, Direct: &msg}
	envData, err := json.Marshal(envelope)
	if err != nil {
		return core.NewFrameworkError("coordinator.Send", "marshal", err)
	}

	pipe := r.client.TxPipeline()
	key := r.inboxKey(to)
	pipe.RPush(ctx, key, envData)
	pipe.LTrim(ctx, key, -defaultInboxCap, -1)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return core.NewFrameworkError("coordinator.Send", "redis", err).WithID(to)
	}
	return nil
}

// Broadcast publishes msg on the fire-and-forget broadcast channel.
// There is no retention: agents offline at publish time never see it.
func (r *Registry) Broadcast(ctx context.Context, from, body string) error {
	msg := core.BroadcastMessage{From: from, Body: body, At: time.Now()}
	envelope := core.Envelope{Kind: core.EnvelopeBroadcast, Broadcast: &msg}
	data, err := json.Marshal(envelope)
	if err != nil {
		return core.NewFrameworkError("coordinator.Broadcast", "marshal", err)
	}
	if err := r.client.Publish(ctx, r.broadcastKey(), data).Err(); err != nil {
		return core.NewFrameworkError("coordinator.Broadcast", "redis", err)
	}
	return nil
}

// Inbox returns up to limit retained direct messages for agent, oldest
// first, without removing them from the inbox.
func (r *Registry) Inbox(ctx context.Context, agent string, limit int64) ([]core.DirectMessage, error) {
	raw, err := r.client.LRange(ctx, r.inboxKey(agent), 0, limit-1).Result()
	if err != nil {
		return nil, core.NewFrameworkError("coordinator.Inbox", "redis", err).WithID(agent)
	}
	out := make([]core.DirectMessage, 0, len(raw))
	for _, item := range raw {
		var env core.Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil || env.Direct == nil {
			continue
		}
		out = append(out, *env.Direct)
	}
	return out, nil
}

// Subscribe returns a pub/sub subscription to the broadcast channel.
// Callers are responsible for closing it.
func (r *Registry) Subscribe(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, r.broadcastKey())
}

// ActiveAgents returns a snapshot of agents whose heartbeat is still
// within the registry's TTL window.
func (r *Registry) ActiveAgents(ctx context.Context) ([]core.Agent, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, core.NewFrameworkError("coordinator.ActiveAgents", "redis", err)
	}
	out := make([]core.Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := r.get(ctx, id)
		if err != nil {
			// The agent's key expired but the index entry hasn't yet;
			// drop it from the active set so future reads don't pay
			// this cost.
			r.client.SRem(ctx, r.activeKey(), id)
			continue
		}
		out = append(out, *agent)
	}
	return out, nil
}

// MarkUnresponsive transitions an agent to unresponsive without
// removing it. No component in this module calls it: the
// orchestrator's health sweep counts stale heartbeats but does not
// change any agent's status.
func (r *Registry) MarkUnresponsive(ctx context.Context, id string) error {
	agent, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	agent.Status = core.AgentUnresponsive
	data, err := json.Marshal(agent)
	if err != nil {
		return core.NewFrameworkError("coordinator.MarkUnresponsive", "marshal", err)
	}
	ttl, err := r.client.TTL(ctx, r.agentKey(id)).Result()
	if err != nil || ttl <= 0 {
		ttl = r.ttl
	}
	if err := r.client.Set(ctx, r.agentKey(id), data, ttl).Err(); err != nil {
		return core.NewFrameworkError("coordinator.MarkUnresponsive", "redis", err).WithID(id)
	}
	return nil
}

// AdminForceRelease forcibly releases file's lock regardless of
// owner. Only the orchestrator's administrative path (§4.5) may call
// this; every other caller must go through ReleaseFile.
func (r *Registry) AdminForceRelease(ctx context.Context, file string) error {
	if err := r.client.Del(ctx, r.lockKey(file)).Err(); err != nil {
		return core.NewFrameworkError("coordinator.AdminForceRelease", "redis", err).WithID(file)
	}
	return nil
}
