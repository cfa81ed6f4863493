// Package dispatcher is the authoritative source of pending and
// in-flight work: per-model, per-priority FIFO queues backed by Redis
// lists, claimed atomically into a processing list using the reliable
// queue pattern so a task is never visible as both pending and
// in-flight, and never lost if its claimer crashes before observing
// the return value.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ezaigents/agentmesh/core"
	"github.com/ezaigents/agentmesh/resilience"
)

// Dispatcher manages per-model pending and processing queues.
type Dispatcher struct {
	client      *redis.Client
	namespace   string
	dedupWindow time.Duration
	claimBlock  time.Duration
	logger      core.Logger
	breaker     *resilience.CircuitBreaker
	retry       *resilience.RetryConfig

	paused atomic.Bool
}

// Config configures a Dispatcher.
type Config struct {
	IngestDedupWindow time.Duration
	ClaimBlockTimeout time.Duration
	Resilience        core.ResilienceConfig
	Logger            core.Logger
}

// New constructs a Dispatcher over client, namespaced under ns. The
// dispatcher's Redis round trips run behind a circuit breaker so a
// Redis outage degrades Claim/Enqueue into fast failures instead of
// piling up blocked callers, per the resilience package's contract.
func New(client *redis.Client, ns string, cfg Config) *Dispatcher {
	if cfg.IngestDedupWindow <= 0 {
		cfg.IngestDedupWindow = 60 * time.Second
	}
	if cfg.ClaimBlockTimeout <= 0 {
		cfg.ClaimBlockTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
	breaker := resilience.New(&resilience.Config{
		Name:            "dispatcher:" + ns,
		ErrorThreshold:  cfg.Resilience.ErrorThreshold,
		VolumeThreshold: cfg.Resilience.VolumeThreshold,
		SleepWindow:     cfg.Resilience.SleepWindow,
		Logger:          cfg.Logger,
	})
	retryCfg := resilience.DefaultRetryConfig()
	if cfg.Resilience.RetryAttempts > 0 {
		retryCfg.MaxAttempts = cfg.Resilience.RetryAttempts
	}
	if cfg.Resilience.RetryBaseDelay > 0 {
		retryCfg.BaseDelay = cfg.Resilience.RetryBaseDelay
	}
	retryCfg.Logger = cfg.Logger
	// go-redis network errors wrap no core sentinel, so timeouts are
	// matched as net.Error here.
	retryCfg.ShouldRetry = func(err error) bool {
		var netErr net.Error
		return core.IsRetryable(err) || (errors.As(err, &netErr) && netErr.Timeout())
	}
	return &Dispatcher{
		client:      client,
		namespace:   ns,
		dedupWindow: cfg.IngestDedupWindow,
		claimBlock:  cfg.ClaimBlockTimeout,
		logger:      cfg.Logger,
		breaker:     breaker,
		retry:       retryCfg,
	}
}

func (d *Dispatcher) pendingKey(model string, priority core.Priority) string {
	return core.Namespaced(d.namespace, "pending", model, string(priority))
}

func (d *Dispatcher) processingKey(model string) string {
	return core.Namespaced(d.namespace, "processing", model)
}

func (d *Dispatcher) dlqKey(model string) string {
	return core.Namespaced(d.namespace, "dlq", model)
}

func (d *Dispatcher) failuresKey() string {
	return core.Namespaced(d.namespace, "queue", "failures")
}

func (d *Dispatcher) dedupKey(taskID string) string {
	return core.Namespaced(d.namespace, "ingest", "dedup", taskID)
}

// Pause stops Claim from returning new work. Enqueue is unaffected:
// the dispatcher never blocks producers.
func (d *Dispatcher) Pause()  { d.paused.Store(true) }
func (d *Dispatcher) Resume() { d.paused.Store(false) }
func (d *Dispatcher) Paused() bool { return d.paused.Load() }

// Enqueue appends task to its target model/priority queue. If
// originalQueue is unset it is recorded now. Within the configured
// dedup window, repeat Enqueue calls for the same task ID are not
// queued again; they return an error wrapping core.ErrDuplicateTask.
func (d *Dispatcher) Enqueue(ctx context.Context, task *core.Task) error {
	if task.ID == "" {
		task.ID = core.NewID()
	}
	if task.OriginalQueue == "" {
		task.OriginalQueue = "queue:" + task.TargetModel
	}

	var isNew bool
	err := d.breaker.Execute(ctx, func() error {
		var dedupErr error
		isNew, dedupErr = d.client.SetNX(ctx, d.dedupKey(task.ID), "1", d.dedupWindow).Result()
		return dedupErr
	})
	if err != nil {
		return core.NewFrameworkError("dispatcher.Enqueue", "redis", err).WithID(task.ID)
	}
	if !isNew {
		return core.NewFrameworkError("dispatcher.Enqueue", "dedup", core.ErrDuplicateTask).WithID(task.ID)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return core.NewFrameworkError("dispatcher.Enqueue", "marshal", err).WithID(task.ID)
	}
	err = d.breaker.Execute(ctx, func() error {
		return d.client.LPush(ctx, d.pendingKey(task.TargetModel, task.Priority), data).Err()
	})
	if err != nil {
		return core.NewFrameworkError("dispatcher.Enqueue", "redis", err).WithID(task.ID)
	}
	d.logger.Info("task enqueued", map[string]interface{}{
		"task_id": task.ID, "model": task.TargetModel, "priority": task.Priority,
	})
	return nil
}

// claimScript atomically pops the rightmost element of whichever of
// the priority-ordered source keys is non-empty and pushes it onto
// dest. It evaluates the keys in priority order so a single Redis
// round trip yields strict priority-class-descending, FIFO-within-
// class ordering with no interleaving window.
const claimScript = `
for i, key in ipairs(KEYS) do
	if i < #KEYS then
		local v = redis.call("RPOPLPUSH", key, KEYS[#KEYS])
		if v then
			return v
		end
	end
end
return false
`

// Claim atomically pops the highest-priority pending task for model
// and pushes it onto the processing list, annotated with claimedBy
// and claimedAt. Returns (nil, nil) if the dispatcher is paused or no
// task is available.
func (d *Dispatcher) Claim(ctx context.Context, model, agentID string) (*core.Task, error) {
	if d.paused.Load() {
		return nil, nil
	}

	keys := make([]string, 0, len(core.PriorityOrder())+1)
	for _, p := range core.PriorityOrder() {
		keys = append(keys, d.pendingKey(model, p))
	}
	keys = append(keys, d.processingKey(model))

	var res interface{}
	err := resilience.RetryWithCircuitBreaker(ctx, d.retry, d.breaker, func() error {
		var evalErr error
		res, evalErr = d.client.Eval(ctx, claimScript, keys).Result()
		if evalErr == redis.Nil {
			// The script's false reply (every queue empty) arrives as redis.Nil.
			res, evalErr = nil, nil
		}
		return evalErr
	})
	if err != nil {
		return nil, core.NewFrameworkError("dispatcher.Claim", "redis", err).WithID(model)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, nil
	}

	var task core.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, core.NewFrameworkError("dispatcher.Claim", "unmarshal", err).WithID(model)
	}
	task.ClaimedBy = agentID
	task.ClaimedAt = time.Now()

	if err := d.rewriteProcessingEntry(ctx, model, raw, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// rewriteProcessingEntry replaces the just-pushed raw entry in the
// processing list with a version annotated with claim metadata. LSet
// by index would race against ReapOrphans scanning the same list, so
// this removes the un-annotated copy and pushes the annotated one,
// both idempotent single-count operations.
func (d *Dispatcher) rewriteProcessingEntry(ctx context.Context, model, raw string, task *core.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return core.NewFrameworkError("dispatcher.Claim", "marshal", err).WithID(task.ID)
	}
	pipe := d.client.TxPipeline()
	pipe.LRem(ctx, d.processingKey(model), 1, raw)
	pipe.LPush(ctx, d.processingKey(model), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewFrameworkError("dispatcher.Claim", "redis", err).WithID(task.ID)
	}
	return nil
}

// Complete removes task from processing[model] and emits a completion
// event (a task envelope) on the task-updates pub/sub channel for
// observers.
func (d *Dispatcher) Complete(ctx context.Context, task *core.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return core.NewFrameworkError("dispatcher.Complete", "marshal", err).WithID(task.ID)
	}
	if err := d.client.LRem(ctx, d.processingKey(task.TargetModel), 1, data).Err(); err != nil {
		return core.NewFrameworkError("dispatcher.Complete", "redis", err).WithID(task.ID)
	}
	if event, err := json.Marshal(core.Envelope{Kind: core.EnvelopeTask, Task: task}); err == nil {
		if err := d.client.Publish(ctx, "task-updates", event).Err(); err != nil {
			d.logger.Warn("failed to publish task completion", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		}
	}
	d.logger.Info("task completed", map[string]interface{}{"task_id": task.ID, "model": task.TargetModel})
	return nil
}

// Fail removes task from processing[model], attaches failure details,
// and pushes the annotated task onto dlq[model] for the DLQ manager.
func (d *Dispatcher) Fail(ctx context.Context, task *core.Task, failure core.Failure) error {
	unfailed, err := json.Marshal(task)
	if err != nil {
		return core.NewFrameworkError("dispatcher.Fail", "marshal", err).WithID(task.ID)
	}

	task.Failure = &failure
	failed, err := json.Marshal(task)
	if err != nil {
		return core.NewFrameworkError("dispatcher.Fail", "marshal", err).WithID(task.ID)
	}

	pipe := d.client.TxPipeline()
	pipe.LRem(ctx, d.processingKey(task.TargetModel), 1, unfailed)
	pipe.LPush(ctx, d.dlqKey(task.TargetModel), failed)
	pipe.LPush(ctx, d.failuresKey(), failed)
	pipe.LTrim(ctx, d.failuresKey(), 0, 9999)
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewFrameworkError("dispatcher.Fail", "redis", err).WithID(task.ID)
	}
	d.logger.Warn("task failed", map[string]interface{}{
		"task_id": task.ID, "model": task.TargetModel, "kind": failure.Kind,
	})
	return nil
}

// ReapOrphans scans processing[model] for entries claimed longer than
// staleness ago by an agent that is absent or unresponsive, re-
// enqueueing each with retries incremented and a synthetic
// orphaned failure. isAgentAlive reports whether the claiming agent
// is still active.
func (d *Dispatcher) ReapOrphans(ctx context.Context, model string, staleness time.Duration, isAgentAlive func(agentID string) bool) (int, error) {
	raw, err := d.client.LRange(ctx, d.processingKey(model), 0, -1).Result()
	if err != nil {
		return 0, core.NewFrameworkError("dispatcher.ReapOrphans", "redis", err).WithID(model)
	}

	reaped := 0
	cutoff := time.Now().Add(-staleness)
	for _, item := range raw {
		var task core.Task
		if err := json.Unmarshal([]byte(item), &task); err != nil {
			continue
		}
		if task.ClaimedAt.After(cutoff) {
			continue
		}
		if isAgentAlive != nil && isAgentAlive(task.ClaimedBy) {
			continue
		}

		task.Retries++
		task.Failure = &core.Failure{
			Kind:     core.FailureOrphaned,
			Message:  fmt.Sprintf("claimant %s unresponsive since %s", task.ClaimedBy, task.ClaimedAt),
			FailedAt: time.Now(),
			FailedBy: task.ClaimedBy,
		}
		task.ClaimedBy = ""
		resurrected, err := json.Marshal(&task)
		if err != nil {
			continue
		}

		pipe := d.client.TxPipeline()
		pipe.LRem(ctx, d.processingKey(model), 1, item)
		pipe.LPush(ctx, d.pendingKey(model, task.Priority), resurrected)
		if _, err := pipe.Exec(ctx); err != nil {
			d.logger.Warn("failed to reap orphan", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
			continue
		}
		reaped++
	}
	return reaped, nil
}

// Stats is a point-in-time view of queue depth for a model.
type Stats struct {
	Model      string           `json:"model"`
	Pending    map[string]int64 `json:"pending"`
	Processing int64            `json:"processing"`
}

// Stats reports queue depth for model across every priority class,
// the dispatcher's first-class backpressure observable.
func (d *Dispatcher) Stats(ctx context.Context, model string) (*Stats, error) {
	stats := &Stats{Model: model, Pending: make(map[string]int64)}
	for _, p := range core.PriorityOrder() {
		n, err := d.client.LLen(ctx, d.pendingKey(model, p)).Result()
		if err != nil {
			return nil, core.NewFrameworkError("dispatcher.Stats", "redis", err).WithID(model)
		}
		stats.Pending[string(p)] = n
	}
	n, err := d.client.LLen(ctx, d.processingKey(model)).Result()
	if err != nil {
		return nil, core.NewFrameworkError("dispatcher.Stats", "redis", err).WithID(model)
	}
	stats.Processing = n
	return stats, nil
}
