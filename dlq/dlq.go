// Package dlq classifies failed tasks, retries them with per-kind
// backoff and model fallback, and archives or permanently fails tasks
// that exhaust retries, mirroring the teacher framework's heartbeat
// ticker loop shape for its own periodic processing.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ezaigents/agentmesh/core"
)

const (
	defaultProcessInterval     = 30 * time.Second
	defaultBatchSize           = 50
	defaultTTL                 = 7 * 24 * time.Hour
	defaultMaxRetries          = 5
	defaultArchiveRetention    = 30 * 24 * time.Hour
	defaultPermanentFailureCap = 1000
	defaultCleanupInterval     = time.Hour
	alertPermanentFailure      = "alert:permanent_failure"
)

// FallbackChain is the static, bidirectional-where-noted cross-model
// fallback table used by the parse retry strategy and by the
// orchestrator's rebalance logic.
var FallbackChain = map[string]string{
	"claude-3-opus":   "gpt-4o",
	"gpt-4o":          "claude-3-opus",
	"deepseek-coder":  "gpt-4o",
	"command-r-plus":  "gemini-pro",
	"gemini-pro":      "command-r-plus",
}

var temporaryPatterns = []string{"temporary", "try again", "unavailable", "busy", "concurrent"}

// Classify inspects message case-insensitively and returns the closed
// failure kind it belongs to.
func Classify(message string) core.FailureKind {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "rate") && strings.Contains(m, "limit"):
		return core.FailureRateLimit
	case strings.Contains(m, "timeout"):
		return core.FailureTimeout
	case strings.Contains(m, "connection") || strings.Contains(m, "connection refused"):
		return core.FailureConnection
	case strings.Contains(m, "parse") || strings.Contains(m, "json"):
		return core.FailureParse
	case strings.Contains(m, "memory") || strings.Contains(m, "heap"):
		return core.FailureMemory
	default:
		return core.FailureUnknown
	}
}

// IsTemporary reports whether message matches a secondary pattern
// indicating a transient condition worth retrying even when the
// primary classifier falls through to unknown.
func IsTemporary(message string) bool {
	m := strings.ToLower(message)
	for _, p := range temporaryPatterns {
		if strings.Contains(m, p) {
			return true
		}
	}
	return false
}

// retryStrategy describes how a classified failure is retried.
type retryStrategy struct {
	maxRetries int
	delay      func(retries int, cfg Config) time.Duration
	mutate     func(task *core.Task)
	shouldRetry func(task *core.Task) bool
}

func strategyFor(kind core.FailureKind, temporary bool) retryStrategy {
	switch kind {
	case core.FailureRateLimit:
		return retryStrategy{
			maxRetries: 3,
			delay: func(retries int, _ Config) time.Duration {
				return time.Duration(math.Pow(2, float64(retries))) * 60 * time.Second
			},
			mutate: func(task *core.Task) { task.Priority = core.PriorityLow },
		}
	case core.FailureTimeout:
		return retryStrategy{
			maxRetries: 3,
			delay:      func(int, Config) time.Duration { return 30 * time.Second },
			mutate: func(task *core.Task) {
				task.Timeout = time.Duration(float64(task.Timeout) * 1.5)
			},
		}
	case core.FailureConnection:
		return retryStrategy{
			maxRetries: 5,
			delay: func(retries int, _ Config) time.Duration {
				return time.Duration(retries) * 5 * time.Second
			},
		}
	case core.FailureParse:
		return retryStrategy{
			maxRetries: 2,
			delay:      func(int, Config) time.Duration { return 10 * time.Second },
			mutate: func(task *core.Task) {
				if fallback, ok := FallbackChain[task.TargetModel]; ok {
					task.TargetModel = fallback
					task.FallbackUsed = true
				}
			},
		}
	case core.FailureMemory:
		return retryStrategy{
			maxRetries: 2,
			delay:      func(int, Config) time.Duration { return 15 * time.Second },
			mutate: func(task *core.Task) {
				task.ReduceContext = true
				task.MaxTokens = int(float64(task.MaxTokens) * 0.5)
			},
		}
	default:
		if temporary {
			return retryStrategy{
				maxRetries: math.MaxInt32,
				delay:      func(int, cfg Config) time.Duration { return cfg.DefaultRetryDelay },
			}
		}
		return retryStrategy{
			maxRetries:  0,
			shouldRetry: func(*core.Task) bool { return false },
		}
	}
}

// Config configures a Manager.
type Config struct {
	ProcessInterval     time.Duration
	BatchSize           int
	TTL                 time.Duration
	MaxRetries          int
	ArchiveRetention    time.Duration
	PermanentFailureCap int64
	CleanupInterval     time.Duration
	DefaultRetryDelay   time.Duration
	VolatileScheduling  bool
	Logger              core.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = defaultProcessInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.ArchiveRetention <= 0 {
		cfg.ArchiveRetention = defaultArchiveRetention
	}
	if cfg.PermanentFailureCap <= 0 {
		cfg.PermanentFailureCap = defaultPermanentFailureCap
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.DefaultRetryDelay <= 0 {
		cfg.DefaultRetryDelay = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
}

// Enqueuer is the subset of dispatcher.Dispatcher the DLQ manager
// re-inserts retried tasks through.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *core.Task) error
}

// Manager drains per-model DLQs on a ticker, classifying, retrying,
// archiving, or permanently failing each entry.
type Manager struct {
	client    *redis.Client
	namespace string
	cfg       Config
	enqueuer  Enqueuer

	inFlight sync.Map // string -> struct{}, short-lived per-envelope dedup
}

// New constructs a Manager.
func New(client *redis.Client, ns string, enqueuer Enqueuer, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{client: client, namespace: ns, cfg: cfg, enqueuer: enqueuer}
}

func (m *Manager) dlqKey(model string) string { return core.Namespaced(m.namespace, "dlq", model) }
func (m *Manager) scheduleKey(model string) string {
	return core.Namespaced(m.namespace, "dlq", "schedule", model)
}
func (m *Manager) archiveKey(model, date string) string {
	return core.Namespaced(m.namespace, "archive", "dlq", model, date)
}
func (m *Manager) permanentFailuresKey() string {
	return core.Namespaced(m.namespace, "permanent_failures")
}

// Run blocks, draining every model's DLQ every ProcessInterval and
// running the hourly archive/permanent-failures cleanup, until ctx is
// canceled. On startup it rescans the durable schedule so retries
// survive a restart, per the scheduling-durability requirement.
func (m *Manager) Run(ctx context.Context, models []string) error {
	if !m.cfg.VolatileScheduling {
		if err := m.RescanAndReschedule(ctx, models); err != nil {
			m.cfg.Logger.Warn("dlq rescan failed", map[string]interface{}{"error": err.Error()})
		}
	}

	processTicker := time.NewTicker(m.cfg.ProcessInterval)
	defer processTicker.Stop()
	cleanupTicker := time.NewTicker(m.cfg.CleanupInterval)
	defer cleanupTicker.Stop()
	scheduleTicker := time.NewTicker(time.Second)
	defer scheduleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-processTicker.C:
			for _, model := range models {
				if err := m.ProcessModel(ctx, model); err != nil {
					m.cfg.Logger.Error("dlq process failed", map[string]interface{}{"model": model, "error": err.Error()})
				}
			}
		case <-cleanupTicker.C:
			if err := m.Cleanup(ctx, models); err != nil {
				m.cfg.Logger.Error("dlq cleanup failed", map[string]interface{}{"error": err.Error()})
			}
		case <-scheduleTicker.C:
			if !m.cfg.VolatileScheduling {
				for _, model := range models {
					if err := m.drainDueSchedule(ctx, model); err != nil {
						m.cfg.Logger.Error("dlq schedule drain failed", map[string]interface{}{"model": model, "error": err.Error()})
					}
				}
			}
		}
	}
}

// ProcessModel drains up to BatchSize entries of model's DLQ.
func (m *Manager) ProcessModel(ctx context.Context, model string) error {
	for i := 0; i < m.cfg.BatchSize; i++ {
		raw, err := m.client.RPop(ctx, m.dlqKey(model)).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return core.NewFrameworkError("dlq.ProcessModel", "redis", err).WithID(model)
		}

		var task core.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			m.cfg.Logger.Warn("dropping unparsable dlq entry", map[string]interface{}{"model": model})
			continue
		}

		dedupKey := fmt.Sprintf("%s:%d", task.ID, task.Retries)
		if _, loaded := m.inFlight.LoadOrStore(dedupKey, struct{}{}); loaded {
			continue
		}
		m.processEntry(ctx, model, &task)
		m.inFlight.Delete(dedupKey)
	}
	return nil
}

func (m *Manager) processEntry(ctx context.Context, model string, task *core.Task) {
	failedAt := time.Now()
	if task.Failure != nil {
		failedAt = task.Failure.FailedAt
	}

	if time.Since(failedAt) > m.cfg.TTL {
		m.archive(ctx, model, task, "expired")
		return
	}
	if task.Retries >= m.cfg.MaxRetries {
		m.archive(ctx, model, task, "max_retries_exceeded")
		return
	}

	message := ""
	if task.Failure != nil {
		message = task.Failure.Message
	}
	kind := Classify(message)
	temporary := kind == core.FailureUnknown && IsTemporary(message)
	strategy := strategyFor(kind, temporary)

	if strategy.shouldRetry != nil && !strategy.shouldRetry(task) {
		m.archive(ctx, model, task, "non_retryable_error")
		return
	}
	if task.Retries >= strategy.maxRetries {
		m.archive(ctx, model, task, "max_retries_exceeded")
		return
	}

	delay := strategy.delay(task.Retries, m.cfg)
	task.Retries++
	task.LastRetryAt = time.Now()
	task.Failure = nil
	task.RetryStrategy = kind
	task.DLQProcessed = true
	if strategy.mutate != nil {
		strategy.mutate(task)
	}

	if err := m.scheduleRetry(ctx, task, delay); err != nil {
		m.reinsertOnError(ctx, model, task)
	}
}

func (m *Manager) reinsertOnError(ctx context.Context, model string, task *core.Task) {
	data, err := json.Marshal(task)
	if err != nil {
		m.cfg.Logger.Error("failed to marshal task for dlq reinsert", map[string]interface{}{"task_id": task.ID})
		return
	}
	if err := m.client.LPush(ctx, m.dlqKey(model), data).Err(); err != nil {
		m.cfg.Logger.Error("failed to reinsert task into dlq", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
	}
}

// scheduleRetry either fires after delay in-process (VolatileScheduling)
// or durably schedules via a Redis sorted set keyed by fire time. The
// re-insertion target is task.TargetModel: unchanged from originalQueue
// for every strategy except parse, which rewrites TargetModel to the
// fallback model before scheduleRetry is called.
func (m *Manager) scheduleRetry(ctx context.Context, task *core.Task, delay time.Duration) error {
	target := task.TargetModel

	if m.cfg.VolatileScheduling {
		t := *task
		time.AfterFunc(delay, func() {
			if err := m.enqueuer.Enqueue(context.Background(), &t); err != nil {
				m.cfg.Logger.Error("volatile retry enqueue failed", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
			}
		})
		return nil
	}

	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	fireAt := time.Now().Add(delay)
	return m.client.ZAdd(ctx, m.scheduleKey(target), &redis.Z{
		Score:  float64(fireAt.UnixNano()),
		Member: data,
	}).Err()
}

// drainDueSchedule moves every schedule entry for model whose fire
// time has passed back onto the live queue.
func (m *Manager) drainDueSchedule(ctx context.Context, model string) error {
	now := float64(time.Now().UnixNano())
	due, err := m.client.ZRangeByScore(ctx, m.scheduleKey(model), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return core.NewFrameworkError("dlq.drainDueSchedule", "redis", err).WithID(model)
	}
	for _, raw := range due {
		var task core.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			m.client.ZRem(ctx, m.scheduleKey(model), raw)
			continue
		}
		if err := m.enqueuer.Enqueue(ctx, &task); err != nil && err != core.ErrDuplicateTask {
			m.cfg.Logger.Error("scheduled retry enqueue failed", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
			continue
		}
		m.client.ZRem(ctx, m.scheduleKey(model), raw)
	}
	return nil
}

// RescanAndReschedule re-reads every model's durable schedule on
// startup. Since the schedule lives in Redis it needs no rebuild, but
// this guarantees due-but-unprocessed entries drain immediately
// instead of waiting for the next ticker tick.
func (m *Manager) RescanAndReschedule(ctx context.Context, models []string) error {
	for _, model := range models {
		if err := m.drainDueSchedule(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) archive(ctx context.Context, model string, task *core.Task, reason string) {
	now := time.Now()
	entry := core.DLQEntry{Task: *task, ArchivedAt: &now, ArchiveReason: reason}
	data, err := json.Marshal(entry)
	if err != nil {
		m.cfg.Logger.Error("failed to marshal archive entry", map[string]interface{}{"task_id": task.ID})
		return
	}

	if reason == "non_retryable_error" {
		m.permanentFail(ctx, task, reason)
		return
	}

	date := now.Format("2006-01-02")
	pipe := m.client.TxPipeline()
	pipe.ZAdd(ctx, m.archiveKey(model, date), &redis.Z{Score: float64(now.UnixNano()), Member: data})
	pipe.Expire(ctx, m.archiveKey(model, date), m.cfg.ArchiveRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		m.cfg.Logger.Error("failed to archive task", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
	}
}

func (m *Manager) permanentFail(ctx context.Context, task *core.Task, reason string) {
	now := time.Now()
	entry := core.DLQEntry{Task: *task, PermanentFailureAt: &now, FailureReason: reason}
	data, err := json.Marshal(entry)
	if err != nil {
		m.cfg.Logger.Error("failed to marshal permanent failure", map[string]interface{}{"task_id": task.ID})
		return
	}

	pipe := m.client.TxPipeline()
	pipe.ZAdd(ctx, m.permanentFailuresKey(), &redis.Z{Score: float64(now.UnixNano()), Member: data})
	pipe.ZRemRangeByRank(ctx, m.permanentFailuresKey(), 0, -m.cfg.PermanentFailureCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		m.cfg.Logger.Error("failed to record permanent failure", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
		return
	}
	if err := m.client.Publish(ctx, alertPermanentFailure, data).Err(); err != nil {
		m.cfg.Logger.Warn("failed to publish permanent failure alert", map[string]interface{}{"task_id": task.ID, "error": err.Error()})
	}
}

// ManualRetry forces a retry of taskID in model's DLQ, bypassing the
// classifier verdict entirely.
func (m *Manager) ManualRetry(ctx context.Context, model, taskID string) error {
	raw, err := m.client.LRange(ctx, m.dlqKey(model), 0, -1).Result()
	if err != nil {
		return core.NewFrameworkError("dlq.ManualRetry", "redis", err).WithID(taskID)
	}
	for _, item := range raw {
		var task core.Task
		if err := json.Unmarshal([]byte(item), &task); err != nil {
			continue
		}
		if task.ID != taskID {
			continue
		}
		if err := m.client.LRem(ctx, m.dlqKey(model), 1, item).Err(); err != nil {
			return core.NewFrameworkError("dlq.ManualRetry", "redis", err).WithID(taskID)
		}
		task.Retries++
		task.LastRetryAt = time.Now()
		task.Failure = nil
		task.DLQProcessed = true
		return m.enqueuer.Enqueue(ctx, &task)
	}
	return core.NewFrameworkError("dlq.ManualRetry", "dlq", core.ErrTaskNotFound).WithID(taskID)
}

// ManualArchive archives taskID from model's DLQ with reason
// manual_archive.
func (m *Manager) ManualArchive(ctx context.Context, model, taskID string) error {
	raw, err := m.client.LRange(ctx, m.dlqKey(model), 0, -1).Result()
	if err != nil {
		return core.NewFrameworkError("dlq.ManualArchive", "redis", err).WithID(taskID)
	}
	for _, item := range raw {
		var task core.Task
		if err := json.Unmarshal([]byte(item), &task); err != nil {
			continue
		}
		if task.ID != taskID {
			continue
		}
		if err := m.client.LRem(ctx, m.dlqKey(model), 1, item).Err(); err != nil {
			return core.NewFrameworkError("dlq.ManualArchive", "redis", err).WithID(taskID)
		}
		m.archive(ctx, model, &task, "manual_archive")
		return nil
	}
	return core.NewFrameworkError("dlq.ManualArchive", "dlq", core.ErrTaskNotFound).WithID(taskID)
}

// ClearDLQ archives every entry in model's DLQ with reason
// dlq_cleared, then removes the queue.
func (m *Manager) ClearDLQ(ctx context.Context, model string) (int, error) {
	raw, err := m.client.LRange(ctx, m.dlqKey(model), 0, -1).Result()
	if err != nil {
		return 0, core.NewFrameworkError("dlq.ClearDLQ", "redis", err).WithID(model)
	}
	for _, item := range raw {
		var task core.Task
		if err := json.Unmarshal([]byte(item), &task); err != nil {
			continue
		}
		m.archive(ctx, model, &task, "dlq_cleared")
	}
	if err := m.client.Del(ctx, m.dlqKey(model)).Err(); err != nil {
		return 0, core.NewFrameworkError("dlq.ClearDLQ", "redis", err).WithID(model)
	}
	return len(raw), nil
}

// Cleanup trims the permanent-failures set to its configured cap and
// is safe to call redundantly. It does not touch archive partitions:
// each one carries the ArchiveRetention TTL set when it is written, so
// Redis expires it.
func (m *Manager) Cleanup(ctx context.Context, models []string) error {
	return m.client.ZRemRangeByRank(ctx, m.permanentFailuresKey(), 0, -m.cfg.PermanentFailureCap-1).Err()
}
