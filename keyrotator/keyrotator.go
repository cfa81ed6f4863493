// Package keyrotator selects an API credential for a model, tracks
// per-key health and rate-limit state, and proposes cross-model
// fallback when a model's pool is exhausted.
package keyrotator

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ezaigents/agentmesh/core"
)

// Strategy is the closed set of key selection policies.
type Strategy string

const (
	RoundRobin  Strategy = "round_robin"
	LeastUsed   Strategy = "least_used"
	Weighted    Strategy = "weighted"
	HealthBased Strategy = "health_based"
)

const emaCapSamples = 100

// keyRecord is the Redis-hash-backed state for one credential.
type keyRecord struct {
	Opaque      string  `json:"opaque"`
	Health      string  `json:"health"`
	SuccessRate float64 `json:"successRate"`
	AvgLatency  float64 `json:"avgLatencyMs"`
	Samples     int64   `json:"samples"`
	UseCount    int64   `json:"useCount"`
}

// Pool rotates API keys across models, backed by Redis so rotation
// state survives process restarts and is shared across replicas.
type Pool struct {
	client     *redis.Client
	namespace  string
	rpm        int
	window     time.Duration
	unhealthy  time.Duration
	fallbacks  map[string]string
	logger     core.Logger

	recoverySuccessRate float64
	recoveryMinSamples  int64
}

// Config configures a Pool.
type Config struct {
	DefaultRPM          int
	RateLimitWindow     time.Duration
	UnhealthyTTL        time.Duration
	FallbackChain       map[string]string
	RecoverySuccessRate float64
	RecoveryMinSamples  int64
	Logger              core.Logger
}

// New constructs a Pool over client, namespaced under ns.
func New(client *redis.Client, ns string, cfg Config) *Pool {
	if cfg.DefaultRPM <= 0 {
		cfg.DefaultRPM = 60
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = 60 * time.Second
	}
	if cfg.UnhealthyTTL <= 0 {
		cfg.UnhealthyTTL = 5 * time.Minute
	}
	if cfg.RecoverySuccessRate <= 0 {
		cfg.RecoverySuccessRate = 0.8
	}
	if cfg.RecoveryMinSamples <= 0 {
		cfg.RecoveryMinSamples = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
	return &Pool{
		client:              client,
		namespace:           ns,
		rpm:                 cfg.DefaultRPM,
		window:              cfg.RateLimitWindow,
		unhealthy:           cfg.UnhealthyTTL,
		fallbacks:           cfg.FallbackChain,
		logger:              cfg.Logger,
		recoverySuccessRate: cfg.RecoverySuccessRate,
		recoveryMinSamples:  cfg.RecoveryMinSamples,
	}
}

func (p *Pool) keysKey(model string) string  { return core.Namespaced(p.namespace, "keypool", model) }
func (p *Pool) roundKey(model string) string { return core.Namespaced(p.namespace, "rotation", model, "index") }
func (p *Pool) rateKey(model string, idx int) string {
	return core.Namespaced(p.namespace, "usage", model, strconv.Itoa(idx))
}

// AddKey registers a new credential for model at a stable index.
func (p *Pool) AddKey(ctx context.Context, model string, index int, opaque string) error {
	rec := keyRecord{Opaque: opaque, Health: string(core.KeyHealthy)}
	data, err := json.Marshal(rec)
	if err != nil {
		return core.NewFrameworkError("keyrotator.AddKey", "marshal", err)
	}
	if err := p.client.HSet(ctx, p.keysKey(model), strconv.Itoa(index), data).Err(); err != nil {
		return core.NewFrameworkError("keyrotator.AddKey", "redis", err)
	}
	return nil
}

func (p *Pool) loadKeys(ctx context.Context, model string) (map[int]*keyRecord, error) {
	raw, err := p.client.HGetAll(ctx, p.keysKey(model)).Result()
	if err != nil {
		return nil, core.NewFrameworkError("keyrotator.loadKeys", "redis", err)
	}
	out := make(map[int]*keyRecord, len(raw))
	for idxStr, data := range raw {
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		var rec keyRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		out[idx] = &rec
	}
	return out, nil
}

func (p *Pool) saveKey(ctx context.Context, model string, idx int, rec *keyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.client.HSet(ctx, p.keysKey(model), strconv.Itoa(idx), data).Err()
}

// Next selects a credential for model under strategy, skipping keys
// currently rate-limited unless every key in the pool is. It returns
// core.ErrNoHealthyKeys when the pool is empty and a wrapped Redis
// error when the pool cannot be read.
func (p *Pool) Next(ctx context.Context, model string, strategy Strategy) (string, int, error) {
	keys, err := p.loadKeys(ctx, model)
	if err != nil {
		return "", 0, err
	}
	if len(keys) == 0 {
		return "", 0, core.NewFrameworkError("keyrotator.Next", "pool", core.ErrNoHealthyKeys).WithID(model)
	}

	candidates := p.notRateLimited(ctx, model, keys)
	if len(candidates) == 0 {
		candidates = keys
	}

	var idx int
	switch strategy {
	case LeastUsed:
		idx = p.pickLeastUsed(candidates)
	case Weighted:
		idx = p.pickWeighted(candidates)
	case HealthBased:
		idx = p.pickHealthBased(ctx, model, candidates)
	default:
		idx = p.pickRoundRobin(ctx, model, candidates)
	}

	rec := keys[idx]
	rec.UseCount++
	_ = p.saveKey(ctx, model, idx, rec)
	p.recordUsage(ctx, model, idx)
	return rec.Opaque, idx, nil
}

func (p *Pool) notRateLimited(ctx context.Context, model string, keys map[int]*keyRecord) map[int]*keyRecord {
	out := make(map[int]*keyRecord, len(keys))
	for idx, rec := range keys {
		if !p.isRateLimited(ctx, model, idx) {
			out[idx] = rec
		}
	}
	return out
}

func (p *Pool) isRateLimited(ctx context.Context, model string, idx int) bool {
	key := p.rateKey(model, idx)
	cutoff := time.Now().Add(-p.window).UnixNano()
	p.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	count, err := p.client.ZCard(ctx, key).Result()
	if err != nil {
		return false
	}
	return count >= int64(p.rpm)
}

func (p *Pool) recordUsage(ctx context.Context, model string, idx int) {
	key := p.rateKey(model, idx)
	now := time.Now().UnixNano()
	p.client.ZAdd(ctx, key, &redis.Z{Score: float64(now), Member: now})
	p.client.Expire(ctx, key, p.window)
}

func (p *Pool) pickRoundRobin(ctx context.Context, model string, keys map[int]*keyRecord) int {
	indexes := sortedIndexes(keys)
	n, err := p.client.Incr(ctx, p.roundKey(model)).Result()
	if err != nil {
		return indexes[0]
	}
	return indexes[int(n-1)%len(indexes)]
}

func (p *Pool) pickLeastUsed(keys map[int]*keyRecord) int {
	best, bestUse := -1, int64(-1)
	for _, idx := range sortedIndexes(keys) {
		rec := keys[idx]
		if bestUse == -1 || rec.UseCount < bestUse {
			best, bestUse = idx, rec.UseCount
		}
	}
	return best
}

func (p *Pool) pickWeighted(keys map[int]*keyRecord) int {
	indexes := sortedIndexes(keys)
	weights := make([]float64, len(indexes))
	var total float64
	for i, idx := range indexes {
		rec := keys[idx]
		latency := rec.AvgLatency
		if latency <= 0 {
			latency = 1
		}
		w := rec.SuccessRate * (1.0 / latency)
		if w <= 0 {
			w = 0.0001
		}
		weights[i] = w
		total += w
	}
	r := rand.Float64() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if r <= cum {
			return indexes[i]
		}
	}
	return indexes[len(indexes)-1]
}

func (p *Pool) pickHealthBased(ctx context.Context, model string, keys map[int]*keyRecord) int {
	healthy := make(map[int]*keyRecord)
	for idx, rec := range keys {
		if rec.Health == string(core.KeyHealthy) {
			healthy[idx] = rec
		}
	}
	if len(healthy) > 0 {
		return p.pickRoundRobin(ctx, model, healthy)
	}
	// No healthy keys: never block. Surface a warning and hand back
	// the lowest-index key.
	p.logger.Warn("no healthy keys, serving anyway", map[string]interface{}{"model": model})
	indexes := sortedIndexes(keys)
	return indexes[0]
}

func sortedIndexes(keys map[int]*keyRecord) []int {
	out := make([]int, 0, len(keys))
	for idx := range keys {
		out = append(out, idx)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// RecordOutcome folds a request outcome into the key's rolling
// success-rate and latency EMAs. Once the success EMA reaches 0.8
// across at least 10 samples, health is cleared back to healthy.
func (p *Pool) RecordOutcome(ctx context.Context, model string, idx int, success bool, latencyMs float64) error {
	keys, err := p.loadKeys(ctx, model)
	if err != nil {
		p.logger.Warn("record outcome failed to load keys", map[string]interface{}{"error": err.Error()})
		return nil
	}
	rec, ok := keys[idx]
	if !ok {
		return nil
	}

	samples := rec.Samples
	if samples > emaCapSamples {
		samples = emaCapSamples
	}
	alpha := 1.0 / float64(samples+1)

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	rec.SuccessRate = rec.SuccessRate + alpha*(outcome-rec.SuccessRate)
	rec.AvgLatency = rec.AvgLatency + alpha*(latencyMs-rec.AvgLatency)
	rec.Samples++

	if rec.SuccessRate >= p.recoverySuccessRate && rec.Samples >= p.recoveryMinSamples {
		rec.Health = string(core.KeyHealthy)
	}

	if err := p.saveKey(ctx, model, idx, rec); err != nil {
		p.logger.Warn("record outcome failed to save key", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// MarkUnhealthy sets a key's health to unhealthy, resets its sample
// count and success rate, and writes a health:<model>:<i> marker that
// expires after ttl. Selection reads only the pool record, not the
// marker: the key returns to healthy on the first RecordOutcome that
// meets the recovery rule, whether or not ttl has elapsed, and stays
// unhealthy past ttl until that happens.
func (p *Pool) MarkUnhealthy(ctx context.Context, model string, idx int, reason string, ttl time.Duration) error {
	keys, err := p.loadKeys(ctx, model)
	if err != nil {
		return err
	}
	rec, ok := keys[idx]
	if !ok {
		return core.NewFrameworkError("keyrotator.MarkUnhealthy", "keypool", core.ErrKeyNotFound)
	}
	rec.Health = string(core.KeyUnhealthy)
	rec.Samples = 0
	rec.SuccessRate = 0
	if err := p.saveKey(ctx, model, idx, rec); err != nil {
		return err
	}
	healthKey := core.Namespaced(p.namespace, "health", model, strconv.Itoa(idx))
	return p.client.Set(ctx, healthKey, string(core.KeyUnhealthy), ttl).Err()
}

// Fallback returns the configured fallback model for model, if any.
func (p *Pool) Fallback(model string) (string, bool) {
	target, ok := p.fallbacks[model]
	return target, ok
}

// Snapshot returns a redacted, dashboard-safe view of model's pool:
// health, success rate, latency and sample count, never the opaque
// credential value.
func (p *Pool) Snapshot(ctx context.Context, model string) ([]core.KeyEntry, error) {
	keys, err := p.loadKeys(ctx, model)
	if err != nil {
		return nil, err
	}
	out := make([]core.KeyEntry, 0, len(keys))
	for _, idx := range sortedIndexes(keys) {
		rec := keys[idx]
		out = append(out, core.KeyEntry{
			Health:      core.KeyHealth(rec.Health),
			SuccessRate: rec.SuccessRate,
			AvgLatency:  rec.AvgLatency,
			Samples:     rec.Samples,
		})
	}
	return out, nil
}
