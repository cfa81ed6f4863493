// Package resilience provides the circuit breaker and retry helpers
// that the dispatcher's Claim and Enqueue Redis calls run behind,
// grounded in the teacher framework's resilience package.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ezaigents/agentmesh/core"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Execute when the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrorClassifier decides whether an error should count toward the
// breaker's failure threshold. Business errors (not-found, config)
// should not trip the breaker; infrastructure errors should.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts infrastructure failures.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsConfigurationError(err) || core.IsNotFound(err) || core.IsConflict(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Config configures a CircuitBreaker.
type Config struct {
	Name             string
	ErrorThreshold   float64       // fraction of failures that trips the breaker
	VolumeThreshold  int           // minimum samples before evaluating the threshold
	SleepWindow      time.Duration // time spent open before probing half-open
	HalfOpenRequests int           // requests allowed through while half-open
	SuccessThreshold float64       // success fraction required to close from half-open
	WindowSize       time.Duration // sliding window duration
	BucketCount      int           // buckets in the sliding window
	ErrorClassifier  ErrorClassifier
	Logger           core.Logger
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           core.NoOpLogger{},
	}
}

type bucket struct {
	timestamp time.Time
	success   uint64
	failure   uint64
}

// slidingWindow buckets recent outcomes so the breaker evaluates a
// rolling error rate instead of an all-time one.
type slidingWindow struct {
	mu         sync.Mutex
	buckets    []bucket
	bucketSize time.Duration
	windowSize time.Duration
	idx        int
}

func newSlidingWindow(windowSize time.Duration, count int) *slidingWindow {
	if count <= 0 {
		count = 10
	}
	buckets := make([]bucket, count)
	now := time.Now()
	for i := range buckets {
		buckets[i].timestamp = now
	}
	return &slidingWindow{
		buckets:    buckets,
		bucketSize: windowSize / time.Duration(count),
		windowSize: windowSize,
	}
}

func (w *slidingWindow) rotate() {
	now := time.Now()
	elapsed := now.Sub(w.buckets[w.idx].timestamp)
	if elapsed < w.bucketSize {
		return
	}
	steps := int(elapsed / w.bucketSize)
	if steps > len(w.buckets) {
		steps = len(w.buckets)
	}
	for i := 0; i < steps; i++ {
		w.idx = (w.idx + 1) % len(w.buckets)
		w.buckets[w.idx] = bucket{timestamp: now}
	}
}

func (w *slidingWindow) recordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate()
	w.buckets[w.idx].success++
}

func (w *slidingWindow) recordFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate()
	w.buckets[w.idx].failure++
}

func (w *slidingWindow) counts() (success, failure uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-w.windowSize)
	for _, b := range w.buckets {
		if b.timestamp.After(cutoff) {
			success += b.success
			failure += b.failure
		}
	}
	return
}

func (w *slidingWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	for i := range w.buckets {
		w.buckets[i] = bucket{timestamp: now}
	}
	w.idx = 0
}

// CircuitBreaker protects an operation against cascading failure by
// tracking a rolling error rate and tripping open once it crosses
// ErrorThreshold, then probing recovery in a half-open state.
type CircuitBreaker struct {
	config *Config
	window *slidingWindow

	state          atomic.Int32
	stateChangedAt atomic.Value // time.Time

	halfOpenInFlight atomic.Int32
	halfOpenSuccess  atomic.Int32
	halfOpenFailure  atomic.Int32

	mu sync.Mutex
}

// New constructs a CircuitBreaker from cfg, filling in zero-valued
// fields from DefaultConfig.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	d := DefaultConfig(cfg.Name)
	if cfg.ErrorThreshold == 0 {
		cfg.ErrorThreshold = d.ErrorThreshold
	}
	if cfg.VolumeThreshold == 0 {
		cfg.VolumeThreshold = d.VolumeThreshold
	}
	if cfg.SleepWindow == 0 {
		cfg.SleepWindow = d.SleepWindow
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = d.HalfOpenRequests
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = d.SuccessThreshold
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = d.WindowSize
	}
	if cfg.BucketCount == 0 {
		cfg.BucketCount = d.BucketCount
	}
	if cfg.ErrorClassifier == nil {
		cfg.ErrorClassifier = DefaultErrorClassifier
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}

	cb := &CircuitBreaker{
		config: cfg,
		window: newSlidingWindow(cfg.WindowSize, cfg.BucketCount),
	}
	cb.state.Store(int32(StateClosed))
	cb.stateChangedAt.Store(time.Now())
	return cb
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// CanExecute reports whether a new call should be allowed through,
// transitioning open -> half-open once SleepWindow has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	switch cb.State() {
	case StateClosed:
		return true
	case StateHalfOpen:
		return cb.halfOpenInFlight.Load() < int32(cb.config.HalfOpenRequests)
	case StateOpen:
		changedAt, _ := cb.stateChangedAt.Load().(time.Time)
		if time.Since(changedAt) >= cb.config.SleepWindow {
			cb.transition(StateOpen, StateHalfOpen)
			return cb.halfOpenInFlight.Load() < int32(cb.config.HalfOpenRequests)
		}
		return false
	default:
		return false
	}
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.CanExecute() {
		cb.config.Logger.Debug("circuit breaker rejected execution", map[string]interface{}{
			"name": cb.config.Name, "state": cb.State().String(),
		})
		return fmt.Errorf("%s: %w", cb.config.Name, ErrCircuitOpen)
	}

	halfOpen := cb.State() == StateHalfOpen
	if halfOpen {
		cb.halfOpenInFlight.Add(1)
		defer cb.halfOpenInFlight.Add(-1)
	}

	err := fn()
	cb.record(err, halfOpen)
	return err
}

func (cb *CircuitBreaker) record(err error, halfOpen bool) {
	counted := cb.config.ErrorClassifier(err)

	if halfOpen {
		if counted {
			cb.halfOpenFailure.Add(1)
		} else {
			cb.halfOpenSuccess.Add(1)
		}
		cb.evaluateHalfOpen()
		return
	}

	if counted {
		cb.window.recordFailure()
	} else {
		cb.window.recordSuccess()
	}
	cb.evaluateClosed()
}

func (cb *CircuitBreaker) evaluateClosed() {
	if cb.State() != StateClosed {
		return
	}
	success, failure := cb.window.counts()
	total := success + failure
	if total < uint64(cb.config.VolumeThreshold) {
		return
	}
	errorRate := float64(failure) / float64(total)
	if errorRate >= cb.config.ErrorThreshold {
		cb.transition(StateClosed, StateOpen)
	}
}

func (cb *CircuitBreaker) evaluateHalfOpen() {
	if cb.State() != StateHalfOpen {
		return
	}
	success := cb.halfOpenSuccess.Load()
	failure := cb.halfOpenFailure.Load()
	total := success + failure
	if total < int32(cb.config.HalfOpenRequests) {
		return
	}
	if float64(success)/float64(total) >= cb.config.SuccessThreshold {
		cb.transition(StateHalfOpen, StateClosed)
	} else {
		cb.transition(StateHalfOpen, StateOpen)
	}
}

func (cb *CircuitBreaker) transition(from, to CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if CircuitState(cb.state.Load()) != from {
		return
	}
	cb.state.Store(int32(to))
	cb.stateChangedAt.Store(time.Now())
	if to == StateClosed {
		cb.window.reset()
	}
	cb.halfOpenSuccess.Store(0)
	cb.halfOpenFailure.Store(0)
	cb.config.Logger.Info("circuit breaker state change", map[string]interface{}{
		"name": cb.config.Name, "from": from.String(), "to": to.String(),
	})
}
