package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the agentmesh core. Values are
// resolved in three layers, lowest priority first: compiled-in
// defaults, environment variables, then functional Options passed to
// NewConfig — mirroring the teacher framework's configuration layering.
type Config struct {
	Namespace string `json:"namespace"`

	Redis      RedisConfig      `json:"redis"`
	Logging    LoggingConfig    `json:"logging"`
	Queue      QueueConfig      `json:"queue"`
	DLQ        DLQConfig        `json:"dlq"`
	KeyRotator KeyRotatorConfig `json:"keyRotator"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Resilience ResilienceConfig `json:"resilience"`

	logger Logger
}

// RedisConfig configures the shared data-plane connection.
type RedisConfig struct {
	URL          string        `json:"url"`
	PoolSize     int           `json:"poolSize"`
	MinIdleConns int           `json:"minIdleConns"`
	DialTimeout  time.Duration `json:"dialTimeout"`
	ReadTimeout  time.Duration `json:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout"`
}

// LoggingConfig selects the ProductionLogger's format and sink.
type LoggingConfig struct {
	Level  string `json:"level"`  // "debug" enables Debug lines; any other value logs Info, Warn and Error
	Format string `json:"format"` // json|text
	Output string `json:"output"` // stdout|stderr
}

// QueueConfig configures the dispatcher. Orphan staleness is governed
// by OrchestratorConfig.OrphanThreshold, not duplicated here: the
// orchestrator is the only caller of ReapOrphans.
type QueueConfig struct {
	Models            []string      `json:"models"`
	IngestDedupWindow time.Duration `json:"ingestDedupWindow"`
	ClaimBlockTimeout time.Duration `json:"claimBlockTimeout"`
}

// DLQConfig configures the DLQ manager.
type DLQConfig struct {
	ProcessInterval     time.Duration `json:"processInterval"`
	BatchSize           int           `json:"batchSize"`
	TTL                 time.Duration `json:"ttl"`
	MaxRetries          int           `json:"maxRetries"`
	ArchiveRetention    time.Duration `json:"archiveRetention"`
	PermanentFailureCap int64         `json:"permanentFailureCap"`
	CleanupInterval     time.Duration `json:"cleanupInterval"`
	// VolatileScheduling selects §9's "option B": in-memory
	// time.AfterFunc scheduling that does not survive a restart
	// (duplicate retries possible). The default, false, selects
	// "option A": a durable Redis sorted-set delay queue.
	VolatileScheduling bool `json:"volatileScheduling"`
}

// KeyRotatorConfig configures the key rotator.
type KeyRotatorConfig struct {
	DefaultRPM          int           `json:"defaultRpm"`
	RateLimitWindow     time.Duration `json:"rateLimitWindow"`
	RecoverySuccessRate float64       `json:"recoverySuccessRate"`
	RecoveryMinSamples  int64         `json:"recoveryMinSamples"`
	UnhealthyTTL        time.Duration `json:"unhealthyTtl"`
}

// OrchestratorConfig configures the health-sweep/control loop.
type OrchestratorConfig struct {
	HealthInterval    time.Duration `json:"healthInterval"`
	OrphanThreshold   time.Duration `json:"orphanThreshold"`
	UnresponsiveAfter time.Duration `json:"unresponsiveAfter"`
	RebalanceVariance float64       `json:"rebalanceVariance"`
	RebalanceInterval time.Duration `json:"rebalanceInterval"`
}

// ResilienceConfig configures the circuit breaker and retry defaults
// applied to outbound Redis operations.
type ResilienceConfig struct {
	ErrorThreshold  float64       `json:"errorThreshold"`
	VolumeThreshold int           `json:"volumeThreshold"`
	SleepWindow     time.Duration `json:"sleepWindow"`
	RetryAttempts   int           `json:"retryAttempts"`
	RetryBaseDelay  time.Duration `json:"retryBaseDelay"`
}

// Option mutates a Config during construction; applied after env
// overrides, so options always win.
type Option func(*Config)

// DefaultModels is the closed set of target models named in the
// specification's data model section.
var DefaultModels = []string{"claude-3-opus", "gpt-4o", "deepseek-coder", "command-r-plus", "gemini-pro"}

func defaultConfig() *Config {
	return &Config{
		Namespace: "agentmesh",
		Redis: RedisConfig{
			URL:          "redis://localhost:6379",
			PoolSize:     10,
			MinIdleConns: 5,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Queue: QueueConfig{
			Models:            append([]string{}, DefaultModels...),
			IngestDedupWindow: 60 * time.Second,
			ClaimBlockTimeout: 2 * time.Second,
		},
		DLQ: DLQConfig{
			ProcessInterval:     30 * time.Second,
			BatchSize:           50,
			TTL:                 7 * 24 * time.Hour,
			MaxRetries:          5,
			ArchiveRetention:    30 * 24 * time.Hour,
			PermanentFailureCap: 1000,
			CleanupInterval:     time.Hour,
			VolatileScheduling:  false,
		},
		KeyRotator: KeyRotatorConfig{
			DefaultRPM:          60,
			RateLimitWindow:     60 * time.Second,
			RecoverySuccessRate: 0.8,
			RecoveryMinSamples:  10,
			UnhealthyTTL:        5 * time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			HealthInterval:    5 * time.Second,
			OrphanThreshold:   2 * time.Minute,
			UnresponsiveAfter: 30 * time.Second,
			RebalanceVariance: 0.5,
			RebalanceInterval: time.Hour,
		},
		Resilience: ResilienceConfig{
			ErrorThreshold:  0.5,
			VolumeThreshold: 10,
			SleepWindow:     30 * time.Second,
			RetryAttempts:   3,
			RetryBaseDelay:  100 * time.Millisecond,
		},
	}
}

// applyEnv overlays environment variable values onto cfg. Unset
// variables leave the existing (default) value untouched.
func (cfg *Config) applyEnv() {
	if v := os.Getenv("AGENTMESH_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("AGENTMESH_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("AGENTMESH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AGENTMESH_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("AGENTMESH_MODELS"); v != "" {
		cfg.Queue.Models = strings.Split(v, ",")
	}
	if v := os.Getenv("AGENTMESH_DLQ_PROCESS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DLQ.ProcessInterval = d
		}
	}
	if v := os.Getenv("AGENTMESH_DLQ_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DLQ.MaxRetries = n
		}
	}
	if v := os.Getenv("AGENTMESH_DLQ_VOLATILE_SCHEDULING"); v != "" {
		cfg.DLQ.VolatileScheduling = v == "true" || v == "1"
	}
	if v := os.Getenv("AGENTMESH_KEYROTATOR_DEFAULT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.KeyRotator.DefaultRPM = n
		}
	}
	if v := os.Getenv("AGENTMESH_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Orchestrator.HealthInterval = d
		}
	}
}

// NewConfig builds a Config from defaults, then environment
// variables, then the given options, and validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := defaultConfig()
	cfg.applyEnv()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, cfg.Namespace)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks invariants that must hold before any component is
// constructed from this Config.
func (cfg *Config) Validate() error {
	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis.url: %w", ErrMissingConfiguration)
	}
	if len(cfg.Queue.Models) == 0 {
		return fmt.Errorf("queue.models: %w", ErrMissingConfiguration)
	}
	if cfg.DLQ.MaxRetries < 0 {
		return fmt.Errorf("dlq.maxRetries must be >= 0: %w", ErrInvalidConfiguration)
	}
	if cfg.KeyRotator.DefaultRPM <= 0 {
		return fmt.Errorf("keyRotator.defaultRpm must be > 0: %w", ErrInvalidConfiguration)
	}
	return nil
}

// Logger returns the configured logger, constructing a default
// ProductionLogger if NewConfig has not been called.
func (cfg *Config) Logger() Logger {
	if cfg.logger == nil {
		return NewProductionLogger(cfg.Logging, cfg.Namespace)
	}
	return cfg.logger
}

// WithRedisURL overrides the Redis connection string.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.Redis.URL = url }
}

// WithNamespace overrides the Redis key namespace prefix.
func WithNamespace(ns string) Option {
	return func(c *Config) { c.Namespace = ns }
}

// WithLogger injects a pre-built logger, bypassing LoggingConfig.
func WithLogger(logger Logger) Option {
	return func(c *Config) { c.logger = logger }
}

// WithModels overrides the closed set of target models the queue
// dispatcher and key rotator operate over.
func WithModels(models []string) Option {
	return func(c *Config) { c.Queue.Models = models }
}

// WithHealthInterval overrides the orchestrator's health-sweep cadence.
func WithHealthInterval(d time.Duration) Option {
	return func(c *Config) { c.Orchestrator.HealthInterval = d }
}
