// Package daemonrt wires the coordinator, dispatcher, DLQ manager,
// key rotator, and orchestrator loop to a live Redis connection. It
// is shared between cmd/agentmeshd (the standalone daemon binary) and
// agentmeshctl's serve subcommand, the way the teacher's cli package
// shares an internal/daemon handle across subcommands.
package daemonrt

import (
	"context"

	"github.com/ezaigents/agentmesh/coordinator"
	"github.com/ezaigents/agentmesh/core"
	"github.com/ezaigents/agentmesh/dispatcher"
	"github.com/ezaigents/agentmesh/dlq"
	"github.com/ezaigents/agentmesh/keyrotator"
	"github.com/ezaigents/agentmesh/orchestrator"
)

// Daemon bundles every wired component so callers can inspect or stop
// them individually if needed.
type Daemon struct {
	Config     *core.Config
	Coordinator *coordinator.Registry
	Dispatcher  *dispatcher.Dispatcher
	DLQ         *dlq.Manager
	KeyRotator  *keyrotator.Pool
	Loop        *orchestrator.Loop
}

// New builds a Daemon from process configuration (defaults -> env ->
// opts) and a live Redis connection.
func New(opts ...core.Option) (*Daemon, error) {
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger()

	client, err := core.NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, err
	}

	reg := coordinator.New(client, cfg.Namespace, coordinator.Config{Logger: logger})
	disp := dispatcher.New(client, cfg.Namespace, dispatcher.Config{
		IngestDedupWindow: cfg.Queue.IngestDedupWindow,
		ClaimBlockTimeout: cfg.Queue.ClaimBlockTimeout,
		Resilience:        cfg.Resilience,
		Logger:            logger,
	})
	dlqMgr := dlq.New(client, cfg.Namespace, disp, dlq.Config{
		ProcessInterval:     cfg.DLQ.ProcessInterval,
		BatchSize:           cfg.DLQ.BatchSize,
		TTL:                 cfg.DLQ.TTL,
		MaxRetries:          cfg.DLQ.MaxRetries,
		ArchiveRetention:    cfg.DLQ.ArchiveRetention,
		PermanentFailureCap: int64(cfg.DLQ.PermanentFailureCap),
		CleanupInterval:     cfg.DLQ.CleanupInterval,
		VolatileScheduling:  cfg.DLQ.VolatileScheduling,
		Logger:              logger,
	})
	keyPool := keyrotator.New(client, cfg.Namespace, keyrotator.Config{
		DefaultRPM:          cfg.KeyRotator.DefaultRPM,
		RateLimitWindow:     cfg.KeyRotator.RateLimitWindow,
		UnhealthyTTL:        cfg.KeyRotator.UnhealthyTTL,
		FallbackChain:       dlq.FallbackChain,
		RecoverySuccessRate: cfg.KeyRotator.RecoverySuccessRate,
		RecoveryMinSamples:  cfg.KeyRotator.RecoveryMinSamples,
		Logger:              logger,
	})

	loop := orchestrator.New(client, orchestrator.Config{
		Models:            cfg.Queue.Models,
		HealthInterval:    cfg.Orchestrator.HealthInterval,
		OrphanThreshold:   cfg.Orchestrator.OrphanThreshold,
		UnresponsiveAfter: cfg.Orchestrator.UnresponsiveAfter,
		RebalanceVariance: cfg.Orchestrator.RebalanceVariance,
		RebalanceInterval: cfg.Orchestrator.RebalanceInterval,
		Logger:            logger,
	}, reg, disp, dlqMgr)

	return &Daemon{
		Config:      cfg,
		Coordinator: reg,
		Dispatcher:  disp,
		DLQ:         dlqMgr,
		KeyRotator:  keyPool,
		Loop:        loop,
	}, nil
}

// Run blocks running the DLQ manager and orchestrator loop until ctx
// is canceled or either exits with an error.
func (d *Daemon) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- d.DLQ.Run(ctx, d.Config.Queue.Models) }()
	go func() { errCh <- d.Loop.Run(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
