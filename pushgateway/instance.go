// --- File: pushgateway/instance.go ---
package pushgateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-gateway/internal/orchestrator"
	"github.com/tinywideclouds/go-push-gateway/internal/pipeline"
	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

// Session is the component stream an instance talks through.
type Session interface {
	xmpp.Correlator
	Run(ctx context.Context, handler xmpp.EventHandler) error
}

// InstanceConfig is the validated, runtime form of one component section.
type InstanceConfig struct {
	Host             string
	PubsubHost       string
	RetryPeriod      time.Duration
	OperationTimeout time.Duration
}

// Instance is one gateway bound to one component connection. It owns the
// registry, the orchestrator and one dispatch engine per backend.
type Instance struct {
	host         string
	session      Session
	registry     *registry.Registry
	store        registry.Store
	orchestrator *orchestrator.Orchestrator
	engines      []*pipeline.Engine
	logger       *slog.Logger
}

func NewInstance(
	cfg InstanceConfig,
	session Session,
	transports map[dispatch.BackendKind]dispatch.Transport,
	store registry.Store,
	logger *slog.Logger,
	engineOpts ...pipeline.Option,
) (*Instance, error) {
	serviceJID, err := xmpp.ParseJID(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to parse component host: %w", err)
	}
	pubsubJID, err := xmpp.ParseJID(cfg.PubsubHost)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pubsub host: %w", err)
	}
	logger = logger.With("instance", cfg.Host)

	opts := append([]pipeline.Option{pipeline.WithInstance(cfg.Host)}, engineOpts...)
	engines := make([]*pipeline.Engine, 0, len(transports))
	dispatchers := make(map[dispatch.BackendKind]orchestrator.Dispatcher, len(transports))
	for kind, transport := range transports {
		engine := pipeline.NewEngine(kind, transport, cfg.RetryPeriod, logger, opts...)
		engines = append(engines, engine)
		dispatchers[kind] = engine
	}

	reg := registry.New()
	orch := orchestrator.New(orchestrator.Config{
		Instance:         cfg.Host,
		ServiceJID:       serviceJID,
		PubsubJID:        pubsubJID,
		OperationTimeout: cfg.OperationTimeout,
	}, reg, session, dispatchers, logger)

	return &Instance{
		host:         cfg.Host,
		session:      session,
		registry:     reg,
		store:        store,
		orchestrator: orch,
		engines:      engines,
		logger:       logger.With("component", "Instance"),
	}, nil
}

func (i *Instance) Host() string {
	return i.host
}

// Directory exposes the instance's registrations to the admin API.
func (i *Instance) Directory() *orchestrator.Orchestrator {
	return i.orchestrator
}

// Load restores the registry from the store.
func (i *Instance) Load(ctx context.Context) error {
	regs, err := i.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load registrations for %s: %w", i.host, err)
	}
	i.registry.Restore(regs)
	i.logger.Info("Registrations restored", "count", len(regs))
	return nil
}

// Run starts the dispatch workers and keeps the component stream up until
// ctx is cancelled.
func (i *Instance) Run(ctx context.Context) error {
	for _, e := range i.engines {
		e.Start(ctx)
	}
	i.logger.Info("Instance running", "backends", len(i.engines))
	return i.session.Run(ctx, i.orchestrator)
}

// Stop joins the dispatch workers and persists the registry.
func (i *Instance) Stop(ctx context.Context) error {
	for _, e := range i.engines {
		e.Stop()
	}
	i.orchestrator.Close()

	snapshot := i.registry.Snapshot()
	if err := i.store.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to save registrations for %s: %w", i.host, err)
	}
	i.logger.Info("Registrations saved", "count", len(snapshot))
	return nil
}
