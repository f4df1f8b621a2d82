// --- File: pushgateway/service.go ---
package pushgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-gateway/internal/api"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/component"
	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
)

type Wrapper struct {
	*microservice.BaseServer
	instances []*Instance
	logger    *slog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

// BuildInstances creates and loads one instance per component section. A
// component that fails validation, backend setup or loading is logged and
// skipped.
func BuildInstances(ctx context.Context, cfg *config.Config, storeFor func(host string) registry.Store, logger *slog.Logger) []*Instance {
	var instances []*Instance
	for _, cc := range cfg.Components {
		log := logger.With("instance", cc.Host)
		inst, err := buildInstance(ctx, cfg, cc, storeFor, log)
		if err != nil {
			log.Error("Skipping component", "err", err)
			continue
		}
		instances = append(instances, inst)
	}
	return instances
}

func buildInstance(ctx context.Context, cfg *config.Config, cc config.ComponentConfig, storeFor func(string) registry.Store, logger *slog.Logger) (*Instance, error) {
	if err := cc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid component configuration: %w", err)
	}
	transports, err := NewTransports(ctx, cc, logger)
	if err != nil {
		return nil, err
	}

	jid, err := xmpp.ParseJID(cc.Host)
	if err != nil {
		return nil, err
	}
	session := component.New(component.Config{
		JID:      jid,
		Addr:     cc.Addr(),
		Password: cc.Password,
	}, logger)

	inst, err := NewInstance(InstanceConfig{
		Host:             cc.Host,
		PubsubHost:       cc.PubsubHost,
		RetryPeriod:      cfg.RetryPeriod,
		OperationTimeout: cfg.OperationTimeout,
	}, session, transports, storeFor(cc.Host), logger)
	if err != nil {
		return nil, err
	}
	if err := inst.Load(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

// New assembles the service around already loaded instances.
func New(
	cfg *config.Config,
	instances []*Instance,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {
	if len(instances) == 0 {
		return nil, errors.New("no gateway instance could be started")
	}

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. API (Registration administration)
	directories := make(map[string]api.Directory, len(instances))
	for _, inst := range instances {
		directories[inst.Host()] = inst.Directory()
	}
	registrationAPI := api.NewRegistrationAPI(directories, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}
	handle("GET /api/v1/components/{component}/registrations", registrationAPI.ListRegistrations)
	handle("DELETE /api/v1/components/{component}/registrations/{node}", registrationAPI.DeleteRegistration)

	// Global OPTIONS for the API namespace (CORS preflight)
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	mux.Handle("GET /metrics", promhttp.Handler())

	return &Wrapper{
		BaseServer: baseServer,
		instances:  instances,
		logger:     logger,
	}, nil
}

// Start runs every instance in the background, then serves HTTP until
// Shutdown is called.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Gateway instances starting...", "count", len(w.instances))
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.group = new(errgroup.Group)
	for _, inst := range w.instances {
		w.group.Go(func() error {
			return inst.Run(runCtx)
		})
	}

	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

// Shutdown stops the instances, persists their registries and stops the
// HTTP server.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	w.SetReady(false)

	var finalErr error
	if w.cancel != nil {
		w.cancel()
		if err := w.group.Wait(); err != nil {
			w.logger.Error("Instance stopped with error.", "err", err)
			finalErr = err
		}
	}
	for _, inst := range w.instances {
		if err := inst.Stop(ctx); err != nil {
			w.logger.Error("Instance shutdown failed.", "instance", inst.Host(), "err", err)
			finalErr = err
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
