// Package orchestrator drives client registrations against the pubsub
// service and routes published push items to the dispatch engines.
//
// Registration is a three step protocol. CreateNode runs first; once it
// succeeds SetAffiliation and Subscribe are issued together and may complete
// in any order. A registration is committed to the registry only when all
// three succeeded. Any failure rolls it back and retracts the node if it may
// already exist.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

// Dispatcher accepts notifications for one backend.
type Dispatcher interface {
	Enqueue(n *dispatch.Notification)
}

// Config identifies the gateway instance on the XMPP network.
type Config struct {
	// Instance labels logs and metrics.
	Instance string
	// ServiceJID is the gateway's own component address.
	ServiceJID xmpp.JID
	// PubsubJID is the pubsub service hosting the push nodes.
	PubsubJID xmpp.JID
	// OperationTimeout bounds how long a pubsub request may stay unanswered.
	// Zero waits forever.
	OperationTimeout time.Duration
}

type Orchestrator struct {
	cfg      Config
	registry *registry.Registry
	out      xmpp.Correlator
	backends map[dispatch.BackendKind]Dispatcher
	logger   *slog.Logger

	// mu serialises inbound events with operation expiry, which fires on the
	// cache's own goroutine.
	mu         sync.Mutex
	pending    map[string]*pendingRegistration
	abandoned  map[string]struct{}
	operations *ttlcache.Cache[string, operation]
	janitor    bool

	// expired holds requests that outlived the operation timeout. It has its
	// own lock because it is written from the cache's eviction callback.
	expiredMu sync.Mutex
	expired   map[string]expiredOperation

	newID func() string
	now   func() time.Time
}

// New wires an orchestrator. backends holds one dispatcher per configured
// backend kind; commands for any other kind are refused.
func New(
	cfg Config,
	reg *registry.Registry,
	out xmpp.Correlator,
	backends map[dispatch.BackendKind]Dispatcher,
	logger *slog.Logger,
) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		registry:  reg,
		out:       out,
		backends:  backends,
		logger:    logger.With("component", "Orchestrator"),
		pending:   make(map[string]*pendingRegistration),
		abandoned: make(map[string]struct{}),
		expired:   make(map[string]expiredOperation),
		newID:     uuid.NewString,
		now:       time.Now,
	}

	o.operations = ttlcache.New[string, operation](
		ttlcache.WithTTL[string, operation](cfg.OperationTimeout),
		ttlcache.WithDisableTouchOnHit[string, operation](),
	)
	if cfg.OperationTimeout > 0 {
		o.operations.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, operation]) {
			if reason != ttlcache.EvictionReasonExpired {
				return
			}
			o.expiredMu.Lock()
			o.expired[item.Key()] = expiredOperation{operation: item.Value()}
			o.expiredMu.Unlock()
			go o.expire(item.Key())
		})
		go o.operations.Start()
		o.janitor = true
	}
	return o
}

// Close stops the operation expiry loop.
func (o *Orchestrator) Close() {
	if o.janitor {
		o.operations.Stop()
		o.janitor = false
	}
}

// PendingCount reports registrations still being provisioned.
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// OutstandingOperations reports pubsub requests awaiting an answer.
func (o *Orchestrator) OutstandingOperations() int {
	return o.operations.Len()
}

var _ xmpp.EventHandler = (*Orchestrator)(nil)
