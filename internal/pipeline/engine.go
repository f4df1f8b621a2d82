// Package pipeline runs the per-backend dispatch workers.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
)

// DefaultRetryPeriod is how long a worker holding undelivered notifications
// waits before trying them again when nothing new arrives.
const DefaultRetryPeriod = 10 * time.Second

// Engine queues notifications for a single backend and feeds them to its
// transport from one worker goroutine.
type Engine struct {
	kind        dispatch.BackendKind
	transport   dispatch.Transport
	retryPeriod time.Duration
	clock       clock.Clock
	instance    string
	logger      *slog.Logger

	mu    sync.Mutex
	queue []*dispatch.Notification
	wake  chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Engine)

// WithClock replaces the wall clock used for the retry timer.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithInstance labels metrics with the owning gateway instance.
func WithInstance(name string) Option {
	return func(e *Engine) { e.instance = name }
}

func NewEngine(
	kind dispatch.BackendKind,
	transport dispatch.Transport,
	retryPeriod time.Duration,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	if retryPeriod <= 0 {
		retryPeriod = DefaultRetryPeriod
	}
	e := &Engine{
		kind:        kind,
		transport:   transport,
		retryPeriod: retryPeriod,
		clock:       clock.RealClock{},
		logger:      logger.With("component", "DispatchEngine", "backend", string(kind)),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Kind() dispatch.BackendKind {
	return e.kind
}

// Enqueue adds n to the shared queue. A queued notification for the same
// device is replaced, so only the freshest one is delivered.
func (e *Engine) Enqueue(n *dispatch.Notification) {
	e.mu.Lock()
	e.queue = supersede(e.queue, n)
	depth := len(e.queue)
	e.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(e.instance, string(e.kind)).Set(float64(depth))

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Queued returns a copy of the shared queue.
func (e *Engine) Queued() []*dispatch.Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*dispatch.Notification, len(e.queue))
	copy(out, e.queue)
	return out
}

// Start launches the worker. It runs until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.run(ctx)
	e.logger.Info("Dispatch worker started", "retry_period", e.retryPeriod)
}

// Stop signals the worker and waits for it to exit. Notifications still
// queued are abandoned.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.logger.Info("Dispatch worker stopped", "abandoned", len(e.Queued()))
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	var batch []*dispatch.Notification
	for {
		if !e.wait(ctx, len(batch) > 0) {
			return
		}

		for _, n := range e.drain() {
			batch = supersede(batch, n)
		}
		if len(batch) == 0 {
			continue
		}

		attempted := len(batch)
		batch = e.transport.Deliver(ctx, batch)

		metrics.DispatchAttemptsTotal.WithLabelValues(e.instance, string(e.kind)).Add(float64(attempted))
		if len(batch) > 0 {
			metrics.DispatchRetriesTotal.WithLabelValues(e.instance, string(e.kind)).Add(float64(len(batch)))
			e.logger.Debug("Batch partially delivered", "attempted", attempted, "retry", len(batch))
		}
	}
}

// wait blocks until new work is signalled. When the worker still holds a
// retry batch the wait is bounded by the retry period. It returns false once
// the worker must exit.
func (e *Engine) wait(ctx context.Context, holding bool) bool {
	if !holding {
		select {
		case <-ctx.Done():
			return false
		case <-e.wake:
			return true
		}
	}

	timer := e.clock.NewTimer(e.retryPeriod)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-e.wake:
	case <-timer.C():
	}
	return true
}

func (e *Engine) drain() []*dispatch.Notification {
	e.mu.Lock()
	fresh := e.queue
	e.queue = nil
	e.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(e.instance, string(e.kind)).Set(0)
	return fresh
}

// supersede drops any entry for n's device and appends n.
func supersede(list []*dispatch.Notification, n *dispatch.Notification) []*dispatch.Notification {
	out := make([]*dispatch.Notification, 0, len(list)+1)
	for _, cur := range list {
		if cur.DeviceHash != n.DeviceHash {
			out = append(out, cur)
		}
	}
	return append(out, n)
}
