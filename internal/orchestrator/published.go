package orchestrator

import (
	"time"

	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

// HandlePublishedItem turns a push item published on a registered node into
// a notification for the node's backend.
func (o *Orchestrator) HandlePublishedItem(from xmpp.JID, node string, form *xmpp.Form) {
	if from.BareString() != o.cfg.PubsubJID.BareString() {
		o.logger.Warn("Dropping item from unexpected sender", "from", from.String(), "node", node)
		return
	}

	reg, ok := o.registry.Get(node)
	if !ok {
		o.logger.Warn("Dropping item for unknown node", "node", node)
		return
	}

	backend, ok := o.backends[reg.Backend]
	if !ok {
		o.logger.Error("Dropping item for unconfigured backend", "node", node, "backend", string(reg.Backend))
		return
	}

	timestamp := reg.Timestamp
	backend.Enqueue(&dispatch.Notification{
		DeviceHash: reg.DeviceHash(),
		Payload:    form.SingleTextValues(),
		Token:      reg.Token,
		AppID:      reg.AppID,
		Unregister: func() { o.unregisterRejected(node, timestamp) },
	})
	o.logger.Debug("Notification queued", "node", node, "backend", string(reg.Backend))
}

// unregisterRejected removes a registration whose device the backend refused.
// The timestamp guard leaves a newer registration at the same node alone.
func (o *Orchestrator) unregisterRejected(node string, timestamp time.Time) {
	removed := o.remove(node, func(r registry.Registration) bool {
		return r.Timestamp.Equal(timestamp)
	}, "backend")
	if removed {
		o.logger.Info("Registration removed after backend rejection", "node", node)
	}
}

// remove deletes node if pred accepts it and retracts it from the pubsub
// service. Removal and retraction happen at most once per registration.
func (o *Orchestrator) remove(node string, pred func(registry.Registration) bool, cause string) bool {
	if !o.registry.RemoveIf(node, pred) {
		return false
	}
	o.retract(node)
	metrics.UnregistrationsTotal.WithLabelValues(o.cfg.Instance, cause).Inc()
	return true
}
