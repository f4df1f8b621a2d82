package orchestrator

import (
	"github.com/jellydator/ttlcache/v3"

	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

// step marks a completed provisioning request.
type step uint8

const (
	stepCreateNode step = 1 << iota
	stepSetAffiliation
	stepSubscribe

	stepsAll = stepCreateNode | stepSetAffiliation | stepSubscribe
)

func stepFor(kind xmpp.OperationKind) step {
	switch kind {
	case xmpp.CreateNode:
		return stepCreateNode
	case xmpp.SetAffiliation:
		return stepSetAffiliation
	case xmpp.Subscribe:
		return stepSubscribe
	default:
		return 0
	}
}

// operation is a correlation entry: which request a stanza id belongs to.
type operation struct {
	kind xmpp.OperationKind
	node string
}

// expiredOperation is a request whose timeout fired. Once settled, only a
// CreateNode stays behind so a late answer can still clean up the node.
type expiredOperation struct {
	operation
	settled bool
}

type pendingRegistration struct {
	reg       registry.Registration
	secret    string
	requester xmpp.JID
	requestID string
	command   string
	completed step
}

// Affiliation granted to the device owner on its node.
const affiliationPublishOnly = "publish-only"

const errorTypeWait = "wait"

// HandleOperationResult consumes the correlation entry of a successful
// pubsub request and advances the registration it belongs to.
func (o *Orchestrator) HandleOperationResult(from xmpp.JID, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	op, ok := o.consume(id)
	if !ok {
		if late, ok := o.lateAnswer(id); ok {
			o.logger.Warn("Pubsub request succeeded after timing out", "id", id, "node", late.node)
			o.settleAbandoned(late, true)
			return
		}
		o.logger.Debug("Ignoring result for unknown request", "id", id, "from", from.String())
		return
	}

	p, ok := o.pending[op.node]
	if !ok {
		o.settleAbandoned(op, true)
		return
	}

	p.completed |= stepFor(op.kind)
	switch p.completed {
	case stepCreateNode:
		o.track(xmpp.Operation{
			Kind:        xmpp.SetAffiliation,
			Node:        op.node,
			Affiliate:   p.reg.User.Bare(),
			Affiliation: affiliationPublishOnly,
		})
		o.track(xmpp.Operation{
			Kind:       xmpp.Subscribe,
			Node:       op.node,
			Subscriber: o.cfg.ServiceJID,
		})
	case stepsAll:
		o.commit(p)
	}
}

// HandleOperationError consumes the correlation entry of a failed pubsub
// request and rolls back the registration it belongs to.
func (o *Orchestrator) HandleOperationError(from xmpp.JID, id, errorType string, conditions []string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	op, ok := o.consume(id)
	if !ok {
		if late, ok := o.lateAnswer(id); ok {
			o.settleAbandoned(late, false)
			return
		}
		o.logger.Debug("Ignoring error for unknown request", "id", id, "from", from.String())
		return
	}
	o.logger.Warn("Pubsub request failed",
		"operation", op.kind.String(), "node", op.node, "type", errorType, "conditions", conditions)
	o.fail(op, errorType)
}

// expire treats an unanswered request as a transient failure. A CreateNode
// may still succeed later, so its node is kept as abandoned until an answer
// arrives.
func (o *Orchestrator) expire(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.expiredMu.Lock()
	e, ok := o.expired[id]
	if ok {
		if e.kind == xmpp.CreateNode {
			e.settled = true
			o.expired[id] = e
		} else {
			delete(o.expired, id)
		}
	}
	o.expiredMu.Unlock()
	if !ok {
		// Answered between eviction and now.
		return
	}

	op := e.operation
	o.logger.Warn("Pubsub request timed out", "id", id, "operation", op.kind.String(), "node", op.node)
	o.fail(op, errorTypeWait)
	if op.kind == xmpp.CreateNode {
		o.abandoned[op.node] = struct{}{}
	}
}

func (o *Orchestrator) fail(op operation, errorType string) {
	p, ok := o.pending[op.node]
	if !ok {
		o.settleAbandoned(op, false)
		return
	}

	cerr := errInternal
	if errorType == errorTypeWait {
		cerr = errResourceConstraint
	}
	o.out.SendCommandError(p.requester, p.requestID, p.command, xmpp.ActionExecute, cerr)

	if op.kind != xmpp.CreateNode {
		o.retract(op.node)
	}
	delete(o.pending, op.node)
	metrics.RegistrationsTotal.WithLabelValues(o.cfg.Instance, string(p.reg.Backend), "failed").Inc()
}

// settleAbandoned finishes a node whose registration was evicted while its
// CreateNode was in flight. A node that got created after all is retracted.
func (o *Orchestrator) settleAbandoned(op operation, succeeded bool) {
	if op.kind != xmpp.CreateNode {
		return
	}
	if _, ok := o.abandoned[op.node]; !ok {
		return
	}
	delete(o.abandoned, op.node)
	if succeeded {
		o.retract(op.node)
	}
}

func (o *Orchestrator) commit(p *pendingRegistration) {
	form := xmpp.NewForm(xmpp.FormTypeResult).
		Add("jid", "", o.cfg.PubsubJID.String()).
		Add("node", "", p.reg.Node).
		Add("secret", "", p.secret)
	o.out.SendCommandCompleted(p.requester, p.requestID, p.command, form)

	o.registry.Put(p.reg)
	delete(o.pending, p.reg.Node)

	metrics.RegistrationsTotal.WithLabelValues(o.cfg.Instance, string(p.reg.Backend), "completed").Inc()
	o.logger.Info("Registration committed",
		"node", p.reg.Node, "user", p.reg.User.BareString(), "device", p.reg.DeviceID, "backend", string(p.reg.Backend))
}

// track sends op to the pubsub service under a fresh id and records the
// correlation entry for its answer.
func (o *Orchestrator) track(op xmpp.Operation) {
	op.ID = o.newID()
	op.Target = o.cfg.PubsubJID
	o.operations.Set(op.ID, operation{kind: op.Kind, node: op.Node}, ttlcache.DefaultTTL)
	o.out.SendOperation(op)
}

// consume removes and returns the correlation entry for id. An entry whose
// timeout fired but was not acted on yet still counts as outstanding.
func (o *Orchestrator) consume(id string) (operation, bool) {
	item, ok := o.operations.GetAndDelete(id)
	if ok && item != nil {
		return item.Value(), true
	}

	o.expiredMu.Lock()
	defer o.expiredMu.Unlock()
	e, ok := o.expired[id]
	if !ok || e.settled {
		return operation{}, false
	}
	delete(o.expired, id)
	return e.operation, true
}

// lateAnswer removes and returns a CreateNode that was already failed by
// its timeout.
func (o *Orchestrator) lateAnswer(id string) (operation, bool) {
	o.expiredMu.Lock()
	defer o.expiredMu.Unlock()
	e, ok := o.expired[id]
	if !ok || !e.settled {
		return operation{}, false
	}
	delete(o.expired, id)
	return e.operation, true
}

// retract deletes a node from the pubsub service. The answer is not tracked.
func (o *Orchestrator) retract(node string) {
	o.out.SendOperation(xmpp.Operation{
		Kind:   xmpp.DeleteNode,
		ID:     o.newID(),
		Target: o.cfg.PubsubJID,
		Node:   node,
	})
}
