package orchestrator

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

// Command nodes served by the gateway.
const (
	CommandList       = "list-push-registrations"
	CommandUnregister = "unregister-push"
	CommandRegister   = "register-push-"
)

// Fields read from command forms.
const (
	fieldDeviceID   = "device-id"
	fieldDeviceName = "device-name"
	fieldToken      = "token"
	fieldAppID      = "application-id"
	fieldNodes      = "nodes"
	fieldNode       = "node"
)

var (
	errBadAction          = xmpp.CommandError{Type: "modify", Condition: "bad-request", AppCondition: "bad-action"}
	errMalformedAction    = xmpp.CommandError{Type: "modify", Condition: "bad-request", AppCondition: "malformed-action"}
	errBadPayload         = xmpp.CommandError{Type: "modify", Condition: "bad-request", AppCondition: "bad-payload"}
	errItemNotFound       = xmpp.CommandError{Type: "modify", Condition: "item-not-found"}
	errResourceConstraint = xmpp.CommandError{Type: "wait", Condition: "resource-constraint"}
	errInternal           = xmpp.CommandError{Type: "cancel", Condition: "internal-server-error"}
	errSuperseded         = xmpp.CommandError{Type: "cancel", Condition: "conflict"}
)

const (
	nodeIDLength   = 12
	secretLength   = 32
	nodeIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	secretAlphabet = nodeIDAlphabet + "_-+"
)

// HandleCommand serves an ad-hoc command from a client.
func (o *Orchestrator) HandleCommand(cmd xmpp.Command) {
	o.mu.Lock()
	defer o.mu.Unlock()

	log := o.logger.With("command", cmd.Node, "from", cmd.From.String(), "id", cmd.ID)

	if cmd.Action != xmpp.ActionExecute {
		log.Warn("Rejecting command with unsupported action", "action", cmd.Action)
		o.refuse(cmd, errBadAction)
		return
	}

	switch {
	case cmd.Node == CommandList:
		o.listRegistrations(cmd)
	case cmd.Node == CommandUnregister:
		o.unregisterCommand(cmd)
	case strings.HasPrefix(cmd.Node, CommandRegister):
		o.register(cmd)
	default:
		log.Warn("Rejecting unknown command")
		o.refuse(cmd, errMalformedAction)
	}
}

func (o *Orchestrator) refuse(cmd xmpp.Command, cerr xmpp.CommandError) {
	result := cerr.Condition
	if cerr.AppCondition != "" {
		result = cerr.AppCondition
	}
	metrics.CommandsTotal.WithLabelValues(o.cfg.Instance, cmd.Node, result).Inc()
	o.out.SendCommandError(cmd.From, cmd.ID, cmd.Node, xmpp.ActionExecute, cerr)
}

func (o *Orchestrator) complete(cmd xmpp.Command, form *xmpp.Form) {
	metrics.CommandsTotal.WithLabelValues(o.cfg.Instance, cmd.Node, "completed").Inc()
	o.out.SendCommandCompleted(cmd.From, cmd.ID, cmd.Node, form)
}

func (o *Orchestrator) listRegistrations(cmd xmpp.Command) {
	form := xmpp.NewForm(xmpp.FormTypeResult)
	for _, reg := range o.registry.ScanByOwner(cmd.From) {
		var item xmpp.Item
		if reg.DeviceName != "" {
			item.Fields = append(item.Fields, xmpp.Field{Var: fieldDeviceName, Values: []string{reg.DeviceName}})
		}
		item.Fields = append(item.Fields, xmpp.Field{Var: fieldNode, Values: []string{reg.Node}})
		form.Items = append(form.Items, item)
	}
	o.complete(cmd, form)
}

func (o *Orchestrator) unregisterCommand(cmd xmpp.Command) {
	form := xmpp.NewForm(xmpp.FormTypeResult)

	if field, ok := cmd.Form.Field(fieldNodes); ok && len(field.Values) > 0 {
		removed := o.Unregister(cmd.From, field.Values...)
		if len(removed) > 0 {
			form.Add(fieldNodes, xmpp.FieldTypeListMulti, removed...)
		}
		o.complete(cmd, form)
		return
	}

	deviceID := cmd.Form.Value(fieldDeviceID)
	if deviceID == "" {
		deviceID = cmd.From.Resource
	}
	if deviceID == "" {
		o.refuse(cmd, errBadPayload)
		return
	}

	reg, ok := o.registry.FindByOwnerAndDevice(cmd.From, deviceID)
	if !ok || !o.remove(reg.Node, ownedBy(cmd.From), "client") {
		o.refuse(cmd, errBadPayload)
		return
	}
	o.complete(cmd, form)
}

// Unregister removes the listed nodes owned by user and retracts them. It
// returns the nodes that were actually removed.
func (o *Orchestrator) Unregister(user xmpp.JID, nodes ...string) []string {
	var removed []string
	for _, node := range nodes {
		if o.remove(node, ownedBy(user), "client") {
			removed = append(removed, node)
		}
	}
	return removed
}

// Registrations lists the committed registrations of user.
func (o *Orchestrator) Registrations(user xmpp.JID) []registry.Registration {
	return o.registry.ScanByOwner(user)
}

func (o *Orchestrator) register(cmd xmpp.Command) {
	kind, err := dispatch.ParseBackendKind(strings.TrimPrefix(cmd.Node, CommandRegister))
	if err != nil {
		o.refuse(cmd, errMalformedAction)
		return
	}

	reg := registry.Registration{
		User:       cmd.From,
		DeviceID:   cmd.Form.Value(fieldDeviceID),
		DeviceName: cmd.Form.Value(fieldDeviceName),
		Token:      cmd.Form.Value(fieldToken),
		AppID:      cmd.Form.Value(fieldAppID),
		Backend:    kind,
		Timestamp:  o.now().UTC(),
	}
	if reg.DeviceID == "" {
		reg.DeviceID = cmd.From.Resource
	}
	if reg.DeviceID == "" || reg.Token == "" || (kind == dispatch.KindUbuntu && reg.AppID == "") {
		o.refuse(cmd, errBadPayload)
		return
	}

	if _, ok := o.backends[kind]; !ok {
		o.refuse(cmd, errItemNotFound)
		return
	}

	o.evict(reg.User, reg.DeviceID)

	reg.Node = o.freshNode()
	p := &pendingRegistration{
		reg:       reg,
		secret:    randomString(secretLength, secretAlphabet),
		requester: cmd.From,
		requestID: cmd.ID,
		command:   cmd.Node,
	}
	o.pending[reg.Node] = p

	config := xmpp.NewForm(xmpp.FormTypeSubmit).
		Add(xmpp.FieldFormType, xmpp.FieldTypeHidden, xmpp.NSNodeConfig).
		Add("pubsub#secret", "", p.secret)
	o.track(xmpp.Operation{Kind: xmpp.CreateNode, Node: reg.Node, Config: config})

	metrics.CommandsTotal.WithLabelValues(o.cfg.Instance, cmd.Node, "accepted").Inc()
	o.logger.Info("Registration started",
		"node", reg.Node, "user", reg.User.BareString(), "device", reg.DeviceID, "backend", string(kind))
}

// evict drops any committed or provisioning registration of the device.
func (o *Orchestrator) evict(user xmpp.JID, deviceID string) {
	if old, ok := o.registry.FindByOwnerAndDevice(user, deviceID); ok {
		o.remove(old.Node, ownedBy(user), "replaced")
	}

	bare := user.BareString()
	for node, p := range o.pending {
		if p.reg.DeviceID != deviceID || p.reg.User.BareString() != bare {
			continue
		}
		o.out.SendCommandError(p.requester, p.requestID, p.command, xmpp.ActionExecute, errSuperseded)
		if p.completed&stepCreateNode != 0 {
			o.retract(node)
		} else {
			o.abandoned[node] = struct{}{}
		}
		delete(o.pending, node)
		metrics.RegistrationsTotal.WithLabelValues(o.cfg.Instance, string(p.reg.Backend), "replaced").Inc()
	}
}

// freshNode picks a node id not used by any registration.
func (o *Orchestrator) freshNode() string {
	for {
		node := randomString(nodeIDLength, nodeIDAlphabet)
		if _, taken := o.pending[node]; taken {
			continue
		}
		if _, taken := o.abandoned[node]; taken {
			continue
		}
		if _, taken := o.registry.Get(node); taken {
			continue
		}
		return node
	}
}

func randomString(n int, alphabet string) string {
	limit := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			panic(err)
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String()
}

func ownedBy(user xmpp.JID) func(registry.Registration) bool {
	bare := user.BareString()
	return func(r registry.Registration) bool {
		return r.User.BareString() == bare
	}
}
