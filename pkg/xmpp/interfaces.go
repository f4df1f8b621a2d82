package xmpp

// Namespaces used on the wire.
const (
	NSCommands     = "http://jabber.org/protocol/commands"
	NSPubsub       = "http://jabber.org/protocol/pubsub"
	NSPubsubOwner  = "http://jabber.org/protocol/pubsub#owner"
	NSPubsubEvent  = "http://jabber.org/protocol/pubsub#event"
	NSNodeConfig   = "http://jabber.org/protocol/pubsub#node_config"
	NSPush         = "urn:xmpp:push:0"
	NSDataForms    = "jabber:x:data"
	NSStanzaErrors = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

// ActionExecute is the only ad-hoc command action the gateway accepts.
const ActionExecute = "execute"

// Command is an inbound ad-hoc command request.
type Command struct {
	From   JID
	ID     string
	Node   string
	Action string
	Form   *Form
}

// CommandError describes a failed command reply. AppCondition, when set, is
// qualified by the commands namespace.
type CommandError struct {
	Type         string
	Condition    string
	AppCondition string
}

// OperationKind enumerates the pubsub requests the gateway issues.
type OperationKind int

const (
	CreateNode OperationKind = iota + 1
	SetAffiliation
	Subscribe
	DeleteNode
)

func (k OperationKind) String() string {
	switch k {
	case CreateNode:
		return "create-node"
	case SetAffiliation:
		return "set-affiliation"
	case Subscribe:
		return "subscribe"
	case DeleteNode:
		return "delete-node"
	default:
		return "unknown"
	}
}

// Operation is a pubsub request addressed to Target.
//
// Config is sent with CreateNode. Affiliate and Affiliation are used by
// SetAffiliation. Subscriber is the JID subscribed by Subscribe.
type Operation struct {
	Kind        OperationKind
	ID          string
	Target      JID
	Node        string
	Config      *Form
	Affiliate   JID
	Affiliation string
	Subscriber  JID
}

// Correlator carries outbound traffic to the XMPP server. Implementations
// must not block the caller on network I/O.
type Correlator interface {
	SendOperation(op Operation)
	SendCommandCompleted(to JID, id, node string, form *Form)
	SendCommandError(to JID, id, node, action string, cerr CommandError)
}

// EventHandler consumes inbound traffic. Calls are made one at a time, in
// arrival order.
type EventHandler interface {
	HandleCommand(cmd Command)
	HandleOperationResult(from JID, id string)
	HandleOperationError(from JID, id, errorType string, conditions []string)
	HandlePublishedItem(from JID, node string, form *Form)
}
