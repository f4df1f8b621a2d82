package component

import (
	"encoding/xml"

	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

// Wire representation of the stanzas the gateway sends and receives.

type dataForm struct {
	XMLName xml.Name    `xml:"jabber:x:data x"`
	Type    string      `xml:"type,attr,omitempty"`
	Fields  []formField `xml:"field"`
	Items   []formItem  `xml:"item"`
}

type formField struct {
	Var    string   `xml:"var,attr,omitempty"`
	Type   string   `xml:"type,attr,omitempty"`
	Values []string `xml:"value"`
}

type formItem struct {
	Fields []formField `xml:"field"`
}

type iq struct {
	XMLName xml.Name     `xml:"iq"`
	Type    string       `xml:"type,attr"`
	ID      string       `xml:"id,attr"`
	From    string       `xml:"from,attr,omitempty"`
	To      string       `xml:"to,attr,omitempty"`
	Command *command     `xml:"http://jabber.org/protocol/commands command,omitempty"`
	Pubsub  *pubsub      `xml:"http://jabber.org/protocol/pubsub pubsub,omitempty"`
	Owner   *pubsubOwner `xml:"http://jabber.org/protocol/pubsub#owner pubsub,omitempty"`
	Error   *stanzaError `xml:"error,omitempty"`
}

type command struct {
	Node      string    `xml:"node,attr"`
	Action    string    `xml:"action,attr,omitempty"`
	Status    string    `xml:"status,attr,omitempty"`
	SessionID string    `xml:"sessionid,attr,omitempty"`
	Form      *dataForm `xml:"jabber:x:data x,omitempty"`
}

type pubsub struct {
	Create    *nodeRef      `xml:"create,omitempty"`
	Configure *configure    `xml:"configure,omitempty"`
	Subscribe *subscription `xml:"subscribe,omitempty"`
}

type pubsubOwner struct {
	Delete       *nodeRef      `xml:"delete,omitempty"`
	Affiliations *affiliations `xml:"affiliations,omitempty"`
}

type nodeRef struct {
	Node string `xml:"node,attr"`
}

type configure struct {
	Form *dataForm `xml:"jabber:x:data x,omitempty"`
}

type subscription struct {
	Node string `xml:"node,attr"`
	JID  string `xml:"jid,attr"`
}

type affiliations struct {
	Node  string        `xml:"node,attr"`
	Items []affiliation `xml:"affiliation"`
}

type affiliation struct {
	JID         string `xml:"jid,attr"`
	Affiliation string `xml:"affiliation,attr"`
}

type stanzaError struct {
	Type     string      `xml:"type,attr"`
	Children []condition `xml:",any"`
}

type condition struct {
	XMLName xml.Name
}

type message struct {
	XMLName xml.Name `xml:"message"`
	ID      string   `xml:"id,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	Event   *event   `xml:"http://jabber.org/protocol/pubsub#event event"`
}

type event struct {
	Items *eventItems `xml:"items"`
}

type eventItems struct {
	Node  string      `xml:"node,attr"`
	Items []eventItem `xml:"item"`
}

type eventItem struct {
	ID           string            `xml:"id,attr,omitempty"`
	Notification *pushNotification `xml:"urn:xmpp:push:0 notification"`
}

type pushNotification struct {
	Form *dataForm `xml:"jabber:x:data x"`
}

type handshake struct {
	XMLName xml.Name `xml:"handshake"`
	Digest  string   `xml:",chardata"`
}

func encodeForm(f *xmpp.Form) *dataForm {
	if f == nil {
		return nil
	}
	out := &dataForm{Type: f.Type, Fields: encodeFields(f.Fields)}
	for _, item := range f.Items {
		out.Items = append(out.Items, formItem{Fields: encodeFields(item.Fields)})
	}
	return out
}

func encodeFields(fields []xmpp.Field) []formField {
	out := make([]formField, 0, len(fields))
	for _, f := range fields {
		out = append(out, formField{Var: f.Var, Type: f.Type, Values: f.Values})
	}
	return out
}

func decodeForm(f *dataForm) *xmpp.Form {
	if f == nil {
		return nil
	}
	out := &xmpp.Form{Type: f.Type, Fields: decodeFields(f.Fields)}
	for _, item := range f.Items {
		out.Items = append(out.Items, xmpp.Item{Fields: decodeFields(item.Fields)})
	}
	return out
}

func decodeFields(fields []formField) []xmpp.Field {
	out := make([]xmpp.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, xmpp.Field{Var: f.Var, Type: f.Type, Values: f.Values})
	}
	return out
}

// conditions lists the defined conditions of an error, skipping <text/>.
func (e *stanzaError) conditions() []string {
	var out []string
	for _, c := range e.Children {
		if c.XMLName.Local == "text" {
			continue
		}
		out = append(out, c.XMLName.Local)
	}
	return out
}

func newStanzaError(errType, cond, appCond string) *stanzaError {
	e := &stanzaError{Type: errType}
	e.Children = append(e.Children, condition{XMLName: xml.Name{Space: xmpp.NSStanzaErrors, Local: cond}})
	if appCond != "" {
		e.Children = append(e.Children, condition{XMLName: xml.Name{Space: xmpp.NSCommands, Local: appCond}})
	}
	return e
}

func operationIQ(from xmpp.JID, op xmpp.Operation) *iq {
	out := &iq{Type: "set", ID: op.ID, From: from.String(), To: op.Target.String()}
	switch op.Kind {
	case xmpp.CreateNode:
		out.Pubsub = &pubsub{
			Create:    &nodeRef{Node: op.Node},
			Configure: &configure{Form: encodeForm(op.Config)},
		}
	case xmpp.Subscribe:
		out.Pubsub = &pubsub{Subscribe: &subscription{Node: op.Node, JID: op.Subscriber.String()}}
	case xmpp.SetAffiliation:
		out.Owner = &pubsubOwner{Affiliations: &affiliations{
			Node:  op.Node,
			Items: []affiliation{{JID: op.Affiliate.String(), Affiliation: op.Affiliation}},
		}}
	case xmpp.DeleteNode:
		out.Owner = &pubsubOwner{Delete: &nodeRef{Node: op.Node}}
	}
	return out
}

func completedIQ(from, to xmpp.JID, id, node string, form *xmpp.Form) *iq {
	return &iq{
		Type: "result",
		ID:   id,
		From: from.String(),
		To:   to.String(),
		Command: &command{
			Node:   node,
			Status: "completed",
			Form:   encodeForm(form),
		},
	}
}

func commandErrorIQ(from, to xmpp.JID, id, node, action string, cerr xmpp.CommandError) *iq {
	return &iq{
		Type:    "error",
		ID:      id,
		From:    from.String(),
		To:      to.String(),
		Command: &command{Node: node, Action: action},
		Error:   newStanzaError(cerr.Type, cerr.Condition, cerr.AppCondition),
	}
}

func errorReply(from xmpp.JID, req *iq, errType, cond string) *iq {
	return &iq{
		Type:  "error",
		ID:    req.ID,
		From:  from.String(),
		To:    req.From,
		Error: newStanzaError(errType, cond, ""),
	}
}
