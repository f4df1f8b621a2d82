// Package component connects the gateway to an XMPP server as an external
// component (XEP-0114) and translates stanzas to and from the xmpp model.
package component

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

const (
	nsComponent = "jabber:component:accept"
	nsStreams   = "http://etherx.jabber.org/streams"

	streamHeader = "<?xml version='1.0'?><stream:stream xmlns='" + nsComponent +
		"' xmlns:stream='" + nsStreams + "' to='%s'>"
	streamFooter = "</stream:stream>"

	// DefaultReconnectInterval is the first delay before reconnecting.
	DefaultReconnectInterval = 10 * time.Second
	dialTimeout              = 10 * time.Second
)

type Config struct {
	// JID is the component's own address.
	JID xmpp.JID
	// Addr is the server's component port, host:port.
	Addr     string
	Password string

	ReconnectInterval time.Duration
}

// Component owns the stream to the server. Outbound stanzas are queued and
// survive reconnects. Inbound stanzas are delivered to the handler one at a
// time from the reading goroutine.
type Component struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	outbox [][]byte
	notify chan struct{}
}

func New(cfg Config, logger *slog.Logger) *Component {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	return &Component{
		cfg:    cfg,
		logger: logger.With("component", "XMPPComponent", "jid", cfg.JID.String()),
		notify: make(chan struct{}, 1),
	}
}

// SendOperation queues a pubsub request.
func (c *Component) SendOperation(op xmpp.Operation) {
	c.enqueue(operationIQ(c.cfg.JID, op))
}

// SendCommandCompleted queues a successful command reply.
func (c *Component) SendCommandCompleted(to xmpp.JID, id, node string, form *xmpp.Form) {
	c.enqueue(completedIQ(c.cfg.JID, to, id, node, form))
}

// SendCommandError queues a failed command reply.
func (c *Component) SendCommandError(to xmpp.JID, id, node, action string, cerr xmpp.CommandError) {
	c.enqueue(commandErrorIQ(c.cfg.JID, to, id, node, action, cerr))
}

var _ xmpp.Correlator = (*Component)(nil)

func (c *Component) enqueue(stanza any) {
	raw, err := xml.Marshal(stanza)
	if err != nil {
		c.logger.Error("Failed to encode stanza", "err", err)
		return
	}
	c.mu.Lock()
	c.outbox = append(c.outbox, raw)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Pending reports stanzas waiting to be written.
func (c *Component) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// Run keeps a session open until ctx is cancelled, reconnecting with
// exponential backoff whenever the stream fails.
func (c *Component) Run(ctx context.Context, handler xmpp.EventHandler) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectInterval
	bo.MaxInterval = 30 * c.cfg.ReconnectInterval
	bo.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := c.session(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > bo.MaxInterval {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		c.logger.Warn("Component stream lost, reconnecting", "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Component) session(ctx context.Context, handler xmpp.EventHandler) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.Addr, err)
	}

	w := &streamWriter{conn: conn}
	stop := context.AfterFunc(ctx, func() {
		_ = w.write([]byte(streamFooter))
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
	}()

	dec := xml.NewDecoder(conn)
	if err := c.handshake(w, dec); err != nil {
		return err
	}
	c.logger.Info("Component stream established", "server", c.cfg.Addr)

	writerCtx, cancelWriter := context.WithCancel(ctx)
	writerDone := make(chan error, 1)
	go func() { writerDone <- c.writeLoop(writerCtx, w) }()

	readErr := c.readLoop(dec, handler)

	cancelWriter()
	_ = conn.Close()
	if werr := <-writerDone; readErr == nil {
		readErr = werr
	}
	return readErr
}

func (c *Component) handshake(w *streamWriter, dec *xml.Decoder) error {
	if err := w.write([]byte(fmt.Sprintf(streamHeader, c.cfg.JID.String()))); err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}

	start, err := nextStart(dec)
	if err != nil {
		return fmt.Errorf("failed to read stream header: %w", err)
	}
	if start.Name.Local != "stream" || start.Name.Space != nsStreams {
		return fmt.Errorf("unexpected stream header %q", start.Name.Local)
	}
	var streamID string
	for _, attr := range start.Attr {
		if attr.Name.Local == "id" {
			streamID = attr.Value
		}
	}

	digest := sha1.Sum([]byte(streamID + c.cfg.Password))
	raw, err := xml.Marshal(handshake{Digest: hex.EncodeToString(digest[:])})
	if err != nil {
		return fmt.Errorf("failed to encode handshake: %w", err)
	}
	if err := w.write(raw); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	reply, err := nextStart(dec)
	if err != nil {
		return fmt.Errorf("failed to read handshake reply: %w", err)
	}
	if reply.Name.Local != "handshake" {
		return fmt.Errorf("handshake refused: %s", reply.Name.Local)
	}
	return dec.Skip()
}

// writeLoop drains the outbox. A stanza that could not be written is kept
// for the next session.
func (c *Component) writeLoop(ctx context.Context, w *streamWriter) error {
	for {
		c.mu.Lock()
		batch := c.outbox
		c.outbox = nil
		c.mu.Unlock()

		for i, raw := range batch {
			if err := w.write(raw); err != nil {
				c.mu.Lock()
				c.outbox = append(batch[i:len(batch):len(batch)], c.outbox...)
				c.mu.Unlock()
				return fmt.Errorf("failed to write stanza: %w", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.notify:
		}
	}
}

func (c *Component) readLoop(dec *xml.Decoder, handler xmpp.EventHandler) error {
	for {
		start, err := nextStart(dec)
		if err != nil {
			return err
		}

		switch start.Name.Local {
		case "iq":
			var stanza iq
			if err := dec.DecodeElement(&stanza, &start); err != nil {
				return fmt.Errorf("failed to decode iq: %w", err)
			}
			c.handleIQ(handler, &stanza)
		case "message":
			var stanza message
			if err := dec.DecodeElement(&stanza, &start); err != nil {
				return fmt.Errorf("failed to decode message: %w", err)
			}
			c.handleMessage(handler, &stanza)
		case "error":
			if start.Name.Space == nsStreams {
				_ = dec.Skip()
				return errors.New("stream error from server")
			}
			_ = dec.Skip()
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
}

func (c *Component) handleIQ(handler xmpp.EventHandler, stanza *iq) {
	from, err := xmpp.ParseJID(stanza.From)
	if err != nil {
		c.logger.Warn("Dropping iq with invalid sender", "from", stanza.From, "err", err)
		return
	}

	switch stanza.Type {
	case "set", "get":
		if stanza.Command == nil || stanza.Type != "set" {
			c.enqueue(errorReply(c.cfg.JID, stanza, "cancel", "service-unavailable"))
			return
		}
		action := stanza.Command.Action
		if action == "" {
			action = xmpp.ActionExecute
		}
		handler.HandleCommand(xmpp.Command{
			From:   from,
			ID:     stanza.ID,
			Node:   stanza.Command.Node,
			Action: action,
			Form:   decodeForm(stanza.Command.Form),
		})
	case "result":
		handler.HandleOperationResult(from, stanza.ID)
	case "error":
		var errType string
		var conditions []string
		if stanza.Error != nil {
			errType = stanza.Error.Type
			conditions = stanza.Error.conditions()
		}
		handler.HandleOperationError(from, stanza.ID, errType, conditions)
	default:
		c.logger.Debug("Ignoring iq with unknown type", "type", stanza.Type)
	}
}

func (c *Component) handleMessage(handler xmpp.EventHandler, stanza *message) {
	if stanza.Event == nil || stanza.Event.Items == nil {
		return
	}
	from, err := xmpp.ParseJID(stanza.From)
	if err != nil {
		c.logger.Warn("Dropping event with invalid sender", "from", stanza.From, "err", err)
		return
	}
	items := stanza.Event.Items
	for _, item := range items.Items {
		if item.Notification == nil {
			c.logger.Debug("Ignoring item without push notification", "node", items.Node)
			continue
		}
		handler.HandlePublishedItem(from, items.Node, decodeForm(item.Notification.Form))
	}
}

// nextStart returns the next start element. The end of the enclosing
// stream is reported as io.EOF.
func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.EndElement:
			return xml.StartElement{}, io.EOF
		}
	}
}

// streamWriter serialises writes to the connection.
type streamWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *streamWriter) write(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.conn.Write(b)
	return err
}
