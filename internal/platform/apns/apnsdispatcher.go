// --- File: internal/platform/apns/apnsdispatcher.go ---
// Package apns delivers push notifications through the Apple Push
// Notification Service.
package apns

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"

	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
)

// NotificationExpiry bounds how long APNs stores an undeliverable push.
const NotificationExpiry = 24 * time.Hour

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

type Dispatcher struct {
	client APNSClient
	topic  string // The App Bundle ID; empty lets APNs take it from the certificate
	logger *slog.Logger
	now    func() time.Time
}

type Config struct {
	// CertFile is a PEM or PKCS#12 file holding the push certificate and key.
	CertFile string
	// AppName is the bundle id. "any" leaves the topic unset.
	AppName string
	// Sandbox selects the development gateway.
	Sandbox bool
}

// NewDispatcher loads the certificate immediately to fail fast on startup.
func NewDispatcher(cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	cert, err := loadCertificate(cfg.CertFile)
	if err != nil {
		return nil, err
	}

	client := apns2.NewClient(cert)
	if cfg.Sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}

	topic := cfg.AppName
	if topic == "any" {
		topic = ""
	}
	return &Dispatcher{
		client: client,
		topic:  topic,
		logger: logger.With("component", "APNSDispatcher"),
		now:    time.Now,
	}, nil
}

func loadCertificate(path string) (tls.Certificate, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		cert, err = certificate.FromP12File(path, "")
	default:
		cert, err = certificate.FromPemFile(path, "")
	}
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load APNs certificate %s: %w", path, err)
	}
	return cert, nil
}

// Deliver sends every notification in its own request. APNs HTTP/2 has no
// multicast endpoint.
func (d *Dispatcher) Deliver(ctx context.Context, batch []*dispatch.Notification) []*dispatch.Notification {
	return dispatch.DeliverEach(ctx, batch, d.send)
}

func (d *Dispatcher) send(ctx context.Context, n *dispatch.Notification) dispatch.Outcome {
	token, err := deviceToken(n.Token)
	if err != nil {
		d.logger.Warn("Malformed APNs device token", "device", n.DeviceHash, "err", err)
		return dispatch.Rejected
	}

	// Silent push: the app wakes up and fetches its messages itself.
	builder := payload.NewPayload().ContentAvailable()
	for k, v := range n.Payload {
		builder.Custom(k, v)
	}

	notification := &apns2.Notification{
		DeviceToken: token,
		Topic:       d.topic,
		Payload:     builder,
		Expiration:  d.now().Add(NotificationExpiry),
		Priority:    apns2.PriorityLow,
		PushType:    apns2.PushTypeBackground,
	}

	res, err := d.client.PushWithContext(ctx, notification)
	if err != nil {
		// Network/Transport Failure
		d.logger.Error("APNs transport failed", "device", n.DeviceHash, "err", err)
		return dispatch.Disconnected
	}

	if res.Sent() {
		return dispatch.Delivered
	}

	return d.classify(n, res)
}

func (d *Dispatcher) classify(n *dispatch.Notification, res *apns2.Response) dispatch.Outcome {
	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic,
		apns2.ReasonExpiredToken, apns2.ReasonPayloadTooLarge:
		d.logger.Info("APNs rejected notification", "device", n.DeviceHash, "reason", res.Reason, "status", res.StatusCode)
		return dispatch.Rejected
	}

	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= http.StatusInternalServerError:
		d.logger.Warn("APNs temporarily unavailable", "reason", res.Reason, "status", res.StatusCode)
	default:
		// BadCertificate, TopicDisallowed, Forbidden and the like: the token
		// might be fine, but our configuration is wrong.
		d.logger.Error("APNs refused our credentials", "device", n.DeviceHash, "reason", res.Reason, "status", res.StatusCode)
	}
	return dispatch.Retry
}

// deviceToken accepts the hex form APNs uses or the base64 form clients
// usually register with.
func deviceToken(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty token")
	}
	if _, err := hex.DecodeString(raw); err == nil {
		return strings.ToUpper(raw), nil
	}
	binary, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("token is neither hex nor base64: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(binary)), nil
}
