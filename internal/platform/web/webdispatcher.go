// Package web serves the mozilla backend through the Web Push protocol
// (RFC 8030) with VAPID authentication.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
)

const (
	// DefaultTTL is how long the push service holds a message, in seconds.
	DefaultTTL  = 24 * 60 * 60
	httpTimeout = 10 * time.Second
)

type Config struct {
	PublicKey  string
	PrivateKey string
	// Subscriber is the contact address sent in the VAPID claims.
	Subscriber string
}

type Dispatcher struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client
}

func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		logger:     logger.With("component", "WebPushDispatcher"),
		httpClient: &http.Client{Timeout: httpTimeout},
	}
}

// Deliver posts each notification to the endpoint of its subscription.
func (d *Dispatcher) Deliver(ctx context.Context, batch []*dispatch.Notification) []*dispatch.Notification {
	return dispatch.DeliverEach(ctx, batch, d.send)
}

func (d *Dispatcher) send(ctx context.Context, n *dispatch.Notification) dispatch.Outcome {
	// The registration token is the subscription JSON the browser produced.
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(n.Token), &sub); err != nil || sub.Endpoint == "" {
		d.logger.Warn("Malformed web push subscription", "device", n.DeviceHash, "err", err)
		return dispatch.Rejected
	}

	payloadBytes, err := json.Marshal(n.Payload)
	if err != nil {
		d.logger.Error("Failed to marshal payload", "device", n.DeviceHash, "err", err)
		return dispatch.Rejected
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payloadBytes, &sub, &webpush.Options{
		Subscriber:      d.cfg.Subscriber,
		VAPIDPublicKey:  d.cfg.PublicKey,
		VAPIDPrivateKey: d.cfg.PrivateKey,
		TTL:             DefaultTTL,
		Urgency:         webpush.UrgencyNormal,
		HTTPClient:      d.httpClient,
	})
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			// Transport error (DNS, Timeout)
			d.logger.Error("WebPush transport error", "endpoint", sub.Endpoint, "err", err)
			return dispatch.Disconnected
		}
		// Encryption failed: the subscription keys are unusable.
		d.logger.Warn("WebPush subscription keys rejected", "device", n.DeviceHash, "err", err)
		return dispatch.Rejected
	}
	defer resp.Body.Close()

	return d.classify(resp.StatusCode, sub.Endpoint)
}

func (d *Dispatcher) classify(status int, endpoint string) dispatch.Outcome {
	switch {
	case status >= 200 && status < 300:
		return dispatch.Delivered
	case status == http.StatusNotFound || status == http.StatusGone || status == http.StatusRequestEntityTooLarge:
		// 404 and 410 mean the subscription is dead; 413 fails the same way on
		// every attempt.
		d.logger.Info("WebPush rejected", "status", status, "endpoint", endpoint)
		return dispatch.Rejected
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		d.logger.Warn("WebPush service unavailable", "status", status, "endpoint", endpoint)
		return dispatch.Retry
	default:
		// 400, 401 and 403 come back for a bad VAPID signature or key.
		d.logger.Error("WebPush refused our VAPID credentials", "status", status, "endpoint", endpoint)
		return dispatch.Retry
	}
}

// Subscription is a helper for building tokens: the JSON form clients
// register with.
func Subscription(endpoint, p256dh, auth string) (string, error) {
	raw, err := json.Marshal(webpush.Subscription{
		Endpoint: endpoint,
		Keys:     webpush.Keys{P256dh: p256dh, Auth: auth},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode subscription: %w", err)
	}
	return string(raw), nil
}
