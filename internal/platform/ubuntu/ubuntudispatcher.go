// Package ubuntu delivers notifications through the Ubuntu Push HTTP API.
package ubuntu

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
)

const (
	DefaultEndpoint    = "https://push.ubuntu.com/notify"
	NotificationExpiry = 24 * time.Hour
	httpTimeout        = 10 * time.Second

	errTooManyPending = "too-many-pending"
)

type Config struct {
	// Endpoint overrides DefaultEndpoint.
	Endpoint string
	// CertFile is a PEM file holding both the client certificate and its key.
	CertFile string
}

type notifyRequest struct {
	AppID        string            `json:"appid"`
	ExpireOn     string            `json:"expire_on"`
	Token        string            `json:"token"`
	ClearPending bool              `json:"clear_pending"`
	Data         map[string]string `json:"data"`
}

type notifyError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type Dispatcher struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Dispatcher)

// WithHTTPClient replaces the certificate-bearing client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

func NewDispatcher(cfg Config, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		endpoint: cfg.Endpoint,
		logger:   logger.With("component", "UbuntuDispatcher"),
		now:      time.Now,
	}
	if d.endpoint == "" {
		d.endpoint = DefaultEndpoint
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.httpClient != nil {
		return d, nil
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.CertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load Ubuntu push certificate %s: %w", cfg.CertFile, err)
		}
		transport.TLSClientConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}
	d.httpClient = &http.Client{Transport: transport, Timeout: httpTimeout}
	return d, nil
}

func (d *Dispatcher) Deliver(ctx context.Context, batch []*dispatch.Notification) []*dispatch.Notification {
	return dispatch.DeliverEach(ctx, batch, d.send)
}

func (d *Dispatcher) send(ctx context.Context, n *dispatch.Notification) dispatch.Outcome {
	req := notifyRequest{
		AppID:    n.AppID,
		ExpireOn: d.now().Add(NotificationExpiry).UTC().Format(time.RFC3339),
		Token:    n.Token,
		Data:     n.Payload,
	}
	if req.Data == nil {
		req.Data = map[string]string{}
	}

	outcome, tooManyPending := d.post(ctx, req, n.DeviceHash)
	if tooManyPending {
		// The device's queue is full. Replace it with this notification.
		req.ClearPending = true
		outcome, _ = d.post(ctx, req, n.DeviceHash)
	}
	return outcome
}

func (d *Dispatcher) post(ctx context.Context, body notifyRequest, device string) (dispatch.Outcome, bool) {
	raw, err := json.Marshal(body)
	if err != nil {
		d.logger.Error("Failed to marshal notification", "device", device, "err", err)
		return dispatch.Rejected, false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(raw))
	if err != nil {
		d.logger.Error("Failed to build request", "endpoint", d.endpoint, "err", err)
		return dispatch.Disconnected, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Error("Ubuntu push transport error", "endpoint", d.endpoint, "err", err)
		return dispatch.Disconnected, false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return dispatch.Delivered, false
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		d.logger.Warn("Ubuntu push temporarily unavailable", "status", resp.StatusCode)
		return dispatch.Retry, false
	}

	var reply notifyError
	_ = json.NewDecoder(resp.Body).Decode(&reply)
	if reply.Error == errTooManyPending {
		return dispatch.Retry, !body.ClearPending
	}
	if resp.StatusCode == http.StatusBadRequest {
		d.logger.Info("Ubuntu push rejected notification", "device", device, "status", resp.StatusCode, "error", reply.Error)
		return dispatch.Rejected, false
	}
	// 401/403 and other refusals point at our certificate or endpoint, not
	// at the token.
	d.logger.Error("Ubuntu push refused request", "device", device, "status", resp.StatusCode, "error", reply.Error)
	return dispatch.Retry, false
}
