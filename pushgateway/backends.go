// --- File: pushgateway/backends.go ---
package pushgateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-push-gateway/internal/platform/apns"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/ubuntu"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/web"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
)

// NewTransport builds the delivery client for one configured backend.
func NewTransport(ctx context.Context, b config.BackendConfig, logger *slog.Logger) (dispatch.Transport, error) {
	logger = logger.With("backend", b.Type)

	switch b.Kind() {
	case dispatch.KindAPNS:
		return apns.NewDispatcher(apns.Config{
			CertFile: b.CertFile,
			AppName:  b.AppName,
			Sandbox:  b.Sandbox,
		}, logger)

	case dispatch.KindGCM:
		// auth_key names the Firebase project; certfile holds the service
		// account credentials, or ADC is used when empty.
		client, err := fcm.NewMessagingClient(ctx, b.CertFile, b.AuthKey)
		if err != nil {
			return nil, err
		}
		return fcm.NewDispatcher(client, logger), nil

	case dispatch.KindUbuntu:
		return ubuntu.NewDispatcher(ubuntu.Config{
			Endpoint: b.Endpoint,
			CertFile: b.CertFile,
		}, logger)

	case dispatch.KindMozilla:
		return web.NewDispatcher(web.Config{
			PublicKey:  b.Vapid.PublicKey,
			PrivateKey: b.Vapid.PrivateKey,
			Subscriber: b.Vapid.Subscriber,
		}, logger), nil

	default:
		return nil, fmt.Errorf("backend type %q is not supported", b.Type)
	}
}

// NewTransports builds every backend of a component. Any failure fails the
// whole component.
func NewTransports(ctx context.Context, c config.ComponentConfig, logger *slog.Logger) (map[dispatch.BackendKind]dispatch.Transport, error) {
	transports := make(map[dispatch.BackendKind]dispatch.Transport, len(c.Backends))
	for _, b := range c.Backends {
		t, err := NewTransport(ctx, b, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s backend: %w", b.Type, err)
		}
		transports[b.Kind()] = t
	}
	return transports, nil
}
