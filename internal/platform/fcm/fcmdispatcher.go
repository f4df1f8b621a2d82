// --- File: internal/platform/fcm/fcmdispatcher.go ---
// Package fcm serves the gcm backend through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
)

const (
	// maxBatch is the SendEach limit of the FCM API.
	maxBatch = 500
	// maxDataSize is the largest data payload FCM accepts.
	maxDataSize = 4096
	// NotificationTTL bounds how long FCM stores an undeliverable message.
	NotificationTTL = 24 * time.Hour
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
}

type Dispatcher struct {
	client   MessagingClient
	logger   *slog.Logger
	classify func(error) dispatch.Outcome
}

// NewMessagingClient builds a Firebase messaging client from a service
// account file for the given project.
func NewMessagingClient(ctx context.Context, credentialsFile, projectID string) (*messaging.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
	}
	return client, nil
}

// NewDispatcher accepts the concrete client but stores it as the interface.
// Note: *messaging.Client automatically satisfies this interface.
func NewDispatcher(client MessagingClient, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:   client,
		logger:   logger.With("component", "FCMDispatcher"),
		classify: classify,
	}
}

// Deliver sends the batch in chunks of at most maxBatch messages.
func (d *Dispatcher) Deliver(ctx context.Context, batch []*dispatch.Notification) []*dispatch.Notification {
	var retry []*dispatch.Notification
	for start := 0; start < len(batch); start += maxBatch {
		end := min(start+maxBatch, len(batch))
		chunk := batch[start:end]

		br, err := d.client.SendEach(ctx, d.messages(chunk))
		if err != nil || br == nil || len(br.Responses) != len(chunk) {
			// The whole call failed; nothing after this point was attempted.
			d.logger.Error("FCM request failed", "err", err, "pending", len(batch)-start)
			return append(retry, batch[start:]...)
		}

		for i, resp := range br.Responses {
			if resp.Success {
				continue
			}
			switch d.classify(resp.Error) {
			case dispatch.Rejected:
				d.logger.Info("FCM rejected token", "device", chunk[i].DeviceHash, "err", resp.Error)
				chunk[i].Reject()
			default:
				d.logger.Error("FCM send failed", "device", chunk[i].DeviceHash, "err", resp.Error)
				retry = append(retry, chunk[i])
			}
		}
	}
	return retry
}

func (d *Dispatcher) messages(chunk []*dispatch.Notification) []*messaging.Message {
	ttl := NotificationTTL
	out := make([]*messaging.Message, 0, len(chunk))
	for _, n := range chunk {
		out = append(out, &messaging.Message{
			Token: n.Token,
			Data:  d.data(n),
			Android: &messaging.AndroidConfig{
				Priority: "high",
				TTL:      &ttl,
			},
		})
	}
	return out
}

// data drops the payload when it would exceed the FCM size limit; the app
// still wakes up and syncs.
func (d *Dispatcher) data(n *dispatch.Notification) map[string]string {
	encoded, err := json.Marshal(n.Payload)
	if err != nil || len(encoded) > maxDataSize {
		d.logger.Warn("FCM payload too large, sending without data", "device", n.DeviceHash, "size", len(encoded))
		return nil
	}
	return n.Payload
}

// classify maps a per-message error. Only errors about the token itself are
// final. Auth failures (third party credentials, sender id mismatch) and
// anything unknown are retried so a broken credential does not drop devices.
func classify(err error) dispatch.Outcome {
	switch {
	case err == nil:
		return dispatch.Delivered
	case messaging.IsUnregistered(err), messaging.IsInvalidArgument(err):
		return dispatch.Rejected
	default:
		return dispatch.Retry
	}
}
