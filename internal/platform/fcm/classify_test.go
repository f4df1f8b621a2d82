package fcm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"

	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
)

type stubClient struct {
	resp *messaging.BatchResponse
}

func (s stubClient) SendEach(_ context.Context, _ []*messaging.Message) (*messaging.BatchResponse, error) {
	return s.resp, nil
}

var errNotRegistered = errors.New("requested entity was not found")

func TestDeliver_TokenErrorsUnregister(t *testing.T) {
	d := NewDispatcher(stubClient{resp: &messaging.BatchResponse{
		SuccessCount: 1,
		FailureCount: 2,
		Responses: []*messaging.SendResponse{
			{Success: false, Error: errNotRegistered},
			{Success: true, MessageID: "msg-1"},
			{Success: false, Error: errors.New("sender id mismatch")},
		},
	}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.classify = func(err error) dispatch.Outcome {
		if errors.Is(err, errNotRegistered) {
			return dispatch.Rejected
		}
		return dispatch.Retry
	}

	unregistered := map[string]int{}
	batch := make([]*dispatch.Notification, 3)
	for i, hash := range []string{"stale", "ok", "misconfigured"} {
		batch[i] = &dispatch.Notification{DeviceHash: hash, Token: hash, Unregister: func() { unregistered[hash]++ }}
	}

	retry := d.Deliver(context.Background(), batch)

	assert.Equal(t, []*dispatch.Notification{batch[2]}, retry)
	assert.Equal(t, map[string]int{"stale": 1}, unregistered)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, dispatch.Delivered, classify(nil))
	// Errors outside the FCM taxonomy never drop a device.
	assert.Equal(t, dispatch.Retry, classify(errors.New("boom")))
}
