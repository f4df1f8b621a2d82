// --- File: internal/platform/fcm/dispatcher_test.go ---
package fcm_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/tinywideclouds/go-push-gateway/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
)

// MockClient satisfies the MessagingClient interface
type MockClient struct {
	mock.Mock
}

func (m *MockClient) SendEach(ctx context.Context, msgs []*messaging.Message) (*messaging.BatchResponse, error) {
	args := m.Called(ctx, msgs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*messaging.BatchResponse), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func batchOf(n int, unregistered *int) []*dispatch.Notification {
	out := make([]*dispatch.Notification, n)
	for i := range out {
		out[i] = &dispatch.Notification{
			DeviceHash: fmt.Sprintf("dev-%d", i),
			Token:      fmt.Sprintf("token-%d", i),
			Payload:    map[string]string{"message-count": "1"},
			Unregister: func() { *unregistered++ },
		}
	}
	return out
}

func successes(n int) *messaging.BatchResponse {
	br := &messaging.BatchResponse{SuccessCount: n}
	for i := 0; i < n; i++ {
		br.Responses = append(br.Responses, &messaging.SendResponse{Success: true, MessageID: fmt.Sprintf("msg-%d", i)})
	}
	return br
}

func TestFCMDeliver_Lifecycle(t *testing.T) {
	logger := newTestLogger()
	ctx := context.Background()

	t.Run("Happy Path - All Success", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)

		mockClient.On("SendEach", ctx, mock.MatchedBy(func(msgs []*messaging.Message) bool {
			return len(msgs) == 2 &&
				msgs[0].Token == "token-0" &&
				msgs[0].Data["message-count"] == "1" &&
				msgs[0].Android != nil &&
				*msgs[0].Android.TTL == fcm.NotificationTTL
		})).Return(successes(2), nil)

		var unregistered int
		retry := dispatcher.Deliver(ctx, batchOf(2, &unregistered))

		assert.Empty(t, retry)
		assert.Zero(t, unregistered)
		mockClient.AssertExpectations(t)
	})

	t.Run("Transport Failure (Retryable)", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)

		// Arrange: Whole batch fails (e.g. DNS error)
		mockClient.On("SendEach", ctx, mock.Anything).Return(nil, errors.New("network down"))

		var unregistered int
		batch := batchOf(3, &unregistered)
		retry := dispatcher.Deliver(ctx, batch)

		assert.Equal(t, batch, retry)
		assert.Zero(t, unregistered)
	})

	t.Run("Unclassified send error is retried", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)

		// A credential problem surfaces as an error that says nothing about
		// the token; the device must be kept.
		mockResponse := &messaging.BatchResponse{
			SuccessCount: 1,
			FailureCount: 1,
			Responses: []*messaging.SendResponse{
				{Success: true, MessageID: "msg-1"},
				{Success: false, Error: errors.New("auth error from APNS or Web Push Service")},
			},
		}
		mockClient.On("SendEach", ctx, mock.Anything).Return(mockResponse, nil)

		var unregistered int
		batch := batchOf(2, &unregistered)
		retry := dispatcher.Deliver(ctx, batch)

		assert.Equal(t, batch[1:], retry)
		assert.Zero(t, unregistered)
	})

	t.Run("Large batches are chunked", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)

		mockClient.On("SendEach", ctx, mock.MatchedBy(func(msgs []*messaging.Message) bool {
			return len(msgs) == 500
		})).Return(successes(500), nil).Once()
		mockClient.On("SendEach", ctx, mock.MatchedBy(func(msgs []*messaging.Message) bool {
			return len(msgs) == 20
		})).Return(nil, errors.New("connection reset")).Once()

		var unregistered int
		batch := batchOf(520, &unregistered)
		retry := dispatcher.Deliver(ctx, batch)

		assert.Equal(t, batch[500:], retry)
		assert.Zero(t, unregistered)
		mockClient.AssertExpectations(t)
	})

	t.Run("Oversized payload is sent without data", func(t *testing.T) {
		mockClient := new(MockClient)
		dispatcher := fcm.NewDispatcher(mockClient, logger)

		mockClient.On("SendEach", ctx, mock.MatchedBy(func(msgs []*messaging.Message) bool {
			return len(msgs) == 1 && msgs[0].Data == nil
		})).Return(successes(1), nil)

		var unregistered int
		batch := batchOf(1, &unregistered)
		batch[0].Payload["last-message-body"] = strings.Repeat("x", 5000)
		retry := dispatcher.Deliver(ctx, batch)

		assert.Empty(t, retry)
		mockClient.AssertExpectations(t)
	})
}
