package web_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/internal/platform/web"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
)

// subscriptionFor builds a token with real browser-side keys so the payload
// encryption succeeds.
func subscriptionFor(t *testing.T, endpoint string) string {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	token, err := web.Subscription(endpoint,
		base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(auth))
	require.NoError(t, err)
	return token
}

func TestDeliver_Lifecycle(t *testing.T) {
	// 1. Setup Mock Push Service (Simulates Google/Mozilla Push Server)
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify VAPID Headers exist
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("TTL"))

		switch r.URL.Path {
		case "/success":
			w.WriteHeader(http.StatusCreated) // 201
		case "/expired":
			w.WriteHeader(http.StatusGone) // 410
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable) // 503
		case "/unauthorized":
			w.WriteHeader(http.StatusUnauthorized) // 401
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer mockServer.Close()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	dispatcher := web.NewDispatcher(web.Config{
		PrivateKey: privateKey,
		PublicKey:  publicKey,
		Subscriber: "test-runner@tinywideclouds.com",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	unregistered := map[string]int{}
	note := func(hash, token string) *dispatch.Notification {
		return &dispatch.Notification{
			DeviceHash: hash,
			Token:      token,
			Payload:    map[string]string{"message-count": "3"},
			Unregister: func() { unregistered[hash]++ },
		}
	}

	valid := note("valid", subscriptionFor(t, mockServer.URL+"/success"))
	expired := note("expired", subscriptionFor(t, mockServer.URL+"/expired"))
	busy := note("busy", subscriptionFor(t, mockServer.URL+"/busy"))
	unauthorized := note("unauthorized", subscriptionFor(t, mockServer.URL+"/unauthorized"))
	garbage := note("garbage", "not json")

	retry := dispatcher.Deliver(context.Background(), []*dispatch.Notification{valid, expired, busy, unauthorized, garbage})

	// A VAPID refusal is our misconfiguration: the device is kept and retried.
	assert.Equal(t, []*dispatch.Notification{busy, unauthorized}, retry)
	assert.Equal(t, map[string]int{"expired": 1, "garbage": 1}, unregistered)
}

func TestDeliver_UnreachableEndpointRetriesRest(t *testing.T) {
	// Closed server: the connection is refused.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	dispatcher := web.NewDispatcher(web.Config{PrivateKey: privateKey, PublicKey: publicKey, Subscriber: "ops@example.com"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	var unregistered int
	batch := []*dispatch.Notification{
		{DeviceHash: "a", Token: subscriptionFor(t, deadURL+"/a"), Unregister: func() { unregistered++ }},
		{DeviceHash: "b", Token: subscriptionFor(t, deadURL+"/b"), Unregister: func() { unregistered++ }},
	}

	retry := dispatcher.Deliver(context.Background(), batch)

	assert.Equal(t, batch, retry)
	assert.Zero(t, unregistered)
}
