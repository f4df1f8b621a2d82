//go:build integration

package firestore_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fs "github.com/tinywideclouds/go-push-gateway/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

func setupSuite(t *testing.T) (context.Context, *firestore.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	projectID := "test-registration-store"
	conn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	client, err := firestore.NewClient(ctx, projectID, conn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return ctx, client
}

func TestRegistrationStore_Integration(t *testing.T) {
	ctx, client := setupSuite(t)
	store := fs.NewFirestoreStore(client, "push.example.com")
	other := fs.NewFirestoreStore(client, "push2.example.com")

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	alice := registry.Registration{
		Node:       "node-a",
		User:       xmpp.MustParseJID("alice@example.com/phone"),
		DeviceID:   "d1",
		DeviceName: "phone",
		Token:      "tok-a",
		AppID:      "any",
		Backend:    dispatch.KindAPNS,
		Timestamp:  ts,
	}
	bob := registry.Registration{
		Node:      "node-b",
		User:      xmpp.MustParseJID("bob@example.com"),
		DeviceID:  "d2",
		Token:     "tok-b",
		Backend:   dispatch.KindGCM,
		Timestamp: ts,
	}

	t.Run("Empty collection loads nothing", func(t *testing.T) {
		regs, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, regs)
	})

	t.Run("Save and Load", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, []registry.Registration{alice, bob}))

		regs, err := store.Load(ctx)
		require.NoError(t, err)
		require.Len(t, regs, 2)
		byNode := map[string]registry.Registration{}
		for _, r := range regs {
			byNode[r.Node] = r
		}
		assert.Equal(t, alice.User, byNode["node-a"].User)
		assert.Equal(t, "phone", byNode["node-a"].DeviceName)
		assert.Equal(t, dispatch.KindGCM, byNode["node-b"].Backend)
		assert.True(t, ts.Equal(byNode["node-b"].Timestamp))
	})

	t.Run("Save removes stale registrations", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, []registry.Registration{bob}))

		regs, err := store.Load(ctx)
		require.NoError(t, err)
		require.Len(t, regs, 1)
		assert.Equal(t, "node-b", regs[0].Node)
	})

	t.Run("Components are isolated", func(t *testing.T) {
		regs, err := other.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, regs)
	})
}
