package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/internal/storage/file"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := file.NewStore(dir, "push.example.com")

	t.Run("Missing file loads empty", func(t *testing.T) {
		regs, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, regs)
	})

	ts := time.Date(2024, 5, 1, 12, 30, 0, 123, time.UTC)
	want := []registry.Registration{
		{
			Node:       "node-1",
			User:       xmpp.MustParseJID("alice@example.com/phone"),
			DeviceID:   "d1",
			DeviceName: "Alice's\nphone \\ v2",
			Token:      "0102abcd",
			AppID:      "any",
			Backend:    dispatch.KindAPNS,
			Timestamp:  ts,
		},
		{
			Node:       "node-2",
			User:       xmpp.MustParseJID("bob@example.com"),
			DeviceID:   "d9",
			DeviceName: "Phone\r",
			Token:      "fcm-token\r\\r",
			Backend:    dispatch.KindGCM,
			Timestamp:  ts.Add(time.Hour),
		},
	}

	t.Run("Save then load", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, want))
		assert.FileExists(t, filepath.Join(dir, "push.example.com"))

		got, err := store.Load(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		for i := range want {
			assert.Equal(t, want[i].Node, got[i].Node)
			assert.Equal(t, want[i].User, got[i].User)
			assert.Equal(t, want[i].DeviceName, got[i].DeviceName)
			assert.Equal(t, want[i].Token, got[i].Token)
			assert.Equal(t, want[i].Backend, got[i].Backend)
			assert.True(t, want[i].Timestamp.Equal(got[i].Timestamp))
		}
	})

	t.Run("Save replaces previous content", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, want[1:]))
		got, err := store.Load(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "node-2", got[0].Node)
	})
}

func TestStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "push.example.com"), []byte("node-1\nalice\nexample.com\n"), 0o600))

	_, err := file.NewStore(dir, "push.example.com").Load(context.Background())
	assert.Error(t, err)
}
