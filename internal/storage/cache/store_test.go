// --- File: internal/storage/cache/store_test.go ---
package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/internal/storage/cache"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

// --- Mocks ---
type MockHash struct {
	mock.Mock
}

func (m *MockHash) Load(ctx context.Context, key string) (map[string]string, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

func (m *MockHash) Replace(ctx context.Context, key string, fields map[string]string) error {
	return m.Called(ctx, key, fields).Error(0)
}

const key = "pushgw:registrations:push.example.com"

func TestRegistrationStore(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reg := registry.Registration{
		Node:       "node-1",
		User:       xmpp.MustParseJID("alice@example.com/phone"),
		DeviceID:   "d1",
		DeviceName: "phone",
		Token:      "tok",
		AppID:      "com.example.chat",
		Backend:    dispatch.KindUbuntu,
		Timestamp:  ts,
	}

	t.Run("Save writes one field per node", func(t *testing.T) {
		mockHash := new(MockHash)
		store := cache.NewRegistrationStore(mockHash, "push.example.com")

		var saved map[string]string
		mockHash.On("Replace", ctx, key, mock.Anything).Run(func(args mock.Arguments) {
			saved = args.Get(2).(map[string]string)
		}).Return(nil)

		require.NoError(t, store.Save(ctx, []registry.Registration{reg}))
		require.Contains(t, saved, "node-1")
		assert.JSONEq(t, `{
			"user":"alice@example.com/phone","device_id":"d1","device_name":"phone",
			"token":"tok","app_id":"com.example.chat","backend":"ubuntu",
			"created_at":"2024-05-01T12:00:00Z"}`, saved["node-1"])

		// Feed the written hash back through Load.
		mockHash.On("Load", ctx, key).Return(saved, nil)
		regs, err := store.Load(ctx)
		require.NoError(t, err)
		require.Len(t, regs, 1)
		assert.Equal(t, reg.User, regs[0].User)
		assert.Equal(t, reg.Backend, regs[0].Backend)
		assert.True(t, ts.Equal(regs[0].Timestamp))
	})

	t.Run("Save with an empty registry clears the hash", func(t *testing.T) {
		mockHash := new(MockHash)
		store := cache.NewRegistrationStore(mockHash, "push.example.com")
		mockHash.On("Replace", ctx, key, map[string]string{}).Return(nil)

		require.NoError(t, store.Save(ctx, nil))
		mockHash.AssertExpectations(t)
	})

	t.Run("Load propagates errors", func(t *testing.T) {
		mockHash := new(MockHash)
		store := cache.NewRegistrationStore(mockHash, "push.example.com")
		mockHash.On("Load", ctx, key).Return(nil, errors.New("connection refused"))

		_, err := store.Load(ctx)
		assert.Error(t, err)
	})

	t.Run("Corrupt record fails the load", func(t *testing.T) {
		mockHash := new(MockHash)
		store := cache.NewRegistrationStore(mockHash, "push.example.com")
		mockHash.On("Load", ctx, key).Return(map[string]string{"node-1": "{"}, nil)

		_, err := store.Load(ctx)
		assert.Error(t, err)
	})
}
