// --- File: internal/storage/cache/store.go ---
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

// HashClient defines the subset of Redis commands we need.
type HashClient interface {
	// Load returns all fields of the hash stored at key.
	Load(ctx context.Context, key string) (map[string]string, error)
	// Replace atomically overwrites the hash with fields.
	Replace(ctx context.Context, key string, fields map[string]string) error
}

// RegistrationStore keeps the registrations of one component in a Redis
// hash keyed by node.
type RegistrationStore struct {
	client HashClient
	host   string
}

func NewRegistrationStore(client HashClient, host string) *RegistrationStore {
	return &RegistrationStore{client: client, host: host}
}

type record struct {
	User       string    `json:"user"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name,omitempty"`
	Token      string    `json:"token"`
	AppID      string    `json:"app_id,omitempty"`
	Backend    string    `json:"backend"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *RegistrationStore) Load(ctx context.Context) ([]registry.Registration, error) {
	fields, err := s.client.Load(ctx, s.key())
	if err != nil {
		return nil, fmt.Errorf("failed to load registrations: %w", err)
	}

	regs := make([]registry.Registration, 0, len(fields))
	for node, raw := range fields {
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode registration %s: %w", node, err)
		}
		user, err := xmpp.ParseJID(rec.User)
		if err != nil {
			return nil, fmt.Errorf("invalid user in registration %s: %w", node, err)
		}
		backend, err := dispatch.ParseBackendKind(rec.Backend)
		if err != nil {
			return nil, fmt.Errorf("invalid backend in registration %s: %w", node, err)
		}
		regs = append(regs, registry.Registration{
			Node:       node,
			User:       user,
			DeviceID:   rec.DeviceID,
			DeviceName: rec.DeviceName,
			Token:      rec.Token,
			AppID:      rec.AppID,
			Backend:    backend,
			Timestamp:  rec.CreatedAt,
		})
	}
	return regs, nil
}

func (s *RegistrationStore) Save(ctx context.Context, regs []registry.Registration) error {
	fields := make(map[string]string, len(regs))
	for _, r := range regs {
		raw, err := json.Marshal(record{
			User:       r.User.String(),
			DeviceID:   r.DeviceID,
			DeviceName: r.DeviceName,
			Token:      r.Token,
			AppID:      r.AppID,
			Backend:    string(r.Backend),
			CreatedAt:  r.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("failed to encode registration %s: %w", r.Node, err)
		}
		fields[r.Node] = string(raw)
	}
	if err := s.client.Replace(ctx, s.key(), fields); err != nil {
		return fmt.Errorf("failed to save registrations: %w", err)
	}
	return nil
}

func (s *RegistrationStore) key() string {
	return fmt.Sprintf("pushgw:registrations:%s", s.host)
}
