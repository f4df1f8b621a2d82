package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/tinywideclouds/go-push-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

// Registration binds a device of a user to the pubsub node the gateway
// provisioned for it.
type Registration struct {
	Node       string
	User       xmpp.JID
	DeviceID   string
	DeviceName string
	Token      string
	AppID      string
	Backend    dispatch.BackendKind

	// Timestamp is taken when the registration is requested and identifies this
	// exact registration for delayed removals.
	Timestamp time.Time
}

// DeviceHash is the per-device key used to coalesce queued notifications.
func (r Registration) DeviceHash() string {
	return DeviceHash(r.User, r.DeviceID)
}

// DeviceHash derives a stable key from the owner's bare JID and the device id.
func DeviceHash(user xmpp.JID, deviceID string) string {
	sum := sha256.Sum256([]byte(user.BareString() + "\x00" + deviceID))
	return hex.EncodeToString(sum[:])
}

// Store persists the registry between runs. Save receives the complete set
// and replaces whatever was stored before.
type Store interface {
	Load(ctx context.Context) ([]Registration, error)
	Save(ctx context.Context, regs []Registration) error
}
