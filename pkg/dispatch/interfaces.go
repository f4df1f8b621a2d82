// --- File: pkg/dispatch/interfaces.go ---
package dispatch

import (
	"context"
	"fmt"
)

// BackendKind names a push provider.
type BackendKind string

const (
	KindAPNS    BackendKind = "apns"
	KindGCM     BackendKind = "gcm"
	KindMozilla BackendKind = "mozilla"
	KindUbuntu  BackendKind = "ubuntu"
	KindWNS     BackendKind = "wns"
)

// Kinds lists every known backend kind.
var Kinds = []BackendKind{KindAPNS, KindGCM, KindMozilla, KindUbuntu, KindWNS}

// ParseBackendKind maps the textual form used in config and command node names.
func ParseBackendKind(s string) (BackendKind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown backend kind %q", s)
}

// Implemented reports whether a transport exists for the kind. wns is
// reserved and never served.
func (k BackendKind) Implemented() bool {
	return k != KindWNS && k != ""
}

// Notification is a unit of outbound work. DeviceHash identifies the target
// device and is the deduplication key for the backend queue.
type Notification struct {
	DeviceHash string
	Payload    map[string]string
	Token      string
	AppID      string

	// Unregister is invoked when the provider rejects the device permanently.
	// It may be nil.
	Unregister func()
}

// Transport delivers a batch for one backend. It returns the subset of the
// batch to attempt again after the retry period and calls Unregister on every
// notification the provider rejected for good.
type Transport interface {
	Deliver(ctx context.Context, batch []*Notification) []*Notification
}
