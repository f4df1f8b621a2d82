// Package registry keeps the committed registrations of a gateway instance.
package registry

import (
	"sort"
	"sync"

	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

// Registry maps node ids to registrations. It is safe for concurrent use.
type Registry struct {
	mu   sync.Mutex
	regs map[string]Registration
}

func New() *Registry {
	return &Registry{regs: make(map[string]Registration)}
}

func (r *Registry) Get(node string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[node]
	return reg, ok
}

// Put inserts or replaces the registration stored under reg.Node.
func (r *Registry) Put(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[reg.Node] = reg
}

// Remove deletes the node and reports whether it was present.
func (r *Registry) Remove(node string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[node]; !ok {
		return false
	}
	delete(r.regs, node)
	return true
}

// RemoveIf deletes the node only if pred accepts the current value. The check
// and the removal happen under the same lock.
func (r *Registry) RemoveIf(node string, pred func(Registration) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[node]
	if !ok || !pred(reg) {
		return false
	}
	delete(r.regs, node)
	return true
}

// FindByOwnerAndDevice returns the registration of user's device, if any.
func (r *Registry) FindByOwnerAndDevice(user xmpp.JID, deviceID string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bare := user.BareString()
	for _, reg := range r.regs {
		if reg.DeviceID == deviceID && reg.User.BareString() == bare {
			return reg, true
		}
	}
	return Registration{}, false
}

// ScanByOwner returns every registration of user, ordered by node.
func (r *Registry) ScanByOwner(user xmpp.JID) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	bare := user.BareString()
	var out []Registration
	for _, reg := range r.regs {
		if reg.User.BareString() == bare {
			out = append(out, reg)
		}
	}
	sortByNode(out)
	return out
}

// Snapshot copies the whole registry, ordered by node.
func (r *Registry) Snapshot() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg)
	}
	sortByNode(out)
	return out
}

// Restore replaces the content with regs.
func (r *Registry) Restore(regs []Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = make(map[string]Registration, len(regs))
	for _, reg := range regs {
		r.regs[reg.Node] = reg
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}

func sortByNode(regs []Registration) {
	sort.Slice(regs, func(i, j int) bool { return regs[i].Node < regs[j].Node })
}
