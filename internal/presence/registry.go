// Package presence tracks which identities currently hold a live
// connection. The registry is an explicitly-owned object injected into
// the server, so independent instances and tests stay isolated.
package presence

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

const (
	TypeOnline  = "online"
	TypeOffline = "offline"
)

// Event is emitted to subscribers whenever an identity's presence changes.
type Event struct {
	Type   string `json:"type"` // online|offline
	UserID int64  `json:"userId"`
}

// Registry is a concurrency-safe at-most-once-per-identity online set.
// Presence is one flag per identity, not a connection count: the first
// connect marks a user online and any disconnect marks it offline, even
// if other connections for the same identity remain. Known limitation,
// carried deliberately.
type Registry struct {
	mu        sync.Mutex
	online    map[int64]struct{}
	listeners []chan Event
}

func NewRegistry() *Registry {
	return &Registry{
		online:    make(map[int64]struct{}),
		listeners: make([]chan Event, 0),
	}
}

// Register adds userID to the online set (idempotent) and returns the
// resulting set, including the caller. Subscribers are notified on every
// register so late joiners always hear about active users.
func (r *Registry) Register(userID int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online[userID] = struct{}{}
	r.notifyLocked(Event{Type: TypeOnline, UserID: userID})
	return r.snapshotLocked()
}

// Unregister removes userID from the online set and notifies subscribers.
func (r *Registry) Unregister(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.online[userID]; !ok {
		return
	}
	delete(r.online, userID)
	r.notifyLocked(Event{Type: TypeOffline, UserID: userID})
}

// Online reports whether userID currently has a live connection.
func (r *Registry) Online(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.online[userID]
	return ok
}

// Snapshot returns the current online set, sorted for stable output.
func (r *Registry) Snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []int64 {
	ids := lo.Keys(r.online)
	slices.Sort(ids)
	return ids
}

// Subscribe returns a buffered channel of presence events.
func (r *Registry) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (r *Registry) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) notifyLocked(evt Event) {
	for _, ch := range r.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
