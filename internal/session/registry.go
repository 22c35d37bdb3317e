package session

import (
	"log/slog"
	"sync"
	"time"
)

// Registry maps client keys to their active channel. At most one channel is
// held per key; registering over an existing key tears the old channel down
// (last writer wins).
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*entry
	log      *slog.Logger
}

type entry struct {
	channel     Channel
	connectedAt time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		channels: make(map[string]*entry),
		log:      log,
	}
}

// Register binds ch to key. Any previously registered channel for the same
// key is closed so stale browser tabs cannot hold the slot.
func (r *Registry) Register(key string, ch Channel) {
	r.mu.Lock()
	old := r.channels[key]
	r.channels[key] = &entry{channel: ch, connectedAt: time.Now()}
	r.mu.Unlock()

	if old != nil && old.channel != ch {
		old.channel.Close()
		r.log.Info("session.replaced", "key", ObfuscateKey(key))
	} else {
		r.log.Info("session.registered", "key", ObfuscateKey(key))
	}
}

// Lookup returns the channel currently bound to key, if any.
func (r *Registry) Lookup(key string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.channels[key]
	if !ok {
		return nil, false
	}
	return e.channel, true
}

// Unregister removes key only if ch is still the bound channel. A channel
// that was already replaced must not evict its successor.
func (r *Registry) Unregister(key string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.channels[key]; ok && e.channel == ch {
		delete(r.channels, key)
		r.log.Info("session.unregistered", "key", ObfuscateKey(key))
	}
}

// Count returns the number of registered channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
