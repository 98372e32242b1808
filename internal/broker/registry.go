package broker

import (
	"log/slog"
	"sync"
)

// ChannelRegistry owns the map of live channels and the auxiliary
// caller_source_id index, enforcing single-channel-per-key creation. All
// teardown ownership lives here: callers never remove entries directly.
type ChannelRegistry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[ChannelKey]*Channel
	sourceID map[string]ChannelKey

	// startMu serializes the miss-path of Start per fingerprint so two
	// concurrent callers racing on the same descriptor never spawn two
	// subprocesses.
	startMu sync.Map // ChannelKey -> *sync.Mutex
}

// NewChannelRegistry creates an empty registry.
func NewChannelRegistry(logger *slog.Logger) *ChannelRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelRegistry{
		logger:   logger,
		channels: make(map[ChannelKey]*Channel),
		sourceID: make(map[string]ChannelKey),
	}
}

// lockForKey returns the per-fingerprint mutex used to serialize the
// create-on-miss path, creating it on first use.
func (r *ChannelRegistry) lockForKey(key ChannelKey) *sync.Mutex {
	lock, _ := r.startMu.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Lookup returns the channel for a fingerprint, if one exists.
func (r *ChannelRegistry) Lookup(key ChannelKey) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[key]
	return ch, ok
}

// LookupBySourceID resolves a caller's opaque source ID to a channel.
func (r *ChannelRegistry) LookupBySourceID(sourceID string) (*Channel, bool) {
	r.mu.RLock()
	key, ok := r.sourceID[sourceID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Lookup(key)
}

// Insert adds a new channel under its fingerprint and indexes the
// caller's source ID against it. Callers must hold the per-key lock
// obtained via lockForKey across the whole create-on-miss sequence.
func (r *ChannelRegistry) Insert(ch *Channel, sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Key] = ch
	r.sourceID[sourceID] = ch.Key
}

// BindSourceID indexes an additional caller source ID against an
// already-registered channel (the dedup-on-Start path).
func (r *ChannelRegistry) BindSourceID(sourceID string, key ChannelKey) {
	r.mu.Lock()
	r.sourceID[sourceID] = key
	r.mu.Unlock()
}

// UnbindSourceID removes one caller's id -> key mapping without affecting
// the channel itself. This is the entire effect of Stop.
func (r *ChannelRegistry) UnbindSourceID(sourceID string) {
	r.mu.Lock()
	delete(r.sourceID, sourceID)
	r.mu.Unlock()
}

// Remove deletes a channel from the registry along with every source ID
// that currently maps to it. Called only by teardown.
func (r *ChannelRegistry) Remove(key ChannelKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, key)
	for id, k := range r.sourceID {
		if k == key {
			delete(r.sourceID, id)
		}
	}
	r.startMu.Delete(key)
}

// All returns a snapshot slice of every live channel.
func (r *ChannelRegistry) All() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// Count returns the number of live channels.
func (r *ChannelRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
