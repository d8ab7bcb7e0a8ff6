// Package cached decorates a backend with a per-sequence result cache.
package cached

import (
	"context"
	"sync"
	"time"
)

// Store is a byte-oriented key/value cache.
type Store interface {
	// GetMany returns one value per key, nil for a miss.
	GetMany(ctx context.Context, keys []string) ([][]byte, error)
	// SetMany writes values[i] under keys[i] with the given time to live.
	// A zero ttl means no expiry.
	SetMany(ctx context.Context, keys []string, values [][]byte, ttl time.Duration) error
	Close() error
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// MemoryStore is an in-process Store bounded to MaxEntries. When full, an
// arbitrary entry is evicted. Safe for concurrent use.
type MemoryStore struct {
	MaxEntries int

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStore returns an empty store. A non-positive maxEntries means
// unbounded.
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{MaxEntries: maxEntries, entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) GetMany(_ context.Context, keys []string) ([][]byte, error) {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		e, ok := m.entries[k]
		if !ok || (!e.expires.IsZero() && now.After(e.expires)) {
			continue
		}
		out[i] = e.value
	}
	return out, nil
}

func (m *MemoryStore) SetMany(_ context.Context, keys []string, values [][]byte, ttl time.Duration) error {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, k := range keys {
		if _, exists := m.entries[k]; !exists && m.MaxEntries > 0 && len(m.entries) >= m.MaxEntries {
			for victim := range m.entries {
				delete(m.entries, victim)
				break
			}
		}
		m.entries[k] = memoryEntry{value: values[i], expires: expires}
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) Close() error {
	return nil
}
