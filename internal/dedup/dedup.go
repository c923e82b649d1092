// Package dedup implements the notificationId window that absorbs duplicate
// domain-event triggers.
package dedup

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is how long a processed notificationId suppresses repeats.
const DefaultWindow = 2 * time.Minute

// Store claims keys for the duration of a dispatch.
//
// Claim returns false when the key is already being processed or was
// completed within the window. Complete keeps the mark for ttl. Release drops
// the mark so a later call can retry.
type Store interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Complete(ctx context.Context, key string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// Key builds the dedup key for one notification sent to one user.
func Key(userID, notificationID string) string {
	return userID + ":" + notificationID
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	Now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time), Now: time.Now}
}

func (m *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultWindow
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	if expires, ok := m.entries[key]; ok && now.Before(expires) {
		return false, nil
	}
	m.entries[key] = now.Add(ttl)
	m.gc(now)
	return true, nil
}

func (m *MemoryStore) Complete(_ context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultWindow
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = m.Now().Add(ttl)
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// gc drops expired entries. Callers hold mu.
func (m *MemoryStore) gc(now time.Time) {
	for key, expires := range m.entries {
		if !now.Before(expires) {
			delete(m.entries, key)
		}
	}
}
