package subscriptions

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]Subscription

	// Now is the store's clock.
	Now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]Subscription),
		Now:  time.Now,
	}
}

func (m *MemoryStore) Upsert(_ context.Context, sub Subscription) (Subscription, Action, error) {
	now := m.Now()
	sub.ID = SubscriptionID(sub.UserID, sub.DeviceID)
	sub.Status = StatusActive
	sub.LastError = ""
	sub.LastErrorAt = time.Time{}

	m.mu.Lock()
	defer m.mu.Unlock()

	action := ActionCreated
	if existing, ok := m.subs[sub.ID]; ok {
		action = ActionUpdated
		sub.CreatedAt = existing.CreatedAt
		if sub.LastUsedAt.IsZero() {
			sub.LastUsedAt = existing.LastUsedAt
		}
	} else {
		sub.CreatedAt = now
	}

	m.subs[sub.ID] = sub
	return sub, action, nil
}

func (m *MemoryStore) ListActive(_ context.Context, userID string) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID && sub.Active() {
			out = append(out, sub)
		}
	}
	sortByLastUsed(out)
	return out, nil
}

func (m *MemoryStore) MarkInactive(_ context.Context, id, endpointKey, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.lookup(id, endpointKey)
	if err != nil {
		return err
	}
	sub.Status = StatusInactive
	sub.LastError = reason
	sub.LastErrorAt = m.Now()
	m.subs[id] = sub
	return nil
}

func (m *MemoryStore) Touch(_ context.Context, id, endpointKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.lookup(id, endpointKey)
	if err != nil {
		return err
	}
	sub.LastUsedAt = m.Now()
	m.subs[id] = sub
	return nil
}

// lookup must be called with mu held.
func (m *MemoryStore) lookup(id, endpointKey string) (Subscription, error) {
	sub, ok := m.subs[id]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	if sub.Endpoint == nil || sub.Endpoint.Key() != endpointKey {
		return Subscription{}, ErrEndpointChanged
	}
	return sub, nil
}

func (m *MemoryStore) FindStaleInactive(_ context.Context, olderThan time.Time) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Subscription
	for _, sub := range m.subs {
		if Stale(sub, olderThan) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteStale(_ context.Context, ids []string, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		if sub, ok := m.subs[id]; ok && Stale(sub, olderThan) {
			delete(m.subs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) DeleteByEndpoint(_ context.Context, userID, endpointKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, sub := range m.subs {
		if sub.UserID == userID && sub.Endpoint != nil && sub.Endpoint.Key() == endpointKey {
			delete(m.subs, id)
			deleted++
		}
	}
	return deleted, nil
}

// Get returns a copy of the record with id, including inactive ones.
func (m *MemoryStore) Get(id string) (Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[id]
	return sub, ok
}
