// Package state records which gateway instance owns a tunnel session.
//
// Sessions wrap live sockets and can only be served by the process that dialed them. When several
// gateway replicas sit behind one load balancer, the store lets a replica that receives a request for
// a foreign session say who owns it instead of answering with a bare "unknown session".
package state

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Owner when no instance claims the session.
var ErrNotFound = errors.New("state: session not found")

// Store abstracts session ownership bookkeeping to allow horizontal scaling.
type Store interface {
	Register(ctx context.Context, id, owner string, ttl time.Duration) error
	Refresh(ctx context.Context, ids []string, ttl time.Duration) error
	Remove(ctx context.Context, id string) error
	Owner(ctx context.Context, id string) (string, error)
	Close() error
}

type entry struct {
	owner   string
	expires time.Time
}

// MemoryStore is the single-instance Store. It is what the gateway uses when no Redis address is set.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]entry), now: time.Now}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Register(_ context.Context, id, owner string, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[id] = entry{owner: owner, expires: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Refresh(_ context.Context, ids []string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	expires := m.now().Add(ttl)
	for _, id := range ids {
		if e, ok := m.entries[id]; ok {
			e.expires = expires
			m.entries[id] = e
		}
	}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Owner(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return "", ErrNotFound
	}
	if m.now().After(e.expires) {
		delete(m.entries, id)
		return "", ErrNotFound
	}
	return e.owner, nil
}

func (m *MemoryStore) Close() error { return nil }
