package org

import (
	"context"
	"sync"
)

// Store persists organization status records. CompareAndSwap is the only write
// path for existing records: the reconciler read-modifies-writes under it, and
// a version mismatch surfaces as ErrVersionConflict so the caller can re-read
// and retry.
type Store interface {
	Create(ctx context.Context, o *Organization) error
	Get(ctx context.Context, id string) (*Organization, error)
	GetByInstallationID(ctx context.Context, installationID int64) (*Organization, error)
	// CompareAndSwap writes o if the stored record still has expectedVersion,
	// bumping the version by one. Returns ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, expectedVersion int64, o *Organization) error
}

// MemoryStore is an in-memory store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	orgs map[string]*Organization
}

// NewMemoryStore creates a new in-memory organization store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orgs: make(map[string]*Organization)}
}

func (m *MemoryStore) Create(_ context.Context, o *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orgs[o.ID]; exists {
		return ErrAlreadyExists
	}
	m.orgs[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) GetByInstallationID(_ context.Context, installationID int64) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orgs {
		if o.GithubInstallationID == installationID && installationID != 0 {
			return o.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, expectedVersion int64, o *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orgs[o.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	cp := o.Clone()
	cp.Version = expectedVersion + 1
	m.orgs[o.ID] = cp
	o.Version = cp.Version
	return nil
}

var _ Store = (*MemoryStore)(nil)
