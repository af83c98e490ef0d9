package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Used in tests and single-instance
// deployments without an external document store.
type MemoryStore struct {
	mu        sync.RWMutex
	providers map[string]*ProviderRecord
	keys      map[string]*APIKeyRecord // by hash
	keysByID  map[string]*APIKeyRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers: make(map[string]*ProviderRecord),
		keys:      make(map[string]*APIKeyRecord),
		keysByID:  make(map[string]*APIKeyRecord),
	}
}

func (m *MemoryStore) GetProvider(_ context.Context, id string) (*ProviderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListProviders(_ context.Context) ([]*ProviderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ProviderRecord, 0, len(m.providers))
	for _, rec := range m.providers {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) PutProvider(_ context.Context, rec *ProviderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.providers[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteProvider(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[id]; !ok {
		return ErrNotFound
	}
	delete(m.providers, id)
	return nil
}

func (m *MemoryStore) GetAPIKeyByHash(_ context.Context, hash string) (*APIKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.keys[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) PutAPIKey(_ context.Context, rec *APIKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.keys[rec.Hash] = &cp
	m.keysByID[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) IncrementUsage(_ context.Context, keyID string, requests, tokens int64, lastUsed time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keysByID[keyID]
	if !ok {
		return ErrNotFound
	}
	rec.TotalRequests += requests
	rec.TotalTokens += tokens
	if lastUsed.After(rec.LastUsedAt) {
		rec.LastUsedAt = lastUsed
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
