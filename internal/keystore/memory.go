package keystore

import (
	"context"
	"sync"
)

// Memory keeps the identity in process memory only
type Memory struct {
	mu sync.RWMutex
	id *Identity
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Init(ctx context.Context) error { return nil }

func (m *Memory) Put(ctx context.Context, id Identity) error {
	if err := validate(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = &id
	return nil
}

func (m *Memory) Get(ctx context.Context) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.id == nil {
		return nil, ErrNoIdentity
	}
	id := *m.id
	return &id, nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = nil
	return nil
}
