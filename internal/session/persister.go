package session

import (
	"context"
	"sync"
)

// Persister is the durable backing store behind a Store.
type Persister interface {
	LoadSender(ctx context.Context, id string) (SenderState, bool, error)
	SaveSender(ctx context.Context, state SenderState) error
}

// Deleter is implemented by persisters that can forget a sender entirely.
type Deleter interface {
	DeleteSender(ctx context.Context, id string) (bool, error)
}

// MemoryPersister keeps sender states in process memory only.
type MemoryPersister struct {
	mu     sync.RWMutex
	states map[string]SenderState
}

func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{states: make(map[string]SenderState)}
}

func (m *MemoryPersister) LoadSender(_ context.Context, id string) (SenderState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	return st.Clone(), ok, nil
}

func (m *MemoryPersister) SaveSender(_ context.Context, state SenderState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.Identifier] = state.Clone()
	return nil
}

func (m *MemoryPersister) DeleteSender(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[id]
	delete(m.states, id)
	return ok, nil
}
