package payment

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]Payment
	byKey    map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]Payment),
		byKey:    make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, p Payment) (Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.IdempotencyKey != "" {
		if id, ok := s.byKey[p.IdempotencyKey]; ok {
			return s.payments[id], false, nil
		}
		s.byKey[p.IdempotencyKey] = p.ID
	}
	s.payments[p.ID] = p
	return p, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

var _ Store = (*MemoryStore)(nil)
