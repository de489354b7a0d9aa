package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	endpoints map[int64]Endpoint
	secrets   map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints: make(map[int64]Endpoint),
		secrets:   make(map[string]struct{}),
	}
}

func (s *MemoryStore) Create(_ context.Context, url string, secret []byte, createdAt time.Time) (Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.secrets[string(secret)]; dup {
		return Endpoint{}, ErrDuplicateSecret
	}
	s.nextID++
	ep := Endpoint{
		ID:        s.nextID,
		URL:       url,
		Secret:    append([]byte(nil), secret...),
		CreatedAt: createdAt,
		Status:    StatusActive,
	}
	s.endpoints[ep.ID] = ep
	s.secrets[string(secret)] = struct{}{}
	return clone(ep), nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return Endpoint{}, ErrNotFound
	}
	return clone(ep), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Endpoint, error) {
	return s.collect(func(Endpoint) bool { return true }), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]Endpoint, error) {
	return s.collect(Endpoint.Active), nil
}

func (s *MemoryStore) Disable(_ context.Context, id int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return ErrNotFound
	}
	ep.Status = StatusDisabled
	s.endpoints[id] = ep
	return nil
}

func (s *MemoryStore) collect(keep func(Endpoint) bool) []Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		if keep(ep) {
			out = append(out, clone(ep))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clone(ep Endpoint) Endpoint {
	ep.Secret = append([]byte(nil), ep.Secret...)
	return ep
}

var _ Store = (*MemoryStore)(nil)
