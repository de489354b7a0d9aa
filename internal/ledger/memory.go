package ledger

import (
	"context"
	"sync"
)

type lineageKey struct {
	paymentID  string
	endpointID int64
}

// Memory is an in-process ledger
type Memory struct {
	mu       sync.RWMutex
	records  []Attempt
	lineages map[lineageKey]int // index into records of the lineage's latest attempt
}

func NewMemory() *Memory {
	return &Memory{lineages: make(map[lineageKey]int)}
}

func (m *Memory) Append(_ context.Context, a Attempt) error {
	key := lineageKey{a.PaymentID, a.EndpointID}

	m.mu.Lock()
	defer m.mu.Unlock()

	last := 0
	if i, ok := m.lineages[key]; ok {
		last = m.records[i].Attempt
	}
	switch {
	case a.Attempt <= last:
		return ErrDuplicateAttempt
	case a.Attempt != last+1:
		return ErrOutOfSequence
	}
	m.records = append(m.records, copyAttempt(a))
	m.lineages[key] = len(m.records) - 1
	return nil
}

func (m *Memory) Latest(_ context.Context, paymentID string, endpointID int64) (Attempt, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.lineages[lineageKey{paymentID, endpointID}]
	if !ok {
		return Attempt{}, false, nil
	}
	return copyAttempt(m.records[i]), true, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]Attempt, error) {
	m.mu.RLock()
	out := make([]Attempt, 0, len(m.records))
	for _, r := range m.records {
		if f.PaymentID != "" && r.PaymentID != f.PaymentID {
			continue
		}
		if f.EndpointID != 0 && r.EndpointID != f.EndpointID {
			continue
		}
		out = append(out, copyAttempt(r))
	}
	m.mu.RUnlock()

	SortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func copyAttempt(a Attempt) Attempt {
	if a.StatusCode != nil {
		code := *a.StatusCode
		a.StatusCode = &code
	}
	if a.NextRetryAt != nil {
		at := *a.NextRetryAt
		a.NextRetryAt = &at
	}
	return a
}

var _ Store = (*Memory)(nil)
