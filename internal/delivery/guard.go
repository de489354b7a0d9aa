package delivery

import (
	"fmt"
	"sync"
)

// lineageGuard serializes work per (payment, endpoint) lineage inside one process
type lineageGuard struct {
	mu    sync.Mutex
	locks map[string]*lineageLock
}

type lineageLock struct {
	mu   sync.Mutex
	refs int
}

func newLineageGuard() *lineageGuard {
	return &lineageGuard{locks: make(map[string]*lineageLock)}
}

func lineageKey(paymentID string, endpointID int64) string {
	return fmt.Sprintf("%s/%d", paymentID, endpointID)
}

// lock blocks until the lineage is free and returns its release func
func (g *lineageGuard) lock(key string) func() {
	g.mu.Lock()
	l, ok := g.locks[key]
	if !ok {
		l = &lineageLock{}
		g.locks[key] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, key)
		}
		g.mu.Unlock()
	}
}

func (g *lineageGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}
