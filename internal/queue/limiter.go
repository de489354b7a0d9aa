package queue

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

const DefaultEndpointConcurrency = 2

// EndpointLimiter bounds in-flight attempts per endpoint so one slow merchant
// cannot occupy the whole worker pool
type EndpointLimiter struct {
	mu   sync.Mutex
	per  int64
	sems map[int64]*semaphore.Weighted
}

func NewEndpointLimiter(perEndpoint int) *EndpointLimiter {
	if perEndpoint < 1 {
		perEndpoint = DefaultEndpointConcurrency
	}
	return &EndpointLimiter{per: int64(perEndpoint), sems: make(map[int64]*semaphore.Weighted)}
}

// TryAcquire takes a slot for endpointID without blocking
func (l *EndpointLimiter) TryAcquire(endpointID int64) (release func(), ok bool) {
	l.mu.Lock()
	sem, found := l.sems[endpointID]
	if !found {
		sem = semaphore.NewWeighted(l.per)
		l.sems[endpointID] = sem
	}
	l.mu.Unlock()

	if !sem.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, true
}
