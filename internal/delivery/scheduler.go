package delivery

import (
	"math/rand"
	"time"

	"github.com/austindbirch/payhook/internal/ledger"
)

// State is the lifecycle position of a lineage after an attempt
type State int

const (
	Succeeded State = iota
	Scheduled
	Exhausted
)

func (s State) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Scheduled:
		return "scheduled"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Decision is what happens after an attempt. NextAttempt and NotBefore are set only when Scheduled.
type Decision struct {
	State       State
	NextAttempt int
	NotBefore   time.Time
}

// Scheduler turns the latest attempt of a lineage into a Decision.
// It holds no per-lineage state.
type Scheduler struct {
	policy Policy
	now    func() time.Time
	rand   func() float64
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithRandom overrides the jitter source; f must return values in [0,1)
func WithRandom(f func() float64) SchedulerOption {
	return func(s *Scheduler) { s.rand = f }
}

func NewScheduler(p Policy, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		policy: p,
		now:    func() time.Time { return time.Now().UTC() },
		rand:   rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Policy() Policy { return s.policy }

func (s *Scheduler) Decide(a ledger.Attempt) Decision {
	if a.Success {
		return Decision{State: Succeeded}
	}
	if a.Attempt >= s.policy.MaxAttempts {
		return Decision{State: Exhausted}
	}
	delay := s.policy.Backoff(a.Attempt, s.rand())
	return Decision{
		State:       Scheduled,
		NextAttempt: a.Attempt + 1,
		NotBefore:   s.now().Add(delay),
	}
}
