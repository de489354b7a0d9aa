package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Event is a business occurrence that fans out to every active endpoint
type Event struct {
	PaymentID  string          `json:"payment_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Job is a unit of work: perform attempt number Attempt for one (payment, endpoint) lineage
// no earlier than NotBefore. It carries the event data so it can be re-run after a restart.
type Job struct {
	PaymentID    string            `json:"payment_id"`
	EndpointID   int64             `json:"endpoint_id"`
	Attempt      int               `json:"attempt"`
	NotBefore    time.Time         `json:"not_before"`
	EventType    string            `json:"event_type"`
	Payload      json.RawMessage   `json:"payload"`
	OccurredAt   time.Time         `json:"occurred_at"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// NewJob builds the first attempt of ev's lineage for endpointID
func NewJob(ev Event, endpointID int64, notBefore time.Time, traceHeaders map[string]string) Job {
	return Job{
		PaymentID:    ev.PaymentID,
		EndpointID:   endpointID,
		Attempt:      1,
		NotBefore:    notBefore,
		EventType:    ev.Type,
		Payload:      ev.Payload,
		OccurredAt:   ev.OccurredAt,
		TraceHeaders: traceHeaders,
	}
}

// Key identifies the job within the durable job table
func (j Job) Key() string {
	return fmt.Sprintf("%s/%d/%d", j.PaymentID, j.EndpointID, j.Attempt)
}

// Next returns the follow-up job of the same lineage
func (j Job) Next(attempt int, notBefore time.Time) Job {
	next := j
	next.Attempt = attempt
	next.NotBefore = notBefore
	return next
}

// Eligible reports whether the job may run at now
func (j Job) Eligible(now time.Time) bool {
	return !now.Before(j.NotBefore)
}

// JobStore is the durable job table keyed by (paymentId, endpointId, attempt)
type JobStore interface {
	// Save inserts job unless it already exists; created reports whether it was new.
	Save(ctx context.Context, job Job) (created bool, err error)
	// Complete marks the job consumed. Completing an unknown job is not an error.
	Complete(ctx context.Context, job Job) error
	// Pending returns jobs not yet completed, ordered by NotBefore.
	Pending(ctx context.Context) ([]Job, error)
}

// MemoryJobStore keeps the pending part of the job table in process memory.
// Completed jobs are dropped, so saving the same key again creates it anew.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]Job)}
}

func (s *MemoryJobStore) Save(_ context.Context, job Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Key()]; ok {
		return false, nil
	}
	s.jobs[job.Key()] = job
	return true, nil
}

func (s *MemoryJobStore) Complete(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, job.Key())
	return nil
}

func (s *MemoryJobStore) Pending(_ context.Context) ([]Job, error) {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if !out[i].NotBefore.Equal(out[k].NotBefore) {
			return out[i].NotBefore.Before(out[k].NotBefore)
		}
		return out[i].Key() < out[k].Key()
	})
	return out, nil
}

var _ JobStore = (*MemoryJobStore)(nil)
