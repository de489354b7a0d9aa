package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/payhook/internal/delivery"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/registry"
)

type captureQueue struct {
	mu     sync.Mutex
	jobs   []delivery.Job
	failOn map[int64]bool
}

func (q *captureQueue) Enqueue(_ context.Context, job delivery.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failOn[job.EndpointID] {
		return errors.New("queue full")
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type failingLister struct{}

func (failingLister) ActiveEndpoints(context.Context) ([]registry.Endpoint, error) {
	return nil, errors.New("db down")
}

func setup(t *testing.T, n int) (*registry.Registry, *delivery.MemoryJobStore, *captureQueue, time.Time) {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore())
	for i := 0; i < n; i++ {
		if _, err := reg.Register(context.Background(), "https://merchant.example/hooks"); err != nil {
			t.Fatal(err)
		}
	}
	return reg, delivery.NewMemoryJobStore(), &captureQueue{}, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
}

func testEvent() delivery.Event {
	return delivery.Event{
		PaymentID: "pay_1",
		Type:      "payment.created",
		Payload:   json.RawMessage(`{"paymentId":"pay_1"}`),
	}
}

func TestDispatchFansOutToActiveEndpoints(t *testing.T) {
	ctx := context.Background()
	reg, jobs, q, now := setup(t, 3)
	if err := reg.Disable(ctx, 2); err != nil {
		t.Fatal(err)
	}
	d := New(reg, jobs, q, WithClock(func() time.Time { return now }), WithLogger(logging.NewWithWriter("test", io.Discard)))

	n, err := d.Dispatch(ctx, testEvent())
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("Dispatch() = %d, want 2", n)
	}

	got := map[int64]delivery.Job{}
	for _, j := range q.jobs {
		got[j.EndpointID] = j
	}
	for _, id := range []int64{1, 3} {
		j, ok := got[id]
		if !ok {
			t.Errorf("no job for endpoint %d", id)
			continue
		}
		if j.Attempt != 1 || !j.NotBefore.Equal(now) || j.PaymentID != "pay_1" || j.EventType != "payment.created" {
			t.Errorf("job = %+v", j)
		}
		if !j.OccurredAt.Equal(now) {
			t.Errorf("OccurredAt = %s, want %s", j.OccurredAt, now)
		}
	}
	if _, ok := got[2]; ok {
		t.Error("disabled endpoint received a job")
	}

	pending, _ := jobs.Pending(ctx)
	if len(pending) != 2 {
		t.Errorf("job table has %d pending jobs, want 2", len(pending))
	}
}

func TestDispatchWithoutEndpoints(t *testing.T) {
	_, jobs, q, _ := setup(t, 0)
	d := New(registry.New(registry.NewMemoryStore()), jobs, q, WithLogger(logging.NewWithWriter("test", io.Discard)))

	n, err := d.Dispatch(context.Background(), testEvent())
	if err != nil || n != 0 {
		t.Errorf("Dispatch() = %d, %v; want 0, nil", n, err)
	}
}

func TestDispatchIsolatesEndpointFailures(t *testing.T) {
	reg, jobs, q, _ := setup(t, 3)
	q.failOn = map[int64]bool{2: true}
	d := New(reg, jobs, q, WithLogger(logging.NewWithWriter("test", io.Discard)))

	n, err := d.Dispatch(context.Background(), testEvent())
	if err == nil {
		t.Fatal("Dispatch() error = nil, want the enqueue failure")
	}
	if n != 2 || len(q.jobs) != 2 {
		t.Errorf("Dispatch() = %d with %d queued, want 2", n, len(q.jobs))
	}
	// the failed job stays in the table for recovery
	pending, _ := jobs.Pending(context.Background())
	if len(pending) != 3 {
		t.Errorf("pending = %d, want 3", len(pending))
	}
}

func TestDispatchTwiceDoesNotDuplicateLineages(t *testing.T) {
	reg, jobs, q, _ := setup(t, 2)
	d := New(reg, jobs, q, WithLogger(logging.NewWithWriter("test", io.Discard)))

	_, _ = d.Dispatch(context.Background(), testEvent())
	n, err := d.Dispatch(context.Background(), testEvent())
	if err != nil || n != 0 {
		t.Errorf("second Dispatch() = %d, %v; want 0, nil", n, err)
	}
	if len(q.jobs) != 2 {
		t.Errorf("queued = %d, want 2", len(q.jobs))
	}
}

func TestDispatchRegistryFailure(t *testing.T) {
	_, jobs, q, _ := setup(t, 0)
	d := New(failingLister{}, jobs, q, WithLogger(logging.NewWithWriter("test", io.Discard)))
	if _, err := d.Dispatch(context.Background(), testEvent()); err == nil {
		t.Error("Dispatch() error = nil, want registry failure")
	}
}
