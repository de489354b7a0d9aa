package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/payhook/internal/delivery"
)

// JobStore is the durable job table in payhook.delivery_jobs
type JobStore struct {
	pool *pgxpool.Pool
}

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

func (s *JobStore) Save(ctx context.Context, job delivery.Job) (bool, error) {
	headers := job.TraceHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO payhook.delivery_jobs
			(payment_id, endpoint_id, attempt, not_before, event_type, payload, occurred_at, trace_headers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (payment_id, endpoint_id, attempt) DO NOTHING`,
		job.PaymentID, job.EndpointID, job.Attempt, job.NotBefore, job.EventType,
		[]byte(job.Payload), job.OccurredAt, headers,
	)
	if err != nil {
		return false, fmt.Errorf("insert job %s: %w", job.Key(), err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *JobStore) Complete(ctx context.Context, job delivery.Job) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE payhook.delivery_jobs SET completed_at=now()
		WHERE payment_id=$1 AND endpoint_id=$2 AND attempt=$3 AND completed_at IS NULL`,
		job.PaymentID, job.EndpointID, job.Attempt)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.Key(), err)
	}
	return nil
}

func (s *JobStore) Pending(ctx context.Context) ([]delivery.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payment_id, endpoint_id, attempt, not_before, event_type, payload, occurred_at, trace_headers
		FROM payhook.delivery_jobs
		WHERE completed_at IS NULL
		ORDER BY not_before, payment_id, endpoint_id, attempt`)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()

	var out []delivery.Job
	for rows.Next() {
		var j delivery.Job
		var payload []byte
		if err := rows.Scan(&j.PaymentID, &j.EndpointID, &j.Attempt, &j.NotBefore, &j.EventType,
			&payload, &j.OccurredAt, &j.TraceHeaders); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Payload = json.RawMessage(payload)
		out = append(out, j)
	}
	return out, rows.Err()
}

var _ delivery.JobStore = (*JobStore)(nil)
