package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/payhook/internal/ledger"
)

const (
	attemptColumns = `id, payment_id, endpoint_id, attempt, status_code, response_excerpt, next_retry_at, success, created_at`
	attemptSelect  = `id::text, payment_id, endpoint_id, attempt, status_code, response_excerpt, next_retry_at, success, created_at`
)

// LedgerStore is the append-only ledger in payhook.delivery_attempts
type LedgerStore struct {
	pool *pgxpool.Pool
}

func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Append inserts a only when it directly follows the lineage's latest attempt
func (s *LedgerStore) Append(ctx context.Context, a ledger.Attempt) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO payhook.delivery_attempts (`+attemptColumns+`)
		SELECT $1::uuid, $2::text, $3::bigint, $4::int, $5::int, $6::text, $7::timestamptz, $8::boolean, $9::timestamptz
		WHERE $4::int = 1 OR EXISTS (
			SELECT 1 FROM payhook.delivery_attempts
			WHERE payment_id=$2::text AND endpoint_id=$3::bigint AND attempt=$4::int - 1
		)`,
		a.ID, a.PaymentID, a.EndpointID, a.Attempt, a.StatusCode, a.ResponseExcerpt, a.NextRetryAt, a.Success, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "delivery_attempts_lineage_key") {
			return ledger.ErrDuplicateAttempt
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrOutOfSequence
	}
	return nil
}

func (s *LedgerStore) Latest(ctx context.Context, paymentID string, endpointID int64) (ledger.Attempt, bool, error) {
	a, err := scanAttempt(s.pool.QueryRow(ctx, `
		SELECT `+attemptSelect+` FROM payhook.delivery_attempts
		WHERE payment_id=$1 AND endpoint_id=$2
		ORDER BY attempt DESC LIMIT 1`, paymentID, endpointID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Attempt{}, false, nil
	}
	if err != nil {
		return ledger.Attempt{}, false, fmt.Errorf("select latest attempt: %w", err)
	}
	return a, true, nil
}

func (s *LedgerStore) List(ctx context.Context, f ledger.Filter) ([]ledger.Attempt, error) {
	var where []string
	var args []any
	if f.PaymentID != "" {
		args = append(args, f.PaymentID)
		where = append(where, fmt.Sprintf("payment_id=$%d", len(args)))
	}
	if f.EndpointID != 0 {
		args = append(args, f.EndpointID)
		where = append(where, fmt.Sprintf("endpoint_id=$%d", len(args)))
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + attemptSelect + ` FROM payhook.delivery_attempts`)
	if len(where) > 0 {
		sb.WriteString(` WHERE ` + strings.Join(where, " AND "))
	}
	sb.WriteString(` ORDER BY created_at DESC, attempt DESC`)
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	out := []ledger.Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAttempt(row pgx.Row) (ledger.Attempt, error) {
	var a ledger.Attempt
	err := row.Scan(&a.ID, &a.PaymentID, &a.EndpointID, &a.Attempt, &a.StatusCode,
		&a.ResponseExcerpt, &a.NextRetryAt, &a.Success, &a.CreatedAt)
	return a, err
}

var _ ledger.Store = (*LedgerStore)(nil)
