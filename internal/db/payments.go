package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/payhook/internal/payment"
)

const paymentColumns = `id, status, last4, amount, currency, COALESCE(idempotency_key, ''), created_at`

// PaymentStore keeps payments in payhook.payments
type PaymentStore struct {
	pool *pgxpool.Pool
}

func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

func (s *PaymentStore) Create(ctx context.Context, p payment.Payment) (payment.Payment, bool, error) {
	var key any
	if p.IdempotencyKey != "" {
		key = p.IdempotencyKey
	}
	stored, err := scanPayment(s.pool.QueryRow(ctx, `
		INSERT INTO payhook.payments (id, status, last4, amount, currency, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING `+paymentColumns,
		p.ID, string(p.Status), p.Last4, p.Amount, p.Currency, key, p.CreatedAt))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return payment.Payment{}, false, fmt.Errorf("insert payment: %w", err)
	}

	// idempotency key already used
	existing, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payhook.payments WHERE idempotency_key=$1`, p.IdempotencyKey))
	if err != nil {
		return payment.Payment{}, false, fmt.Errorf("select payment by idempotency key: %w", err)
	}
	return existing, false, nil
}

func (s *PaymentStore) Get(ctx context.Context, id string) (payment.Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payhook.payments WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Payment{}, payment.ErrNotFound
	}
	if err != nil {
		return payment.Payment{}, fmt.Errorf("select payment %s: %w", id, err)
	}
	return p, nil
}

func scanPayment(row pgx.Row) (payment.Payment, error) {
	var p payment.Payment
	var status string
	if err := row.Scan(&p.ID, &status, &p.Last4, &p.Amount, &p.Currency, &p.IdempotencyKey, &p.CreatedAt); err != nil {
		return payment.Payment{}, err
	}
	p.Status = payment.Status(status)
	return p, nil
}

var _ payment.Store = (*PaymentStore)(nil)
