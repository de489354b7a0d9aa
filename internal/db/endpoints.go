package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/payhook/internal/registry"
)

const endpointColumns = `id, url, secret, status, created_at`

// EndpointStore keeps endpoints in payhook.endpoints
type EndpointStore struct {
	pool *pgxpool.Pool
}

func NewEndpointStore(pool *pgxpool.Pool) *EndpointStore {
	return &EndpointStore{pool: pool}
}

func (s *EndpointStore) Create(ctx context.Context, url string, secret []byte, createdAt time.Time) (registry.Endpoint, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO payhook.endpoints (url, secret, status, created_at)
		VALUES ($1, $2, 'active', $3)
		RETURNING `+endpointColumns, url, secret, createdAt)
	ep, err := scanEndpoint(row)
	if err != nil {
		if isUniqueViolation(err, "endpoints_secret_key") {
			return registry.Endpoint{}, registry.ErrDuplicateSecret
		}
		return registry.Endpoint{}, fmt.Errorf("insert endpoint: %w", err)
	}
	return ep, nil
}

func (s *EndpointStore) Get(ctx context.Context, id int64) (registry.Endpoint, error) {
	ep, err := scanEndpoint(s.pool.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM payhook.endpoints WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return registry.Endpoint{}, registry.ErrNotFound
	}
	if err != nil {
		return registry.Endpoint{}, fmt.Errorf("select endpoint %d: %w", id, err)
	}
	return ep, nil
}

func (s *EndpointStore) List(ctx context.Context) ([]registry.Endpoint, error) {
	return s.query(ctx, `SELECT `+endpointColumns+` FROM payhook.endpoints ORDER BY id`)
}

func (s *EndpointStore) ListActive(ctx context.Context) ([]registry.Endpoint, error) {
	return s.query(ctx, `SELECT `+endpointColumns+` FROM payhook.endpoints WHERE status='active' ORDER BY id`)
}

func (s *EndpointStore) Disable(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payhook.endpoints
		SET status='disabled', disabled_at=COALESCE(disabled_at, $2)
		WHERE id=$1`, id, at)
	if err != nil {
		return fmt.Errorf("disable endpoint %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *EndpointStore) query(ctx context.Context, sql string, args ...any) ([]registry.Endpoint, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query endpoints: %w", err)
	}
	defer rows.Close()

	var out []registry.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func scanEndpoint(row pgx.Row) (registry.Endpoint, error) {
	var ep registry.Endpoint
	var status string
	if err := row.Scan(&ep.ID, &ep.URL, &ep.Secret, &status, &ep.CreatedAt); err != nil {
		return registry.Endpoint{}, err
	}
	ep.Status = registry.Status(status)
	return ep, nil
}

var _ registry.Store = (*EndpointStore)(nil)
