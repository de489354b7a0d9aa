package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/payhook/internal/metrics"
	"github.com/austindbirch/payhook/internal/tracing"
	"github.com/austindbirch/payhook/internal/validation"
)

const maxSecretTries = 3

// Registry owns webhook endpoints and their signing secrets
type Registry struct {
	store   Store
	entropy io.Reader
	now     func() time.Time
}

// Option customizes a Registry
type Option func(*Registry)

// WithClock overrides the time source used for CreatedAt
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithEntropy overrides the secret randomness source
func WithEntropy(src io.Reader) Option {
	return func(r *Registry) { r.entropy = src }
}

// New returns a Registry backed by store
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		entropy: rand.Reader,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates url, issues a fresh 256-bit secret and persists the endpoint
func (r *Registry) Register(ctx context.Context, rawURL string) (Endpoint, error) {
	ctx, span := tracing.StartSpan(ctx, "registry.Register")
	defer span.End()

	rawURL = strings.TrimSpace(rawURL)
	if err := validation.HTTPURL("url", rawURL); err != nil {
		tracing.SetSpanError(ctx, err)
		return Endpoint{}, err
	}

	for try := 1; ; try++ {
		secret, err := r.generateSecret()
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return Endpoint{}, fmt.Errorf("generate secret: %w", err)
		}
		ep, err := r.store.Create(ctx, rawURL, secret, r.now())
		if errors.Is(err, ErrDuplicateSecret) && try < maxSecretTries {
			tracing.AddSpanEvent(ctx, "secret.collision", attribute.Int("try", try))
			continue
		}
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return Endpoint{}, fmt.Errorf("create endpoint: %w", err)
		}
		span.SetAttributes(tracing.AttrEndpointID.Int64(ep.ID))
		metrics.RecordRegistration()
		return ep, nil
	}
}

// ActiveEndpoints returns every endpoint currently accepting new deliveries
func (r *Registry) ActiveEndpoints(ctx context.Context) ([]Endpoint, error) {
	return r.store.ListActive(ctx)
}

// Get returns an endpoint regardless of status
func (r *Registry) Get(ctx context.Context, id int64) (Endpoint, error) {
	return r.store.Get(ctx, id)
}

// List returns all endpoints ordered by ID
func (r *Registry) List(ctx context.Context) ([]Endpoint, error) {
	return r.store.List(ctx)
}

// Disable stops new deliveries to the endpoint. Jobs already scheduled still run.
func (r *Registry) Disable(ctx context.Context, id int64) error {
	return r.store.Disable(ctx, id, r.now())
}

func (r *Registry) generateSecret() ([]byte, error) {
	b := make([]byte, SecretBytes)
	if _, err := io.ReadFull(r.entropy, b); err != nil {
		return nil, err
	}
	return b, nil
}
