package registry

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/payhook/internal/signing"
)

// Status is the lifecycle state of an endpoint. The only legal transition is active -> disabled.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// SecretBytes is the size of generated signing secrets (256 bits)
const SecretBytes = 32

var (
	ErrNotFound        = errors.New("registry: endpoint not found")
	ErrDuplicateSecret = errors.New("registry: secret already issued")
)

// Endpoint is a merchant-owned HTTP callback. It is immutable except for Status.
type Endpoint struct {
	ID        int64
	URL       string
	Secret    []byte
	CreatedAt time.Time
	Status    Status
}

// Active reports whether new deliveries may be enqueued for the endpoint
func (e Endpoint) Active() bool {
	return e.Status == StatusActive
}

// EncodedSecret is the transport form of the secret handed to the merchant
func (e Endpoint) EncodedSecret() string {
	return signing.EncodeSecret(e.Secret)
}

// Store persists endpoints. Implementations never delete rows.
type Store interface {
	// Create persists a new active endpoint and assigns its ID.
	// It returns ErrDuplicateSecret if the secret was issued before.
	Create(ctx context.Context, url string, secret []byte, createdAt time.Time) (Endpoint, error)
	Get(ctx context.Context, id int64) (Endpoint, error)
	List(ctx context.Context) ([]Endpoint, error)
	ListActive(ctx context.Context) ([]Endpoint, error)
	// Disable marks the endpoint disabled; disabling twice is not an error.
	Disable(ctx context.Context, id int64, at time.Time) error
}
