package ledger

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrDuplicateAttempt means the (paymentId, endpointId, attempt) record already exists
	ErrDuplicateAttempt = errors.New("ledger: attempt already recorded")
	// ErrOutOfSequence means attempt N was appended before attempt N-1
	ErrOutOfSequence = errors.New("ledger: attempt out of sequence")
)

// Attempt is one immutable delivery attempt record
type Attempt struct {
	ID              string     `json:"id"`
	PaymentID       string     `json:"paymentId"`
	EndpointID      int64      `json:"endpointId"`
	Attempt         int        `json:"attempt"`
	StatusCode      *int       `json:"statusCode"`
	ResponseExcerpt string     `json:"responseBody"`
	NextRetryAt     *time.Time `json:"nextRetryAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	Success         bool       `json:"success"`
}

// Terminal reports whether no follow-up is scheduled after this attempt
func (a Attempt) Terminal() bool {
	return a.NextRetryAt == nil
}

// IsSuccessStatus is the single definition of a successful delivery: a 2xx response
func IsSuccessStatus(code *int) bool {
	return code != nil && *code >= 200 && *code < 300
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	PaymentID  string
	EndpointID int64
	Limit      int
}

// Store is the append-only delivery ledger
type Store interface {
	Append(ctx context.Context, a Attempt) error
	// Latest returns the highest-numbered attempt of a lineage.
	Latest(ctx context.Context, paymentID string, endpointID int64) (Attempt, bool, error)
	// List returns attempts newest first.
	List(ctx context.Context, f Filter) ([]Attempt, error)
}

// SortNewestFirst orders attempts by CreatedAt descending, breaking ties by attempt number
func SortNewestFirst(attempts []Attempt) {
	sort.SliceStable(attempts, func(i, j int) bool {
		if !attempts[i].CreatedAt.Equal(attempts[j].CreatedAt) {
			return attempts[i].CreatedAt.After(attempts[j].CreatedAt)
		}
		return attempts[i].Attempt > attempts[j].Attempt
	})
}
