package delivery

import (
	"context"
	"time"

	"github.com/austindbirch/payhook/internal/ledger"
)

const DLQType = "delivery.dlq"

// DeadLetter announces a lineage that exhausted its attempts
type DeadLetter struct {
	Type       string `json:"type"`    // "delivery.dlq"
	Version    string `json:"version"` // schema version
	At         string `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason     string `json:"reason"`
	Attempt    int    `json:"attempt"` // attempts made
	HTTPStatus int    `json:"http_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Job        Job    `json:"job"` // last job of the lineage
}

// NewDeadLetter builds the notice from the final job and its recorded outcome
func NewDeadLetter(job Job, last ledger.Attempt, reason string, at time.Time) DeadLetter {
	dl := DeadLetter{
		Type:    DLQType,
		Version: "v1",
		At:      at.UTC().Format(time.RFC3339Nano),
		Reason:  reason,
		Attempt: last.Attempt,
		Job:     job,
	}
	if last.StatusCode != nil {
		dl.HTTPStatus = *last.StatusCode
	} else {
		dl.LastError = last.ResponseExcerpt
	}
	return dl
}

// DeadLetterSink receives exhaustion notices
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}
