package delivery

import (
	"strings"

	"github.com/austindbirch/payhook/internal/ledger"
)

// Outcome is the kind of result an attempt produced
type Outcome int

const (
	Delivered Outcome = iota
	// TransportFailure means no HTTP response was received
	TransportFailure
	// RemoteRejection means the endpoint answered with a non-2xx status
	RemoteRejection
)

func Classify(a ledger.Attempt) Outcome {
	switch {
	case a.StatusCode == nil:
		return TransportFailure
	case ledger.IsSuccessStatus(a.StatusCode):
		return Delivered
	default:
		return RemoteRejection
	}
}

// FailureReason labels a failed attempt for metrics
func FailureReason(a ledger.Attempt) string {
	if a.StatusCode == nil {
		msg := strings.ToLower(a.ResponseExcerpt)
		switch {
		case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
			return "timeout"
		case strings.Contains(msg, "connection refused"):
			return "connection_refused"
		case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
			return "dns_error"
		}
		return "network"
	}
	status := *a.StatusCode
	switch {
	case status >= 500:
		return "http_5xx"
	case status == 429:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	}
	return "other"
}
