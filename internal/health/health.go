package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is satisfied by *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
}

const pingTimeout = time.Second

func check(ctx context.Context, db Pinger) Status {
	st := Status{OK: true, Message: "ok", Database: true}
	if db == nil {
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		st = Status{OK: false, Message: "db ping failed", Database: false}
	}
	return st
}

// HTTPHandler reports the health status of the service. db may be nil when no database is used.
func HTTPHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := check(r.Context(), db)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// SyncGRPC mirrors the database health onto the gRPC health service until ctx is done
func SyncGRPC(ctx context.Context, db Pinger, srv *grpc_health.Server, interval time.Duration) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !check(ctx, db).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus("", status)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
