package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Pinger is a dependency that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Redis adapts a go-redis client to Pinger.
func Redis(c redis.UniversalClient) Pinger {
	return PingFunc(func(ctx context.Context) error { return c.Ping(ctx).Err() })
}

// Postgres adapts a pgx pool to Pinger.
func Postgres(p *pgxpool.Pool) Pinger {
	return PingFunc(p.Ping)
}

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
	Redis    bool   `json:"redis,omitempty"`
}

// Check pings each non-nil dependency with a one second budget.
func Check(ctx context.Context, db, rdb Pinger) Status {
	st := Status{OK: true, Message: "ok", Database: true, Redis: true}

	ping := func(p Pinger) bool {
		if p == nil {
			return true
		}
		ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
		defer cancel()
		return p.Ping(ctx) == nil
	}

	if !ping(db) {
		st.OK = false
		st.Database = false
		st.Message = "db ping failed"
	}
	if !ping(rdb) {
		st.OK = false
		st.Redis = false
		if st.Message == "ok" {
			st.Message = "redis ping failed"
		} else {
			st.Message = "db and redis ping failed"
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(db, rdb Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), db, rdb)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
