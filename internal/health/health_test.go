package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func ok() Pinger   { return PingFunc(func(context.Context) error { return nil }) }
func down() Pinger { return PingFunc(func(context.Context) error { return errors.New("down") }) }

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		db, rdb            Pinger
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "healthy with nil pingers",
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true, Redis: true},
		},
		{
			name:               "healthy",
			db:                 ok(),
			rdb:                ok(),
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Database: true, Redis: true},
		},
		{
			name:               "database down",
			db:                 down(),
			rdb:                ok(),
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "db ping failed", Database: false, Redis: true},
		},
		{
			name:               "redis down",
			db:                 ok(),
			rdb:                down(),
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "redis ping failed", Database: true, Redis: false},
		},
		{
			name:               "both down",
			db:                 down(),
			rdb:                down(),
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus:     Status{OK: false, Message: "db and redis ping failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()

			HTTPHandler(tt.db, tt.rdb)(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want %q", ct, "application/json")
			}

			var status Status
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("HTTPHandler() response JSON parse error: %v", err)
			}
			if status != tt.expectedStatus {
				t.Errorf("HTTPHandler() Status = %+v, want %+v", status, tt.expectedStatus)
			}
		})
	}
}

func TestRedisPinger(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	p := Redis(client)
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() against miniredis error: %v", err)
	}

	mr.Close()
	if err := p.Ping(context.Background()); err == nil {
		t.Error("Ping() after server close expected error")
	}
}

func TestCheck_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ctxAware := PingFunc(func(ctx context.Context) error { return ctx.Err() })
	st := Check(ctx, ctxAware, nil)
	if st.OK || st.Database {
		t.Errorf("Check() with cancelled context = %+v, want database failure", st)
	}
}
