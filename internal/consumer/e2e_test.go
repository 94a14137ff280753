package consumer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_notify/internal/cipher"
	"github.com/austindbirch/harbor_notify/internal/delivery"
	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/signing"
	"github.com/austindbirch/harbor_notify/internal/store"
	"github.com/austindbirch/harbor_notify/internal/stream"
)

const (
	e2eAESKey    = "0123456789abcdef0123456789abcdef"
	e2eSecretKey = "k9#Secret-Value_36chars!!abcdefghijk"
)

// memStore is an in-memory notify_tasks table.
type memStore struct {
	mu    sync.Mutex
	tasks map[int64]*store.Task
}

func (m *memStore) LoadTasks(_ context.Context, ids []int64) ([]*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Task
	for _, id := range ids {
		if t, ok := m.tasks[id]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpdateTask(_ context.Context, id int64, u store.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	switch u := u.(type) {
	case store.MarkHandled:
		t.HandledAt = &u.HandledAt
		t.Retries = u.Retries
	case store.MarkSucceeded:
		t.Status = store.StatusSucceed
		t.FinishedAt = &u.FinishedAt
	case store.MarkRetry:
		t.Status = store.StatusRetry
		t.RetryAt = &u.RetryAt
		if u.Retries != nil {
			t.Retries = *u.Retries
		}
		t.FailureReasons = &u.FailureReasons
	case store.MarkFailed:
		t.Status = store.StatusFailure
		t.FinishedAt = &u.FinishedAt
		t.RetryAt = nil
		t.FailureReasons = &u.FailureReasons
	}
	return nil
}

func (m *memStore) get(id int64) store.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.tasks[id]
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	c, err := cipher.New(e2eAESKey)
	if err != nil {
		t.Fatal(err)
	}
	encKey, err := c.Encrypt(e2eSecretKey)
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu       sync.Mutex
		received []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		auth := r.Header.Get("Authorization")

		parts := strings.Split(auth, ", ")
		if len(parts) != 3 || parts[0] != "SecretId=sid-e2e" {
			t.Errorf("Authorization = %q", auth)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ts := strings.TrimPrefix(parts[1], "Timestamp=")
		if len(ts) != 10 {
			t.Errorf("timestamp %q is not unix seconds", ts)
		}
		tsVal, err := strconv.ParseInt(ts, 10, 64)
		if err != nil || time.Since(time.Unix(tsVal, 0)).Abs() > time.Minute {
			t.Errorf("timestamp %q not within a minute of now", ts)
		}
		canonical := signing.CanonicalString("sid-e2e", tsVal, r.URL.EscapedPath(), signing.CanonicalQuery(r.URL.Query()), body)
		if got := strings.TrimPrefix(parts[2], "Signature="); got != signing.HMAC(e2eSecretKey, canonical) {
			t.Errorf("signature mismatch for %s", r.URL)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		mu.Lock()
		received = append(received, string(body))
		mu.Unlock()

		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	producer := &store.Producer{ID: 1, Code: "CLM", NotifyURL: srv.URL + "/notify?channel=web&app=claims"}
	broken := &store.Producer{ID: 2, Code: "POL", NotifyURL: srv.URL + "/broken"}
	secret := &store.Secret{ID: 1, SecretID: "sid-e2e", SecretKey: encKey, ProducerID: 1}
	secret2 := &store.Secret{ID: 2, SecretID: "sid-e2e", SecretKey: encKey, ProducerID: 2}
	payload := store.Payload{"body": json.RawMessage(`{"claimNo":"C1","status":"paying"}`)}

	mem := &memStore{tasks: map[int64]*store.Task{
		1: {ID: 1, Status: store.StatusHanding, ProducerID: 1, DataParsed: payload, Producer: producer, Secret: secret},
		2: {ID: 2, Status: store.StatusHanding, ProducerID: 2, DataParsed: payload, Producer: broken, Secret: secret2},
		3: {ID: 3, Status: store.StatusSucceed, ProducerID: 1, DataParsed: payload, Producer: producer, Secret: secret},
	}}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	st, err := stream.New(client, stream.Config{Key: "insbiz:notification", Group: "notification-group-1", Consumer: "e2e", Count: 10})
	if err != nil {
		t.Fatal(err)
	}
	d := delivery.New(mem, c, delivery.WithLogger(logging.Discard()))
	lp := New(st, mem, d, Config{Interval: 5 * time.Millisecond, Ack: true, Concurrency: 4}, WithLogger(logging.Discard()))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- lp.Run(runCtx) }()

	// wait until the group exists before producing
	deadline := time.Now().Add(2 * time.Second)
	for !lp.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for _, id := range []int64{1, 2, 3, 404} {
		if _, err := stream.Add(ctx, client, "insbiz:notification", id); err != nil {
			t.Fatal(err)
		}
	}

	for time.Now().Before(deadline) {
		if n, _ := st.Pending(ctx); n == 0 && mem.get(1).Status != store.StatusHanding && mem.get(2).Status != store.StatusHanding {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	t1 := mem.get(1)
	if t1.Status != store.StatusSucceed || t1.FinishedAt == nil || t1.HandledAt == nil {
		t.Errorf("task 1 = %+v, want succeed with handledAt and finishedAt", t1)
	}

	t2 := mem.get(2)
	if t2.Status != store.StatusRetry || t2.Retries != 0 || t2.RetryAt == nil {
		t.Fatalf("task 2 = %+v, want retry", t2)
	}
	if wait := t2.RetryAt.Sub(*t2.HandledAt); wait < 14*time.Second || wait > 16*time.Second {
		t.Errorf("task 2 retry in %v, want 15s", wait)
	}

	if t3 := mem.get(3); t3.HandledAt != nil {
		t.Errorf("terminal task 3 was attempted: %+v", t3)
	}

	mu.Lock()
	if len(received) != 2 {
		t.Errorf("receiver got %d requests, want 2", len(received))
	}
	mu.Unlock()

	if n, _ := st.Pending(ctx); n != 0 {
		t.Errorf("pending entries = %d, want all acknowledged", n)
	}
}
