package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_notify/internal/signing"
)

type receiver struct {
	secretID  string
	secretKey string // plaintext, as stored after decrypt-secret
	failFirst int64
	maxSkew   time.Duration
	now       func() time.Time
	count     atomic.Int64
}

func main() {
	rcv := &receiver{
		secretID:  os.Getenv("SECRET_ID"),
		secretKey: os.Getenv("SECRET_KEY"),
		maxSkew:   5 * time.Minute,
		now:       time.Now,
	}
	// Parse fail first settings
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			rcv.failFirst = n
		}
	}
	// Parse signing timestamp leeway
	if v := os.Getenv("SIGNING_LEEWAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rcv.maxSkew = time.Duration(n) * time.Second
		}
	}
	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	log.Printf("fake-receiver listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, rcv.routes()))
}

func (rcv *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/", rcv.handleHook)
	return mux
}

// handleHook accepts any path so a producer's notify_url can point anywhere on this host.
func (rcv *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := rcv.count.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rcv.secretKey != "" {
		if ok, msg := rcv.verify(r, b); !ok {
			log.Printf("fake-receiver failed to verify signature: %s", msg)
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N request -> 500
	if n <= rcv.failFirst {
		log.Printf("FAILING (%d/%d) %s body=%s", n, rcv.failFirst, r.URL.RequestURI(), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK %s body=%q", r.URL.RequestURI(), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (rcv *receiver) verify(r *http.Request, body []byte) (bool, string) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return false, "missing authorization"
	}
	sig, err := signing.ParseHeader(h)
	if err != nil {
		return false, "malformed authorization"
	}
	if rcv.secretID != "" && sig.SecretID != rcv.secretID {
		return false, "unknown secret id"
	}
	// reject if timestamp is too old/new
	if abs64(rcv.now().Unix()-sig.Timestamp) > int64(rcv.maxSkew.Seconds()) {
		return false, "timestamp outside leeway"
	}
	if !signing.Verify(rcv.secretKey, sig, r.URL, body) {
		return false, "sig mismatch"
	}
	return true, ""
}

// abs64 returns the absolute value of an int64
func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
