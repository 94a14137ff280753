// Package delivery attempts one webhook callback per task and persists the
// outcome.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_notify/internal/backoff"
	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
	"github.com/austindbirch/harbor_notify/internal/signing"
	"github.com/austindbirch/harbor_notify/internal/store"
	"github.com/austindbirch/harbor_notify/internal/tracing"
)

// Updater persists task state changes.
type Updater interface {
	UpdateTask(ctx context.Context, id int64, u store.Update) error
}

// Decrypter recovers a stored secret key.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// DefaultTimeout bounds a single webhook request.
const DefaultTimeout = 15 * time.Second

// maxDrain caps how much of a response body is read before closing it.
const maxDrain = 64 << 10

// Dispatcher delivers tasks. It is safe for concurrent use.
type Dispatcher struct {
	store  Updater
	cipher Decrypter
	client *http.Client
	signer *signing.Signer
	now    func() time.Time
	log    *logging.Logger
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithClock overrides the clock used for timestamps, signatures and retry times.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
		d.signer = &signing.Signer{Now: now}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

func New(st Updater, dec Decrypter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  st,
		cipher: dec,
		client: &http.Client{Timeout: DefaultTimeout},
		signer: signing.New(),
		now:    time.Now,
		log:    logging.New("harbor-notify"),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

type request struct {
	url  *url.URL
	cred signing.Credentials
	body []byte
}

// Handle makes one delivery attempt for t and persists its outcome. The
// returned error is non-nil only when a state change could not be written;
// delivery failures are recorded on the task instead.
func (d *Dispatcher) Handle(ctx context.Context, t *store.Task) (err error) {
	if t == nil {
		return errors.New("delivery: nil task")
	}

	ctx, span := tracing.StartSpan(ctx, "notifier.dispatch",
		attribute.Int64("task.id", t.ID),
		attribute.String("task.type", t.Type),
		attribute.Int64("producer.id", t.ProducerID),
		attribute.Int("task.retries", t.Retries),
	)
	defer span.End()
	log := func() *logging.LogEntry {
		return d.log.WithContext(ctx).WithTask(t.ID).WithProducer(t.ProducerID)
	}

	// r is the persisted attempt count: a fresh task restarts at 0, a
	// scheduled retry counts the attempt that scheduled it. The policy is
	// evaluated on the loaded count, plus that scheduling attempt.
	r, attempt := 0, t.Retries
	if t.RetryAt != nil {
		r = t.Retries + 1
		attempt = r
	}

	defer func() {
		if p := recover(); p != nil {
			log().WithField("panic", fmt.Sprint(p)).Error("dispatch panicked")
			err = d.settle(ctx, t, r, attempt, &Error{Reason: ReasonPanic, Err: fmt.Errorf("%w: %v", ErrPanic, p)}, 0)
		}
	}()

	req, derr := d.prepare(t)
	if derr != nil {
		log().WithError(derr).Warn("task rejected")
		return d.settle(ctx, t, r, attempt, derr, 0)
	}

	tracing.AddSpanEvent(ctx, "db.mark_handled", attribute.Int("retries", r))
	if err := d.store.UpdateTask(ctx, t.ID, store.MarkHandled{HandledAt: d.now(), Retries: r}); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("delivery: mark handled: %w", err)
	}

	latency, derr := d.deliver(ctx, req)
	if derr != nil {
		return d.settle(ctx, t, r, attempt, derr, latency)
	}

	tracing.AddSpanEvent(ctx, "delivery.succeeded")
	span.SetAttributes(attribute.String("task.final_status", string(store.StatusSucceed)))
	metrics.RecordDelivery(string(store.StatusSucceed), latency)
	if err := d.store.UpdateTask(ctx, t.ID, store.MarkSucceeded{FinishedAt: d.now()}); err != nil {
		tracing.SetSpanError(ctx, err)
		log().WithError(err).Error("db update succeed failed")
		return fmt.Errorf("delivery: mark succeeded: %w", err)
	}
	log().WithField("latency_ms", latency.Milliseconds()).Info("notification delivered")
	return nil
}

// prepare resolves everything the request needs. Any error here is final.
func (d *Dispatcher) prepare(t *store.Task) (*request, *Error) {
	if t.Producer == nil || t.Producer.NotifyURL == "" {
		return nil, invalid(ErrMissingURL)
	}
	u, err := url.Parse(t.Producer.NotifyURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, invalid(fmt.Errorf("%w: %q", ErrBadURL, t.Producer.NotifyURL))
	}
	if t.Secret == nil {
		return nil, invalid(ErrMissingSecret)
	}
	key, err := d.cipher.Decrypt(t.Secret.SecretKey)
	if err != nil {
		return nil, invalid(fmt.Errorf("%w: %v", ErrDecryptSecret, err))
	}
	raw, ok := t.DataParsed.Body()
	if !ok {
		return nil, invalid(ErrMissingBody)
	}
	var body bytes.Buffer
	if err := json.Compact(&body, raw); err != nil {
		return nil, invalid(fmt.Errorf("%w: %v", ErrMissingBody, err))
	}
	return &request{
		url:  u,
		cred: signing.Credentials{SecretID: t.Secret.SecretID, SecretKey: key},
		body: body.Bytes(),
	}, nil
}

func (d *Dispatcher) deliver(ctx context.Context, req *request) (time.Duration, *Error) {
	sig := d.signer.Sign(req.cred, req.url, req.body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.url.String(), bytes.NewReader(req.body))
	if err != nil {
		return 0, invalid(fmt.Errorf("%w: %v", ErrBadURL, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", sig.Header())
	tracing.InjectHTTPHeaders(ctx, httpReq.Header)

	tracing.AddSpanEvent(ctx, "http.request_start", attribute.String("http.url", req.url.Redacted()))
	start := time.Now()
	resp, doErr := d.client.Do(httpReq)
	latency := time.Since(start)
	if doErr != nil {
		tracing.SetSpanError(ctx, doErr)
		return latency, transportError(doErr)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	_ = resp.Body.Close()

	tracing.AddSpanEvent(ctx, "http.request_complete",
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return latency, statusError(resp.StatusCode)
	}
	return latency, nil
}

// settle records a failed attempt as a scheduled retry or a terminal failure.
func (d *Dispatcher) settle(ctx context.Context, t *store.Task, r, attempt int, derr *Error, latency time.Duration) error {
	now := d.now()
	dec := backoff.Decide(attempt, derr.Retryable, now)
	reasons := encodeReasons(derr)

	var (
		u      store.Update
		status store.Status
	)
	if dec.Retry {
		u = store.MarkRetry{RetryAt: dec.RetryAt, Retries: &r, FailureReasons: reasons}
		status = store.StatusRetry
		metrics.RecordRetry(derr.Reason)
	} else {
		u = store.MarkFailed{FinishedAt: now, FailureReasons: reasons}
		status = store.StatusFailure
		metrics.RecordFailure(derr.Reason)
	}
	metrics.RecordDelivery(string(status), latency)

	tracing.SetSpanError(ctx, derr)
	tracing.AddSpanEvent(ctx, "delivery.failed",
		attribute.String("failure_reason", derr.Reason),
		attribute.String("task.final_status", string(status)),
	)

	entry := d.log.WithContext(ctx).WithTask(t.ID).WithProducer(t.ProducerID).WithError(derr).WithFields(map[string]any{
		"retries": r,
		"attempt": attempt,
		"reason":  derr.Reason,
		"status":  string(status),
	})
	if dec.Retry {
		entry.WithField("retry_at", dec.RetryAt.Format(time.RFC3339)).Warn("delivery failed, retry scheduled")
	} else {
		entry.Error("delivery failed permanently")
	}

	if err := d.store.UpdateTask(ctx, t.ID, u); err != nil {
		d.log.WithContext(ctx).WithTask(t.ID).WithError(err).Errorf("db update %s failed", status)
		return fmt.Errorf("delivery: mark %s: %w", status, err)
	}
	return nil
}
