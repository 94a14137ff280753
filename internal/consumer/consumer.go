// Package consumer runs the polling loop: read task ids from the stream,
// load the tasks, dispatch them concurrently, acknowledge what was settled.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
	"github.com/austindbirch/harbor_notify/internal/store"
	"github.com/austindbirch/harbor_notify/internal/stream"
	"github.com/austindbirch/harbor_notify/internal/tracing"
)

// DefaultInterval is the pause before every poll.
const DefaultInterval = 2 * time.Second

type Reader interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context) ([]stream.Message, error)
	Reclaim(ctx context.Context) ([]stream.Message, error)
	Ack(ctx context.Context, ids ...string) (int64, error)
	Consumer() string
}

type Loader interface {
	LoadTasks(ctx context.Context, ids []int64) ([]*store.Task, error)
}

type Handler interface {
	Handle(ctx context.Context, t *store.Task) error
}

type Config struct {
	Interval    time.Duration
	Ack         bool
	Concurrency int // parallel Handle calls per batch, <= 0 means unbounded
}

// Loop is the single sequential poller. Batches are processed one at a time.
type Loop struct {
	reader  Reader
	loader  Loader
	handler Handler
	cfg     Config
	log     *logging.Logger
	onReady func()
	running atomic.Bool
}

type Option func(*Loop)

func WithLogger(l *logging.Logger) Option {
	return func(lp *Loop) { lp.log = l }
}

// WithOnReady registers fn to run once Run has ensured the consumer group,
// right before the first poll.
func WithOnReady(fn func()) Option {
	return func(lp *Loop) { lp.onReady = fn }
}

func New(r Reader, l Loader, h Handler, cfg Config, opts ...Option) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	lp := &Loop{
		reader:  r,
		loader:  l,
		handler: h,
		cfg:     cfg,
		log:     logging.New("harbor-notify"),
	}
	for _, o := range opts {
		o(lp)
	}
	return lp
}

// Running reports whether Run is polling.
func (l *Loop) Running() bool { return l.running.Load() }

// Run ensures the consumer group exists and polls until ctx is cancelled.
// Cycle errors are logged and polling continues. A batch in flight when ctx
// is cancelled runs to completion before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.reader.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	l.running.Store(true)
	defer l.running.Store(false)
	if l.onReady != nil {
		l.onReady()
	}

	l.log.Plain().WithConsumer(l.reader.Consumer()).WithField("interval", l.cfg.Interval.String()).Info("consumer loop started")
	for {
		if !sleepCtx(ctx, l.cfg.Interval) {
			l.log.Plain().WithConsumer(l.reader.Consumer()).Info("consumer loop stopped")
			return nil
		}
		if err := l.Cycle(context.WithoutCancel(ctx)); err != nil {
			metrics.RecordCycle("error")
			l.log.Plain().WithConsumer(l.reader.Consumer()).WithError(err).Error("cycle failed")
		}
	}
}

// Cycle processes one batch. It returns an error when the batch could not be
// read or loaded; individual task failures are logged and leave the task's
// entries pending.
func (l *Loop) Cycle(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "notifier.cycle",
		attribute.String("consumer", l.reader.Consumer()),
	)
	defer span.End()

	msgs, err := l.collect(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	if len(msgs) == 0 {
		metrics.RecordCycle("empty")
		return nil
	}

	// one task may be referenced by several entries
	entries := make(map[int64][]string, len(msgs))
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := entries[m.TaskID]; !ok {
			ids = append(ids, m.TaskID)
		}
		entries[m.TaskID] = append(entries[m.TaskID], m.ID)
	}
	span.SetAttributes(attribute.Int("batch.entries", len(msgs)), attribute.Int("batch.tasks", len(ids)))

	tasks, err := l.loader.LoadTasks(ctx, ids)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("consumer: load tasks: %w", err)
	}

	var (
		mu      sync.Mutex
		settled []string
	)
	found := make(map[int64]bool, len(tasks))
	eligible := make([]*store.Task, 0, len(tasks))
	for _, t := range tasks {
		found[t.ID] = true
		if !t.Dispatchable() {
			l.log.WithContext(ctx).WithTask(t.ID).WithMessage(strings.Join(entries[t.ID], ",")).WithField("status", string(t.Status)).Info("task not dispatchable, skipped")
			settled = append(settled, entries[t.ID]...)
			continue
		}
		eligible = append(eligible, t)
	}
	for _, id := range ids {
		if !found[id] {
			l.log.WithContext(ctx).WithTask(id).WithMessage(strings.Join(entries[id], ",")).Warn("task not found, skipped")
			settled = append(settled, entries[id]...)
		}
	}
	metrics.RecordMessages("skipped", len(settled))

	g := new(errgroup.Group)
	if l.cfg.Concurrency > 0 {
		g.SetLimit(l.cfg.Concurrency)
	}
	for _, t := range eligible {
		t := t
		g.Go(func() error {
			if err := l.handle(ctx, t); err != nil {
				l.log.WithContext(ctx).WithTask(t.ID).WithMessage(strings.Join(entries[t.ID], ",")).WithError(err).Error("task outcome not persisted, entry left pending")
				return nil
			}
			mu.Lock()
			settled = append(settled, entries[t.ID]...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if l.cfg.Ack {
		n, err := l.reader.Ack(ctx, settled...)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return fmt.Errorf("consumer: ack: %w", err)
		}
		metrics.RecordMessages("acked", int(n))
	}
	metrics.RecordCycle("ok")
	return nil
}

// collect returns reclaimed entries ahead of new ones.
func (l *Loop) collect(ctx context.Context) ([]stream.Message, error) {
	reclaimed, err := l.reader.Reclaim(ctx)
	if err != nil {
		var me *stream.MalformedError
		if !errors.As(err, &me) {
			return nil, fmt.Errorf("consumer: reclaim: %w", err)
		}
		// a malformed entry never becomes valid; reclaiming it again is pointless
		l.log.WithContext(ctx).WithConsumer(l.reader.Consumer()).WithError(err).WithField("entries", me.IDs).Warn("dropping malformed pending entries")
		if l.cfg.Ack && len(me.IDs) > 0 {
			if _, err := l.reader.Ack(ctx, me.IDs...); err != nil {
				return nil, fmt.Errorf("consumer: ack malformed: %w", err)
			}
		}
		reclaimed = nil
	}

	fresh, err := l.reader.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("consumer: read: %w", err)
	}
	metrics.RecordMessages("reclaimed", len(reclaimed))
	metrics.RecordMessages("read", len(fresh))
	return append(reclaimed, fresh...), nil
}

func (l *Loop) handle(ctx context.Context, t *store.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithContext(ctx).WithTask(t.ID).WithFields(map[string]any{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("task handler panicked")
			err = fmt.Errorf("panic in task %d: %v", t.ID, r)
		}
	}()
	return l.handler.Handle(ctx, t)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
