// Package stream reads notify task ids from a Redis stream through a
// consumer group.
//
// Entries carry a single field:
//
//	XADD insbiz:notification * tid 42
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Field is the only field of a stream entry; its value is the task id.
const Field = "tid"

// ErrMalformed marks a read result that does not have the expected shape.
var ErrMalformed = errors.New("stream: malformed entry")

// MalformedError lists the entries that failed validation.
type MalformedError struct {
	IDs    []string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("stream: malformed entry: %s", e.Reason)
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

type Config struct {
	Key         string // full stream key, <prefix>:<key>
	Group       string
	Consumer    string
	Count       int64
	ReclaimIdle time.Duration // 0 disables Reclaim
}

// Message is one validated stream entry.
type Message struct {
	ID     string
	TaskID int64
}

// Stream is a consumer-group reader over one stream key.
type Stream struct {
	client redis.Cmdable
	cfg    Config
}

func New(client redis.Cmdable, cfg Config) (*Stream, error) {
	switch {
	case cfg.Key == "":
		return nil, errors.New("stream: key is required")
	case cfg.Group == "":
		return nil, errors.New("stream: group is required")
	case cfg.Consumer == "":
		return nil, errors.New("stream: consumer is required")
	case cfg.Count <= 0:
		return nil, errors.New("stream: count must be positive")
	}
	return &Stream{client: client, cfg: cfg}, nil
}

func (s *Stream) Key() string      { return s.cfg.Key }
func (s *Stream) Consumer() string { return s.cfg.Consumer }

// EnsureGroup creates the consumer group, and the stream if needed, reading
// from the start. An existing group is left as is.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Key, s.cfg.Group, "0-0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("stream: create group %s on %s: %w", s.cfg.Group, s.cfg.Key, err)
	}
	return nil
}

// Read returns up to Count entries never delivered to the group. It does not
// block; an empty stream yields no messages and no error. Any entry of
// unexpected shape fails the whole read with a *MalformedError.
func (s *Stream) Read(ctx context.Context) ([]Message, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{s.cfg.Key, ">"},
		Count:    s.cfg.Count,
		Block:    -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stream: xreadgroup: %w", err)
	}
	return s.validate(res)
}

func (s *Stream) validate(streams []redis.XStream) ([]Message, error) {
	if len(streams) != 1 {
		return nil, &MalformedError{Reason: fmt.Sprintf("want 1 stream, got %d", len(streams))}
	}
	if streams[0].Stream != s.cfg.Key {
		return nil, &MalformedError{Reason: fmt.Sprintf("unexpected stream %q", streams[0].Stream)}
	}
	return parseMessages(streams[0].Messages)
}

func parseMessages(msgs []redis.XMessage) ([]Message, error) {
	out := make([]Message, 0, len(msgs))
	var bad *MalformedError
	for _, m := range msgs {
		id, err := parseMessage(m)
		if err != nil {
			if bad == nil {
				bad = &MalformedError{Reason: err.Error()}
			}
			if m.ID != "" {
				bad.IDs = append(bad.IDs, m.ID)
			}
			continue
		}
		out = append(out, Message{ID: m.ID, TaskID: id})
	}
	if bad != nil {
		return nil, bad
	}
	return out, nil
}

func parseMessage(m redis.XMessage) (int64, error) {
	if m.ID == "" {
		return 0, errors.New("empty entry id")
	}
	if len(m.Values) != 1 {
		return 0, fmt.Errorf("entry %s: want 1 field, got %d", m.ID, len(m.Values))
	}
	raw, ok := m.Values[Field]
	if !ok {
		return 0, fmt.Errorf("entry %s: missing %q field", m.ID, Field)
	}
	v, ok := raw.(string)
	if !ok || v == "" {
		return 0, fmt.Errorf("entry %s: empty %q", m.ID, Field)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("entry %s: %q is not a task id", m.ID, v)
	}
	return id, nil
}

// Reclaim takes over entries pending on any consumer of the group for longer
// than ReclaimIdle. It returns nothing when reclaiming is disabled.
func (s *Stream) Reclaim(ctx context.Context) ([]Message, error) {
	if s.cfg.ReclaimIdle <= 0 {
		return nil, nil
	}
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.cfg.Key,
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		MinIdle:  s.cfg.ReclaimIdle,
		Start:    "0-0",
		Count:    s.cfg.Count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stream: xautoclaim: %w", err)
	}
	return parseMessages(msgs)
}

// Ack acknowledges entries for the group.
func (s *Stream) Ack(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.client.XAck(ctx, s.cfg.Key, s.cfg.Group, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("stream: xack: %w", err)
	}
	return n, nil
}

// Pending returns the number of entries delivered to the group but not acknowledged.
func (s *Stream) Pending(ctx context.Context) (int64, error) {
	p, err := s.client.XPending(ctx, s.cfg.Key, s.cfg.Group).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stream: xpending: %w", err)
	}
	return p.Count, nil
}

// Add appends a task id to the stream and returns the entry id.
func Add(ctx context.Context, client redis.Cmdable, key string, taskID int64) (string, error) {
	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{Field: strconv.FormatInt(taskID, 10)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("stream: xadd: %w", err)
	}
	return id, nil
}
