package store

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a notify task.
type Status string

const (
	StatusHanding Status = "handing"
	StatusRetry   Status = "retry"
	StatusSucceed Status = "succeed"
	StatusFailure Status = "failure"
)

// Dispatchable reports whether a task in this status may be attempted.
// succeed and failure are terminal.
func (s Status) Dispatchable() bool {
	return s == StatusHanding || s == StatusRetry
}

// Producer is the business system that owns a task and receives its callback.
type Producer struct {
	ID        int64
	Name      string
	Code      string
	NotifyURL string // empty when the producer has none configured
}

// Secret is a signing credential. SecretKey is still encrypted.
type Secret struct {
	ID         int64
	SecretID   string
	SecretKey  string
	ProducerID int64
}

// Payload is the parsed task data. Values stay raw so the body is forwarded
// exactly as the producer wrote it.
type Payload map[string]json.RawMessage

// Body returns the webhook body and whether the payload carries one.
// A JSON null counts as present.
func (p Payload) Body() (json.RawMessage, bool) {
	b, ok := p["body"]
	if !ok || len(b) == 0 {
		return nil, false
	}
	return b, true
}

// Task is a notify_tasks row hydrated with its producer and secret.
type Task struct {
	ID             int64
	Type           string
	Data           string
	DataParsed     Payload
	Status         Status
	ProducerID     int64
	Retries        int
	RetryAt        *time.Time
	HandledAt      *time.Time
	FinishedAt     *time.Time
	FailureReasons *string
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Producer *Producer // nil when the producer row is missing
	Secret   *Secret   // nil when the producer owns no secret
}

// Dispatchable reports whether the task should be attempted.
func (t *Task) Dispatchable() bool {
	return t != nil && t.Status.Dispatchable()
}

func parsePayload(data string) (Payload, error) {
	p := Payload{}
	if data == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	if p == nil {
		// "null"
		p = Payload{}
	}
	return p, nil
}
