package store

import "time"

// Update is a typed partial update of a notify task. The set of
// implementations is closed; updated_at is always refreshed.
type Update interface {
	assignments() []assignment
}

type assignment struct {
	column string
	value  any
}

// MarkHandled records the start of an attempt.
type MarkHandled struct {
	HandledAt time.Time
	Retries   int
}

func (u MarkHandled) assignments() []assignment {
	return []assignment{
		{"handled_at", u.HandledAt},
		{"retries", u.Retries},
	}
}

// MarkSucceeded records a delivered callback.
type MarkSucceeded struct {
	FinishedAt time.Time
}

func (u MarkSucceeded) assignments() []assignment {
	return []assignment{
		{"status", string(StatusSucceed)},
		{"finished_at", u.FinishedAt},
	}
}

// MarkRetry schedules another attempt. Retries is only written when set.
type MarkRetry struct {
	RetryAt        time.Time
	Retries        *int
	FailureReasons string
}

func (u MarkRetry) assignments() []assignment {
	a := []assignment{
		{"status", string(StatusRetry)},
		{"retry_at", u.RetryAt},
	}
	if u.Retries != nil {
		a = append(a, assignment{"retries", *u.Retries})
	}
	return append(a, assignment{"failure_reasons", u.FailureReasons})
}

// MarkFailed moves the task to its terminal failure state. Any scheduled
// retry is cleared.
type MarkFailed struct {
	FinishedAt     time.Time
	FailureReasons string
}

func (u MarkFailed) assignments() []assignment {
	return []assignment{
		{"status", string(StatusFailure)},
		{"finished_at", u.FinishedAt},
		{"retry_at", nil},
		{"failure_reasons", u.FailureReasons},
	}
}
