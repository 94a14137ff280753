// Package backoff maps a task's failed-attempt count to the next retry time.
// It is a pure function of its inputs and safe for concurrent use.
package backoff

import "time"

// MaxRetries is the highest retry count that still schedules another attempt.
const MaxRetries = 9

// schedule[r] is the wait after a failure when r attempts had already failed.
var schedule = [...]time.Duration{
	15 * time.Second,
	30 * time.Second,
	3 * time.Minute,
	10 * time.Minute,
	20 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
	3 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
}

// Delay returns the wait for retries and whether another attempt is allowed.
func Delay(retries int) (time.Duration, bool) {
	if retries < 0 || retries >= len(schedule) {
		return 0, false
	}
	return schedule[retries], true
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	Retry   bool
	RetryAt time.Time // zero unless Retry
	Delay   time.Duration
}

// Decide evaluates a failed attempt. Past MaxRetries the task fails terminally
// whatever the error class; otherwise only retryable errors are rescheduled.
func Decide(retries int, retryable bool, now time.Time) Decision {
	if retries > MaxRetries || !retryable {
		return Decision{}
	}
	d, ok := Delay(retries)
	if !ok {
		return Decision{}
	}
	return Decision{Retry: true, RetryAt: now.Add(d), Delay: d}
}
