package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrMissingURL    = errors.New("producer has no notify url")
	ErrBadURL        = errors.New("invalid notify url")
	ErrMissingSecret = errors.New("producer has no secret")
	ErrDecryptSecret = errors.New("cannot decrypt secret key")
	ErrMissingBody   = errors.New("task data has no body")
	ErrBadStatus     = errors.New("unexpected response status")
	ErrPanic         = errors.New("dispatch panicked")
)

// Failure reasons, used as metric labels and in failure_reasons.
const (
	ReasonTimeout           = "timeout"
	ReasonConnectionRefused = "connection_refused"
	ReasonDNS               = "dns_error"
	ReasonNetwork           = "network"
	ReasonHTTP5xx           = "http_5xx"
	ReasonHTTP429           = "http_429"
	ReasonHTTP4xx           = "http_4xx"
	ReasonHTTPOther         = "http_other"
	ReasonInvalidTask       = "invalid_task"
	ReasonPanic             = "panic"
)

// Error is a failed attempt. Retryable errors go through the backoff policy;
// the rest fail the task immediately.
type Error struct {
	Retryable  bool
	Reason     string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Reason, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func invalid(err error) *Error {
	return &Error{Reason: ReasonInvalidTask, Err: err}
}

func transportError(err error) *Error {
	return &Error{Retryable: true, Reason: classifyReason(err, 0), Err: err}
}

func statusError(status int) *Error {
	return &Error{
		Retryable:  true,
		Reason:     classifyReason(nil, status),
		HTTPStatus: status,
		Err:        fmt.Errorf("%w: %d", ErrBadStatus, status),
	}
}

// classifyReason maps a transport error or response status to a reason label.
func classifyReason(doErr error, status int) string {
	if doErr != nil {
		if errors.Is(doErr, context.DeadlineExceeded) {
			return ReasonTimeout
		}
		var netErr net.Error
		if errors.As(doErr, &netErr) && netErr.Timeout() {
			return ReasonTimeout
		}
		var dnsErr *net.DNSError
		if errors.As(doErr, &dnsErr) {
			return ReasonDNS
		}
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") {
			return ReasonTimeout
		}
		if strings.Contains(errLower, "connection refused") {
			return ReasonConnectionRefused
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return ReasonDNS
		}
		return ReasonNetwork
	}
	if status >= 500 {
		return ReasonHTTP5xx
	}
	if status == 429 {
		return ReasonHTTP429
	}
	if status >= 400 {
		return ReasonHTTP4xx
	}
	return ReasonHTTPOther
}

type failureReasons struct {
	Message    string `json:"message"`
	Reason     string `json:"reason"`
	Retryable  bool   `json:"retryable"`
	HTTPStatus int    `json:"httpStatus,omitempty"`
}

// encodeReasons renders the failure_reasons column for e.
func encodeReasons(e *Error) string {
	msg := e.Reason
	if e.Err != nil {
		msg = e.Err.Error()
	}
	b, err := json.Marshal(failureReasons{
		Message:    msg,
		Reason:     e.Reason,
		Retryable:  e.Retryable,
		HTTPStatus: e.HTTPStatus,
	})
	if err != nil {
		return fmt.Sprintf(`{"message":%q}`, msg)
	}
	return string(b)
}
