// Package generr defines the error taxonomy surfaced by the orchestration
// layer. Callers only ever see *Error values; raw transport errors are
// normalized before they leave the package that produced them.
package generr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	Internal Kind = iota
	Authentication
	RateLimited
	QuotaExhausted
	Transient
	Cancelled
	CapacityExceeded
	Expired
	InvalidRequest
)

var kindNames = map[Kind]string{
	Internal:         "internal",
	Authentication:   "authentication",
	RateLimited:      "rate_limited",
	QuotaExhausted:   "quota_exhausted",
	Transient:        "transient",
	Cancelled:        "cancelled",
	CapacityExceeded: "capacity_exceeded",
	Expired:          "expired",
	InvalidRequest:   "invalid_request",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether the retry executor may try again after a failure
// of this kind.
func (k Kind) Retryable() bool {
	return k == Transient || k == RateLimited
}

// Error is a classified orchestration failure.
type Error struct {
	Kind Kind
	// Status is the upstream HTTP status, 0 when no response was received.
	Status int
	// RetryAfter is the server-supplied wait hint, 0 when absent.
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrCancelled)
// works regardless of message or status.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Status == 0
}

// Sentinels for errors.Is.
var (
	ErrAuthentication   = &Error{Kind: Authentication}
	ErrRateLimited      = &Error{Kind: RateLimited}
	ErrQuotaExhausted   = &Error{Kind: QuotaExhausted}
	ErrTransient        = &Error{Kind: Transient}
	ErrCancelled        = &Error{Kind: Cancelled}
	ErrCapacityExceeded = &Error{Kind: CapacityExceeded}
	ErrExpired          = &Error{Kind: Expired}
	ErrInvalidRequest   = &Error{Kind: InvalidRequest}
	ErrInternal         = &Error{Kind: Internal}
)

// New returns an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it as the cause.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Cancel reports a cancellation caused by err (usually ctx.Err()).
func Cancel(err error) *Error {
	return &Error{Kind: Cancelled, Message: "request cancelled", Err: err}
}

// KindOf returns the kind of a normalized error, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(Normalize(err), &e) {
		return e.Kind
	}
	return Internal
}

// Normalize maps err onto the taxonomy. nil stays nil and *Error values pass
// through untouched.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancel(err)
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(Transient, err, "request timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(Transient, err, "network failure")
	}
	return Wrap(Internal, err, "unexpected failure")
}

// UserMessage returns the stable, human-readable category message for err.
func UserMessage(err error) string {
	switch KindOf(err) {
	case Authentication:
		return "Authentication failed: check your credentials."
	case RateLimited:
		return "You're being rate limited; retry shortly."
	case QuotaExhausted:
		return "Insufficient quota: add credit or raise the budget."
	case Transient:
		return "Connection problem: check your network and try again."
	case Cancelled:
		return "The request was cancelled."
	case CapacityExceeded:
		return "Too many requests are waiting; try again later."
	case Expired:
		return "The request expired while offline."
	case InvalidRequest:
		return "The request was rejected as invalid."
	default:
		return "Something went wrong while generating text."
	}
}
