package adapters

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies adapter failures for retry and circuit breaker decisions.
type Kind int

const (
	// KindTransient — retryable upstream failure (connect error, 5xx, 429).
	KindTransient Kind = iota
	// KindPermanent — upstream failed in a way retries will not fix.
	KindPermanent
	// KindBadRequest — 4xx-class caller error; propagated as-is.
	KindBadRequest
	// KindTimeout — the upstream did not answer within the deadline.
	KindTimeout
	// KindCancelled — the caller went away.
	KindCancelled
	// KindConfig — provider misconfiguration; the provider is marked
	// unhealthy until edited.
	KindConfig
)

// String returns the metrics/log label for the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient_upstream"
	case KindPermanent:
		return "permanent_upstream"
	case KindBadRequest:
		return "bad_request"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindConfig:
		return "config_error"
	}
	return "unknown"
}

// Error is the structured failure type returned by adapters.
type Error struct {
	Provider string
	Kind     Kind
	Status   int // upstream HTTP status when known, else 0
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the upstream status when known, else the gateway status
// implied by the kind.
func (e *Error) HTTPStatus() int {
	if e.Status > 0 {
		return e.Status
	}
	switch e.Kind {
	case KindTimeout:
		return 504
	case KindBadRequest:
		return 400
	default:
		return 502
	}
}

// Errf builds an *Error with a formatted message.
func Errf(provider string, kind Kind, format string, args ...any) *Error {
	return &Error{Provider: provider, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr builds an *Error around an underlying cause. Context errors take
// precedence over the supplied kind so cancellation is never misclassified.
func WrapErr(provider string, kind Kind, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	}
	return &Error{Provider: provider, Kind: kind, Message: err.Error(), Err: err}
}

// FromHTTPStatus maps an upstream HTTP status to an *Error.
//
//	408, 429, 5xx → transient
//	other 4xx     → bad request
//	anything else → permanent
func FromHTTPStatus(provider string, status int, msg string) *Error {
	kind := KindPermanent
	switch {
	case status == 408 || status == 429 || status >= 500:
		kind = KindTransient
	case status >= 400 && status < 500:
		kind = KindBadRequest
	}
	return &Error{Provider: provider, Kind: kind, Status: status, Message: msg}
}

// KindOf extracts the failure kind from any error. Plain context errors map
// to Timeout/Cancelled; everything unclassified is treated as transient so
// unknown infrastructure failures stay retryable.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransient
}

// Retryable reports whether the dispatcher should advance to the next
// candidate provider after this error.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	}
	return false
}

// TripsBreaker reports whether the failure counts toward the provider's
// circuit breaker threshold.
func TripsBreaker(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout, KindPermanent, KindConfig:
		return true
	}
	return false
}
