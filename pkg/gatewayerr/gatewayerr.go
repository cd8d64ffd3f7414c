// Package gatewayerr defines the typed error taxonomy shared by every stage
// of the request pipeline. Each stage returns a *Error with a Kind instead of
// a bare error so that downstream stages (retry/failover, HTTP rendering,
// metrics) can branch on classification instead of string matching or
// provider-specific status codes.
package gatewayerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies the failure so callers can decide whether to retry,
// fail over, or surface it to the client unchanged.
type Kind int

const (
	Unknown Kind = iota
	InvalidRequest
	Unauthorized
	RateLimited
	BudgetExhausted
	NoCandidate
	CircuitOpen
	ProviderTransient
	ProviderPermanent
	ProviderContentFiltered
	Timeout
	DeadlineExceeded
	Overloaded
	SafetyBlocked
	CacheError
	Cancelled
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidRequest:
		return "invalid_request"
	case Unauthorized:
		return "unauthorized"
	case RateLimited:
		return "rate_limited"
	case BudgetExhausted:
		return "budget_exhausted"
	case NoCandidate:
		return "no_candidate"
	case CircuitOpen:
		return "circuit_open"
	case ProviderTransient:
		return "provider_transient"
	case ProviderPermanent:
		return "provider_permanent"
	case ProviderContentFiltered:
		return "provider_content_filtered"
	case Timeout:
		return "timeout"
	case DeadlineExceeded:
		return "deadline_exceeded"
	case Overloaded:
		return "overloaded"
	case SafetyBlocked:
		return "safety_blocked"
	case CacheError:
		return "cache_error"
	case Cancelled:
		return "cancelled"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the structured error type passed between pipeline stages.
type Error struct {
	Kind       Kind
	Message    string
	Provider   string
	RequestID  string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether a failed-over request should try the next
// candidate rather than abort the whole dispatch.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ProviderTransient, Timeout, CircuitOpen, RateLimited, Overloaded:
		return true
	default:
		return false
	}
}

// New constructs a gatewayerr.Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap constructs a gatewayerr.Error of the given kind, attaching cause as
// the wrapped error accessible via errors.Unwrap.
func Wrap(kind Kind, provider string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Message: msg, Provider: provider, Cause: cause}
}

// As is a convenience wrapper over errors.As for *Error.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// KindOf extracts the Kind from err, returning Unknown if err is not (or
// does not wrap) a *Error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return Unknown
}

// IsRetryable reports whether the pipeline should try the next candidate
// for err. A *Error defers to its own Retryable(); any other error (e.g. a
// provider adapter that hasn't yet been migrated to the typed taxonomy) is
// treated as transient, matching the teacher's original failover.go
// behavior of retrying on any non-nil error from requestWithFailover.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable()
	}
	return err != nil
}
