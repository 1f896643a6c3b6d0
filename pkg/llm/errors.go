package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies a provider call failure. The router keys its retry,
// breaker, and fallback decisions off this classification.
type ErrorKind string

const (
	// ErrKindInvalidRequest covers malformed requests (HTTP 400/422). Never
	// retried: the same request will fail the same way everywhere.
	ErrKindInvalidRequest ErrorKind = "invalid_request"

	// ErrKindAuth covers authentication and authorization failures (401/403).
	// Never retried against the same provider.
	ErrKindAuth ErrorKind = "auth"

	// ErrKindRateLimited covers HTTP 429 responses.
	ErrKindRateLimited ErrorKind = "rate_limited"

	// ErrKindTimeout covers request deadline expiry.
	ErrKindTimeout ErrorKind = "timeout"

	// ErrKindServer covers provider-side 5xx failures.
	ErrKindServer ErrorKind = "server_error"

	// ErrKindUnavailable covers 503 and connection-refused conditions.
	ErrKindUnavailable ErrorKind = "unavailable"

	// ErrKindConnection covers resets and other transport failures mid-call.
	ErrKindConnection ErrorKind = "connection"

	// ErrKindCancelled covers caller-initiated context cancellation.
	ErrKindCancelled ErrorKind = "cancelled"

	ErrKindUnknown ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on retry.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindRateLimited, ErrKindTimeout, ErrKindServer, ErrKindUnavailable, ErrKindConnection:
		return true
	}
	return false
}

// FastFail reports whether the failure should abort the attempt chain for
// this provider immediately.
func (k ErrorKind) FastFail() bool {
	switch k {
	case ErrKindInvalidRequest, ErrKindAuth, ErrKindCancelled:
		return true
	}
	return false
}

// CallError is the uniform failure shape for provider calls.
type CallError struct {
	Provider   string
	Model      string
	Kind       ErrorKind
	StatusCode int

	// RetryAfter carries the provider's Retry-After hint when present.
	RetryAfter time.Duration

	Err error
}

func (e *CallError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%s): %s [%d]: %v", e.Provider, e.Model, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s: %v", e.Provider, e.Model, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// NewCallError builds a CallError for failures that originate outside a
// provider adapter, such as stage timeouts and cancellation.
func NewCallError(provider, model string, kind ErrorKind, err error) *CallError {
	return &CallError{Provider: provider, Model: model, Kind: kind, Err: err}
}

// Retryable reports whether this failure may succeed on retry.
func (e *CallError) Retryable() bool { return e.Kind.Retryable() }

// KindForStatus maps an HTTP status code onto the error taxonomy.
func KindForStatus(code int) ErrorKind {
	switch {
	case code == 400 || code == 422:
		return ErrKindInvalidRequest
	case code == 401 || code == 403:
		return ErrKindAuth
	case code == 408:
		return ErrKindTimeout
	case code == 429:
		return ErrKindRateLimited
	case code == 503:
		return ErrKindUnavailable
	case code >= 500:
		return ErrKindServer
	case code >= 400:
		return ErrKindInvalidRequest
	}
	return ErrKindUnknown
}

// classifyGeneric handles the failures common to every transport: context
// expiry and network-level errors. Adapters call it after their SDK-specific
// mapping finds nothing.
func classifyGeneric(provider, model string, err error) *CallError {
	kind := ErrKindUnknown
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrKindTimeout
	case errors.Is(err, context.Canceled):
		kind = ErrKindCancelled
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				kind = ErrKindTimeout
			} else {
				kind = ErrKindConnection
			}
		} else {
			var opErr *net.OpError
			if errors.As(err, &opErr) {
				kind = ErrKindConnection
			}
		}
	}
	return &CallError{Provider: provider, Model: model, Kind: kind, Err: err}
}

// AsCallError extracts a CallError from an error chain.
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
