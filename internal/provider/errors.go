package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"unicode/utf8"
)

// Kind classifies a provider failure for the retry policy.
type Kind string

const (
	// KindTransient failures (timeouts, rate limits, 5xx) are retried
	KindTransient Kind = "transient"
	// KindPermanent failures (bad prompt, policy rejection, bad credentials) are not
	KindPermanent Kind = "permanent"
)

const maxMessageLen = 200

// Error is the normalized failure returned by the gateway. Message is fixed
// text safe to show the job owner; Detail carries the provider's own wording
// and only reaches the logs.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Message    string
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s: %s error", e.Provider, e.Kind)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure may succeed on retry.
func (e *Error) Transient() bool {
	return e.Kind == KindTransient
}

// Summary is the human-readable text stored on a failed job. It never
// includes Detail or the wrapped error, which may carry raw provider payloads.
func (e *Error) Summary() string {
	msg := e.Message
	if msg == "" {
		msg = "generation request failed"
	}
	return fmt.Sprintf("%s (%s provider error)", truncate(msg, maxMessageLen), e.Kind)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// statusMessage is the owner-facing text for an upstream HTTP status.
func statusMessage(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return "provider rate limited"
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return "provider credentials rejected"
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return "provider call timed out"
	case code >= 500:
		return "provider unavailable"
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return "invalid generation request"
	default:
		return "provider rejected the request"
	}
}

// NewTransient creates a retryable provider error
func NewTransient(provider, message string, err error) *Error {
	return &Error{Kind: KindTransient, Provider: provider, Message: message, Err: err}
}

// NewPermanent creates a non-retryable provider error
func NewPermanent(provider, message string, err error) *Error {
	return &Error{Kind: KindPermanent, Provider: provider, Message: message, Err: err}
}

// ClassifyHTTPStatus maps an upstream HTTP status to a failure kind.
func ClassifyHTTPStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// Classify wraps err into an *Error. Errors that already are *Error keep
// their kind; timeouts and network failures are transient; anything else is
// treated as permanent so unknown failures never loop.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var perr *Error
	if errors.As(err, &perr) {
		if perr.Provider == "" {
			perr.Provider = provider
		}
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransient(provider, "provider call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewTransient(provider, "provider call interrupted", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransient(provider, "provider unreachable", err)
	}
	return NewPermanent(provider, "provider rejected the request", err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return Classify("", err).Transient()
}

// Summarize returns the user-facing summary for any error.
func Summarize(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Summary()
	}
	return "generation failed"
}
