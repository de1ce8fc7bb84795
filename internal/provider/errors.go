package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type Kind string

const (
	KindTimeout        Kind = "timeout"
	KindRateLimited    Kind = "rate_limited"
	KindAuthFailure    Kind = "auth_failure"
	KindUnavailable    Kind = "unavailable"
	KindInvalidRequest Kind = "invalid_request"
)

// Error is the only error shape a driver returns.
type Error struct {
	Provider ID
	Kind     Kind
	Status   int // upstream HTTP status, 0 for transport failures
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the kind of err, treating anything that is not a *Error as
// Unavailable.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUnavailable
}

// FromStatus maps a non-2xx upstream response onto the error taxonomy.
func FromStatus(p ID, status int, body []byte) *Error {
	kind := KindUnavailable
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuthFailure
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status >= 400 && status < 500:
		kind = KindInvalidRequest
	}
	return &Error{
		Provider: p,
		Kind:     kind,
		Status:   status,
		Err:      fmt.Errorf("%s api error: %s", p, truncate(body, 512)),
	}
}

// FromTransport classifies errors raised before a response was read.
func FromTransport(p ID, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	kind := KindUnavailable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Provider: p, Kind: kind, Err: err}
}

// Malformed wraps decoding failures of an otherwise successful response.
func Malformed(p ID, err error) *Error {
	return &Error{Provider: p, Kind: KindUnavailable, Err: fmt.Errorf("malformed response: %w", err)}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
