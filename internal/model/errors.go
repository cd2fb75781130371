package model

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorKind tags a provider failure so retry policy can switch on it instead
// of parsing message text.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindRateLimited
	KindOverloaded
	KindServiceUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindOverloaded:
		return "overloaded"
	case KindServiceUnavailable:
		return "service_unavailable"
	default:
		return "other"
	}
}

// IsOverload reports whether the kind is one of the transient capacity kinds.
func (k ErrorKind) IsOverload() bool {
	return k != KindOther
}

// StatusOverloaded is the non-standard status Anthropic returns when the API
// is over capacity.
const StatusOverloaded = 529

// KindFor derives the error kind from an HTTP status and the raw response body.
// Status codes win; the body is consulted for providers that report capacity
// problems with a generic status.
func KindFor(statusCode int, body string) ErrorKind {
	switch statusCode {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case StatusOverloaded:
		return KindOverloaded
	case http.StatusServiceUnavailable:
		return KindServiceUnavailable
	}

	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "overloaded"), strings.Contains(lower, "overload_error"):
		return KindOverloaded
	case strings.Contains(lower, "rate limit"):
		return KindRateLimited
	case strings.Contains(lower, "service unavailable"):
		return KindServiceUnavailable
	}
	return KindOther
}

// ProviderError is a non-2xx response from an LLM provider. Body is kept
// verbatim so callers can inspect what the provider said.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
	RetryAfter time.Duration // from Retry-After header, zero if absent
	Kind       ErrorKind
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// NewProviderError builds a ProviderError and tags it from status and body.
func NewProviderError(provider string, statusCode int, body string, retryAfter time.Duration) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Body:       body,
		RetryAfter: retryAfter,
		Kind:       KindFor(statusCode, body),
	}
}

// ConnectivityError means the provider could not be reached at all.
type ConnectivityError struct {
	Provider string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: cannot reach the API, check your network connection and base URL: %v", e.Provider, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// DecodeError is a 2xx response whose envelope did not have the expected shape.
type DecodeError struct {
	Provider string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode response: %v", e.Provider, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FormatError means a completion did not contain a usable ranking line.
type FormatError struct {
	Keyword string
	Reason  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("ranking line %q: %s", e.Keyword, e.Reason)
}
