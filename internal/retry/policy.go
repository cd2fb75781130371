package retry

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

// Config controls how many times a failed completion is retried and how long
// to wait between attempts.
type Config struct {
	MaxOverloadRetries    int
	OverloadBackoffDelays []time.Duration
	MaxOtherRetries       int
	OtherRetryDelay       time.Duration
}

// DefaultConfig returns the retry settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxOverloadRetries: 5,
		OverloadBackoffDelays: []time.Duration{
			10 * time.Second,
			20 * time.Second,
			40 * time.Second,
			60 * time.Second,
			60 * time.Second,
		},
		MaxOtherRetries: 3,
		OtherRetryDelay: time.Second,
	}
}

// Classification is the verdict on a single failed attempt.
type Classification struct {
	Overload bool
	Kind     model.ErrorKind
}

var overloadMarkers = []struct {
	marker string
	kind   model.ErrorKind
}{
	{"status 429", model.KindRateLimited},
	{"status 529", model.KindOverloaded},
	{"status 503", model.KindServiceUnavailable},
	{"overload_error", model.KindOverloaded},
	{"overloaded", model.KindOverloaded},
	{"rate limit", model.KindRateLimited},
	{"service unavailable", model.KindServiceUnavailable},
}

// Classify decides whether err is a transient capacity failure. Provider
// errors carry their own tag; anything else falls back to matching the
// rendered message.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: model.KindOther}
	}

	var provErr *model.ProviderError
	if errors.As(err, &provErr) {
		return Classification{Overload: provErr.Kind.IsOverload(), Kind: provErr.Kind}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range overloadMarkers {
		if strings.Contains(msg, m.marker) {
			return Classification{Overload: true, Kind: m.kind}
		}
	}
	return Classification{Kind: model.KindOther}
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry[- ]after:\s*(\d+)`)

// NextDelay returns how long to wait before the next attempt. attempt is the
// 1-based number of the retry about to happen.
func NextDelay(err error, attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if !Classify(err).Overload {
		return exponential(cfg.OtherRetryDelay, attempt)
	}

	if hint, ok := retryAfterHint(err); ok {
		return hint
	}

	if len(cfg.OverloadBackoffDelays) == 0 {
		return exponential(cfg.OtherRetryDelay, attempt)
	}
	idx := min(attempt-1, len(cfg.OverloadBackoffDelays)-1)
	return cfg.OverloadBackoffDelays[idx]
}

// ShouldRetry reports whether another attempt is allowed after err. attempt is
// the 1-based number of the retry that would happen next.
func ShouldRetry(err error, attempt int, cfg Config) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var decodeErr *model.DecodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	var formatErr *model.FormatError
	if errors.As(err, &formatErr) {
		return false
	}

	if Classify(err).Overload {
		return attempt <= cfg.MaxOverloadRetries
	}
	return attempt <= cfg.MaxOtherRetries
}

// retryAfterHint looks for an explicit wait, first in the parsed header then
// in the message text.
func retryAfterHint(err error) (time.Duration, bool) {
	var provErr *model.ProviderError
	if errors.As(err, &provErr) && provErr.RetryAfter > 0 {
		return provErr.RetryAfter, true
	}

	m := retryAfterPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	secs, convErr := strconv.Atoi(m[1])
	if convErr != nil || secs <= 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// exponential computes base * 2^(attempt-1).
func exponential(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
