package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Spacer enforces a minimum interval between request starts to the same
// provider. Concurrent callers reserve consecutive start times, so a burst
// released by the governor is spread out instead of hitting the API at once.
type Spacer struct {
	mu       sync.Mutex
	next     map[string]time.Time // key: provider name
	interval time.Duration
}

// NewSpacer creates a spacer. A zero interval disables spacing.
func NewSpacer(interval time.Duration) *Spacer {
	return &Spacer{
		next:     make(map[string]time.Time),
		interval: interval,
	}
}

// Wait blocks until the caller's reserved start time for provider arrives.
// Returns an error if ctx is cancelled first; the reservation is not reused.
func (s *Spacer) Wait(ctx context.Context, provider string) error {
	if s == nil || s.interval <= 0 {
		return nil
	}

	s.mu.Lock()
	now := time.Now()
	start := s.next[provider]
	if start.Before(now) {
		start = now
	}
	s.next[provider] = start.Add(s.interval)
	s.mu.Unlock()

	wait := time.Until(start)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("request spacing for %s: %w", provider, ctx.Err())
	case <-timer.C:
		return nil
	}
}
