package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Governor bounds how many dispatches may hold an admission ticket at once.
// The limit can change at any time; the gate is rebuilt lazily on the next
// Acquire. Tickets granted under an old gate keep running and release into
// the gate they came from.
type Governor struct {
	limitFn func() int
	live    atomic.Int64

	mu     sync.Mutex
	cached int
	gate   *semaphore.Weighted

	inFlight atomic.Int64
}

// NewGovernor creates a governor whose live limit is set with SetLimit.
func NewGovernor(limit int) *Governor {
	g := &Governor{}
	g.live.Store(int64(normalizeLimit(limit)))
	g.limitFn = func() int { return int(g.live.Load()) }
	return g
}

// NewGovernorFunc creates a governor that reads its live limit from fn on
// every acquisition, e.g. a value the operator edits in a settings store.
func NewGovernorFunc(fn func() int) *Governor {
	return &Governor{limitFn: fn}
}

// SetLimit changes the live limit. It only affects tickets acquired afterwards.
// Has no effect on governors built with NewGovernorFunc.
func (g *Governor) SetLimit(limit int) {
	g.live.Store(int64(normalizeLimit(limit)))
}

// Limit returns the live configured limit.
func (g *Governor) Limit() int {
	return normalizeLimit(g.limitFn())
}

// InFlight returns the number of tickets currently held.
func (g *Governor) InFlight() int {
	return int(g.inFlight.Load())
}

// Acquire blocks until a ticket is available or ctx is done. Waiters are
// admitted in arrival order.
func (g *Governor) Acquire(ctx context.Context) (*Ticket, error) {
	gate := g.currentGate()
	if err := gate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for admission slot: %w", err)
	}
	g.inFlight.Add(1)
	return &Ticket{gate: gate, governor: g}, nil
}

// currentGate returns the gate for the live limit, rebuilding it if the
// limit changed since the last acquisition.
func (g *Governor) currentGate() *semaphore.Weighted {
	want := g.Limit()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gate == nil || want != g.cached {
		g.gate = semaphore.NewWeighted(int64(want))
		g.cached = want
	}
	return g.gate
}

// Ticket is one admission slot. Release must be called exactly once, but
// extra calls are harmless.
type Ticket struct {
	gate     *semaphore.Weighted
	governor *Governor
	once     sync.Once
}

// Release returns the slot to the gate it was taken from.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.gate.Release(1)
		t.governor.inFlight.Add(-1)
	})
}

func normalizeLimit(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
