package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
	"github.com/mickzijdel/ai-evaluator-extension/internal/ratelimit"
)

// Provider is the completion contract the dispatcher drives. ai.LLMProvider
// satisfies it.
type Provider interface {
	Name() string
	Complete(ctx context.Context, conv model.Conversation) (string, error)
}

// StatusFunc receives retry progress for display. It is called with
// ("", 0, 0, 0) when a dispatch that retried finally succeeds.
type StatusFunc func(message string, remainingSeconds, attempt, maxAttempts int)

// Attempt describes one failed try inside a single dispatch.
type Attempt struct {
	Number int
	Kind   model.ErrorKind
	Delay  time.Duration
	Err    error
}

// Dispatch outcomes reported to an Observer.
const (
	OutcomeSuccess   = "success"
	OutcomeExhausted = "exhausted"
	OutcomeCancelled = "cancelled"
)

// Observer is notified about retries and finished dispatches.
type Observer interface {
	AttemptFailed(provider string, a Attempt)
	DispatchFinished(provider, outcome string, elapsed time.Duration)
}

// Option adjusts a single Dispatch call.
type Option func(*callOptions)

type callOptions struct {
	cfg    Config
	status StatusFunc
}

// WithRetryConfig overrides the dispatcher's retry settings for one call.
func WithRetryConfig(cfg Config) Option {
	return func(o *callOptions) { o.cfg = cfg }
}

// WithStatus attaches a progress callback to one call.
func WithStatus(fn StatusFunc) Option {
	return func(o *callOptions) { o.status = fn }
}

// Dispatcher sends conversations to a provider under the governor's admission
// limit and retries transient failures.
type Dispatcher struct {
	governor *ratelimit.Governor
	cfg      Config
	logger   *slog.Logger
	observer Observer
	tick     time.Duration
}

// NewDispatcher creates a dispatcher sharing governor with every other
// dispatcher built from it.
func NewDispatcher(governor *ratelimit.Governor, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		governor: governor,
		cfg:      cfg,
		logger:   logger,
		tick:     time.Second,
	}
}

// SetObserver registers an observer for attempt and dispatch events.
func (d *Dispatcher) SetObserver(o Observer) {
	d.observer = o
}

// Governor returns the admission governor used by this dispatcher.
func (d *Dispatcher) Governor() *ratelimit.Governor {
	return d.governor
}

// Dispatch sends conv to p and returns the completion text. On exhaustion it
// returns the last provider error unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, p Provider, conv model.Conversation, opts ...Option) (string, error) {
	o := callOptions{cfg: d.cfg}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	ticket, err := d.governor.Acquire(ctx)
	if err != nil {
		d.finish(p.Name(), OutcomeCancelled, start)
		return "", err
	}
	defer ticket.Release()

	attempt := 0
	for {
		text, err := p.Complete(ctx, conv)
		if err == nil {
			if attempt > 0 {
				o.emit("", 0, 0, 0)
			}
			d.finish(p.Name(), OutcomeSuccess, start)
			return text, nil
		}

		attempt++
		class := Classify(err)
		if !ShouldRetry(err, attempt, o.cfg) {
			outcome := OutcomeExhausted
			if ctx.Err() != nil {
				outcome = OutcomeCancelled
			}
			d.logger.Debug("giving up",
				"provider", p.Name(),
				"attempts", attempt,
				"error", err,
			)
			d.finish(p.Name(), outcome, start)
			return "", err
		}

		delay := NextDelay(err, attempt, o.cfg)
		maxAttempts := o.cfg.MaxOtherRetries
		if class.Overload {
			maxAttempts = o.cfg.MaxOverloadRetries
		}

		d.logger.Warn("retrying after transient error",
			"provider", p.Name(),
			"kind", class.Kind.String(),
			"attempt", attempt,
			"max_retries", maxAttempts,
			"delay", delay,
			"error", err,
		)
		if d.observer != nil {
			d.observer.AttemptFailed(p.Name(), Attempt{
				Number: attempt,
				Kind:   class.Kind,
				Delay:  delay,
				Err:    err,
			})
		}

		message := statusMessage(p.Name(), class)
		o.emit(message, ceilSeconds(delay), attempt, maxAttempts)

		if err := d.sleep(ctx, delay, func(remaining int) {
			o.emit(message, remaining, attempt, maxAttempts)
		}); err != nil {
			d.finish(p.Name(), OutcomeCancelled, start)
			return "", err
		}
	}
}

// sleep waits for delay, calling countdown once per tick with the seconds
// left. It returns early if ctx is done.
func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration, countdown func(int)) error {
	if delay <= 0 {
		return nil
	}

	deadline := time.Now().Add(delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
			return nil
		case <-ticker.C:
			if remaining := time.Until(deadline); remaining > 0 {
				countdown(ceilSeconds(remaining))
			}
		}
	}
}

func (d *Dispatcher) finish(provider, outcome string, start time.Time) {
	if d.observer != nil {
		d.observer.DispatchFinished(provider, outcome, time.Since(start))
	}
}

func (o callOptions) emit(message string, remaining, attempt, maxAttempts int) {
	if o.status != nil {
		o.status(message, remaining, attempt, maxAttempts)
	}
}

func statusMessage(provider string, class Classification) string {
	switch class.Kind {
	case model.KindRateLimited:
		return fmt.Sprintf("%s rate limit reached, waiting to retry", provider)
	case model.KindOverloaded:
		return fmt.Sprintf("%s is overloaded, waiting to retry", provider)
	case model.KindServiceUnavailable:
		return fmt.Sprintf("%s is unavailable, waiting to retry", provider)
	default:
		return fmt.Sprintf("%s request failed, waiting to retry", provider)
	}
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
