// Package batch evaluates many applicants concurrently through one shared
// dispatcher.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mickzijdel/ai-evaluator-extension/internal/ai"
	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
	"github.com/mickzijdel/ai-evaluator-extension/internal/retry"
)

// Evaluator scores one applicant. *ai.Evaluator implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, provider ai.LLMProvider, applicant model.Applicant, opts ...retry.Option) (model.Evaluation, error)
}

// EventKind says what happened to an applicant.
type EventKind int

const (
	EventStarted EventKind = iota
	EventRetrying
	EventDone
	EventFailed
	EventSkipped
)

// Event reports progress for one applicant.
type Event struct {
	Kind        EventKind
	ApplicantID string
	Evaluation  model.Evaluation // set for EventDone
	Err         error            // set for EventFailed

	// Retry status, set for EventRetrying. An empty Message means the
	// status was cleared.
	Message     string
	Remaining   int
	Attempt     int
	MaxAttempts int
}

// Failure is one applicant that could not be evaluated.
type Failure struct {
	ApplicantID string
	Err         error
}

// Summary is the outcome of a batch.
type Summary struct {
	Total     int
	Evaluated int
	Skipped   int
	Failures  []Failure
}

// Runner evaluates applicants concurrently. Admission is bounded by the
// dispatcher's governor, not by the runner.
type Runner struct {
	evaluator Evaluator
	provider  ai.LLMProvider
	store     model.ProcessedStore
	reporter  model.Reporter
	logger    *slog.Logger
	onEvent   func(Event)
}

// NewRunner creates a runner. onEvent may be nil.
func NewRunner(evaluator Evaluator, provider ai.LLMProvider, store model.ProcessedStore, reporter model.Reporter, logger *slog.Logger, onEvent func(Event)) *Runner {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &Runner{
		evaluator: evaluator,
		provider:  provider,
		store:     store,
		reporter:  reporter,
		logger:    logger,
		onEvent:   onEvent,
	}
}

// Run evaluates every applicant not yet in the store. Per-applicant failures
// are collected in the summary. The returned error is non-nil only when ctx
// was cancelled before the batch finished.
func (r *Runner) Run(ctx context.Context, applicants []model.Applicant) (Summary, error) {
	r.logger.Info("starting batch",
		"applicants", len(applicants),
		"provider", r.provider.Name(),
	)

	var (
		mu      sync.Mutex
		summary = Summary{Total: len(applicants)}
		seen    = make(map[string]bool, len(applicants))
	)
	record := func(fn func(*Summary)) {
		mu.Lock()
		defer mu.Unlock()
		fn(&summary)
	}

	var g errgroup.Group
	for _, applicant := range applicants {
		if seen[applicant.ID] {
			r.logger.Warn("duplicate applicant id in batch, skipping", "applicant", applicant.ID)
			record(func(s *Summary) { s.Skipped++ })
			r.onEvent(Event{Kind: EventSkipped, ApplicantID: applicant.ID})
			continue
		}
		seen[applicant.ID] = true

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			skipped, err := r.evaluateOne(ctx, applicant)
			switch {
			case err != nil && ctx.Err() != nil:
				return ctx.Err()
			case err != nil:
				r.logger.Error("evaluation failed", "applicant", applicant.ID, "error", err)
				record(func(s *Summary) {
					s.Failures = append(s.Failures, Failure{ApplicantID: applicant.ID, Err: err})
				})
				r.onEvent(Event{Kind: EventFailed, ApplicantID: applicant.ID, Err: err})
			case skipped:
				record(func(s *Summary) { s.Skipped++ })
				r.onEvent(Event{Kind: EventSkipped, ApplicantID: applicant.ID})
			default:
				record(func(s *Summary) { s.Evaluated++ })
			}
			return nil
		})
	}

	err := g.Wait()
	r.logger.Info("batch finished",
		"evaluated", summary.Evaluated,
		"skipped", summary.Skipped,
		"failed", len(summary.Failures),
	)
	if err != nil {
		return summary, fmt.Errorf("batch interrupted: %w", err)
	}
	return summary, nil
}

// evaluateOne runs the full pipeline for one applicant: check ledger,
// evaluate, report, mark processed.
func (r *Runner) evaluateOne(ctx context.Context, applicant model.Applicant) (bool, error) {
	done, err := r.store.HasProcessed(ctx, applicant.ID)
	if err != nil {
		return false, fmt.Errorf("checking processed status: %w", err)
	}
	if done {
		return true, nil
	}

	r.onEvent(Event{Kind: EventStarted, ApplicantID: applicant.ID})
	status := retry.WithStatus(func(message string, remaining, attempt, maxAttempts int) {
		r.onEvent(Event{
			Kind:        EventRetrying,
			ApplicantID: applicant.ID,
			Message:     message,
			Remaining:   remaining,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
		})
	})

	eval, err := r.evaluator.Evaluate(ctx, r.provider, applicant, status)
	if err != nil {
		return false, err
	}

	if err := r.reporter.Report(eval); err != nil {
		return false, fmt.Errorf("reporting: %w", err)
	}
	r.onEvent(Event{Kind: EventDone, ApplicantID: applicant.ID, Evaluation: eval})

	if err := r.store.MarkProcessed(ctx, applicant.ID); err != nil {
		r.logger.Warn("could not record processed applicant", "applicant", applicant.ID, "error", err)
	}
	return false, nil
}
