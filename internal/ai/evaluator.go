package ai

import (
	"context"
	"log/slog"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
	"github.com/mickzijdel/ai-evaluator-extension/internal/prompt"
	"github.com/mickzijdel/ai-evaluator-extension/internal/retry"
	"github.com/mickzijdel/ai-evaluator-extension/internal/scoring"
)

// Evaluator scores applicants with an LLM.
type Evaluator struct {
	dispatcher *retry.Dispatcher
	builder    *prompt.Builder
	logger     *slog.Logger
}

// NewEvaluator creates an evaluator that renders prompts with builder and
// sends them through dispatcher.
func NewEvaluator(dispatcher *retry.Dispatcher, builder *prompt.Builder, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		dispatcher: dispatcher,
		builder:    builder,
		logger:     logger,
	}
}

// Evaluate scores one applicant using provider. Provider errors are returned
// as the dispatcher left them; a completion without a valid ranking line
// returns a *model.FormatError.
func (e *Evaluator) Evaluate(ctx context.Context, provider LLMProvider, applicant model.Applicant, opts ...retry.Option) (model.Evaluation, error) {
	conv, err := e.builder.Build(applicant.Data)
	if err != nil {
		return model.Evaluation{}, err
	}

	text, err := e.dispatcher.Dispatch(ctx, provider, conv, opts...)
	if err != nil {
		return model.Evaluation{}, err
	}

	eval, err := e.Score(text, applicant.ID)
	if err != nil {
		e.logger.Debug("unparseable completion",
			"applicant", applicant.ID,
			"provider", provider.Name(),
			"completion", text,
		)
		return model.Evaluation{}, err
	}
	eval.Provider = provider.Name()
	eval.Model = provider.Model()
	return eval, nil
}

// WithBuilder returns an evaluator that shares the dispatcher but renders
// prompts with builder.
func (e *Evaluator) WithBuilder(builder *prompt.Builder) *Evaluator {
	c := *e
	c.builder = builder
	return &c
}

// Builder returns the prompt builder in use.
func (e *Evaluator) Builder() *prompt.Builder {
	return e.builder
}

// Score parses a completion produced from this evaluator's prompt. For
// multi-axis rubrics the first axis rating is the headline score.
func (e *Evaluator) Score(text, applicantID string) (model.Evaluation, error) {
	var (
		res  scoring.Result
		axes []model.AxisScore
		err  error
	)
	if e.builder.MultiAxis() {
		res, axes, err = scoring.ExtractAxisResult(text, e.builder.Axes())
	} else {
		res, err = scoring.ExtractScore(text, e.builder.RankingKeyword())
		if err == nil && len(e.builder.Axes()) > 0 {
			axes = scoring.ExtractAxisScores(text, e.builder.Axes())
		}
	}
	if err != nil {
		return model.Evaluation{}, err
	}

	return model.Evaluation{
		ApplicantID: applicantID,
		Score:       res.Score,
		Reasoning:   res.Reasoning,
		Notes:       res.Notes,
		AxisScores:  axes,
		Completion:  text,
	}, nil
}
