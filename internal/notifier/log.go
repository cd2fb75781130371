package notifier

import (
	"log/slog"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

// Ensure LogReporter implements model.Reporter.
var _ model.Reporter = (*LogReporter)(nil)

// LogReporter writes each evaluation to the given logger as a structured line.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter returns a reporter that logs each evaluation via slog.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report logs the applicant, score and provider. Returns nil (stdout logging
// does not fail).
func (r *LogReporter) Report(eval model.Evaluation) error {
	args := []any{
		"applicant", eval.ApplicantID,
		"score", eval.Score,
		"provider", eval.Provider,
		"model", eval.Model,
	}
	for _, a := range eval.AxisScores {
		if a.Score != nil {
			args = append(args, "axis."+a.Name, *a.Score)
		}
	}
	if eval.Notes != "" {
		args = append(args, "notes", eval.Notes)
	}
	r.logger.Info("applicant evaluated", args...)
	return nil
}
