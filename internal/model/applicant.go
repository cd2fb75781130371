package model

import "context"

// Applicant is one record to evaluate. Data is the prompt-ready text the
// surrounding application assembled from its form fields.
type Applicant struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name"`
	Data string `json:"data" yaml:"data"`
}

// AxisScore is the score for one axis of a multi-axis rubric. Score is nil
// when the completion did not mention the axis.
type AxisScore struct {
	Name  string `json:"name"`
	Score *int   `json:"score"`
}

// Evaluation is the structured result for one applicant.
type Evaluation struct {
	ApplicantID string      `json:"applicant_id"`
	Provider    string      `json:"provider"`
	Model       string      `json:"model"`
	Score       int         `json:"score"`
	Reasoning   string      `json:"reasoning"`
	Notes       string      `json:"notes,omitempty"`
	AxisScores  []AxisScore `json:"axis_scores,omitempty"`
	Completion  string      `json:"-"`
}

// Reporter receives finished evaluations.
type Reporter interface {
	Report(eval Evaluation) error
}

// ProcessedStore tracks which applicants already went through a batch so a
// rerun can skip them. It stores IDs only.
type ProcessedStore interface {
	HasProcessed(ctx context.Context, applicantID string) (bool, error)
	MarkProcessed(ctx context.Context, applicantID string) error
}

// Axis is one dimension of a multi-axis rubric. Keyword is the token the
// completion is asked to print before the axis score, e.g. ML_SKILLS_RATING.
type Axis struct {
	Name    string `json:"name" yaml:"name"`
	Keyword string `json:"keyword" yaml:"keyword"`
}
