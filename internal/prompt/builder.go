package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

// DefaultRankingKeyword is the token the completion must print before the
// final score.
const DefaultRankingKeyword = "FINAL_RANKING"

const multiAxisInstructions = "Return a score from 1-5 for each of the evaluation axes."

// Variables fill in the rubric template.
type Variables struct {
	Criteria               string
	RankingKeyword         string
	NotesInstructions      string
	AdditionalInstructions string
	Axes                   []model.Axis
}

// Builder renders evaluation conversations from a rubric template.
// Safe for concurrent use.
type Builder struct {
	tmpl   *template.Template
	text   string
	rubric *Rubric
	input  Variables // as given, before rubric defaults
	vars   Variables
}

// NewBuilder creates a builder using the built-in academic rubric.
func NewBuilder(vars Variables) (*Builder, error) {
	return NewBuilderForRubric(RubricAcademic, vars)
}

// NewBuilderFromTemplate creates a builder from a custom template text. The
// template sees the same fields as Variables.
func NewBuilderFromTemplate(text string, vars Variables) (*Builder, error) {
	return newBuilder(text, nil, vars)
}

func newBuilder(text string, rubric *Rubric, input Variables) (*Builder, error) {
	tmpl, err := template.New("rubric").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}

	vars := input
	vars.Axes = append([]model.Axis(nil), input.Axes...)
	if rubric != nil && rubric.MultiAxis {
		// The first axis is the headline score.
		vars.Axes = append([]model.Axis(nil), rubric.Axes...)
		vars.RankingKeyword = rubric.Axes[0].Keyword
		if strings.TrimSpace(vars.Criteria) == "" {
			vars.Criteria = rubric.DefaultCriteria
		}
		if strings.TrimSpace(vars.AdditionalInstructions) == "" {
			vars.AdditionalInstructions = multiAxisInstructions
		}
	}

	vars.Criteria = strings.ReplaceAll(vars.Criteria, "<br>", "\n")
	vars.RankingKeyword = strings.TrimSpace(vars.RankingKeyword)
	if vars.RankingKeyword == "" {
		vars.RankingKeyword = DefaultRankingKeyword
	}
	vars.NotesInstructions = strings.TrimSpace(vars.NotesInstructions)
	vars.AdditionalInstructions = strings.TrimSpace(vars.AdditionalInstructions)

	b := &Builder{tmpl: tmpl, text: text, rubric: rubric, input: input, vars: vars}
	// Fail at construction rather than on the first applicant.
	if _, err := b.render(); err != nil {
		return nil, err
	}
	return b, nil
}

// With returns a builder for the same template with different variables.
func (b *Builder) With(vars Variables) (*Builder, error) {
	return newBuilder(b.text, b.rubric, vars)
}

// Variables returns the variables the builder was created with, before any
// rubric defaults were applied.
func (b *Builder) Variables() Variables {
	v := b.input
	v.Axes = append([]model.Axis(nil), b.input.Axes...)
	return v
}

// RubricID returns the built-in rubric in use, or "" for a custom template.
func (b *Builder) RubricID() string {
	if b.rubric == nil {
		return ""
	}
	return b.rubric.ID
}

// MultiAxis reports whether the headline score is the first axis rating
// rather than a ranking line.
func (b *Builder) MultiAxis() bool {
	return b.rubric != nil && b.rubric.MultiAxis
}

// RankingKeyword returns the keyword the rendered prompt asks for.
func (b *Builder) RankingKeyword() string {
	return b.vars.RankingKeyword
}

// Axes returns the rubric axes.
func (b *Builder) Axes() []model.Axis {
	return b.vars.Axes
}

// Build returns the conversation for one applicant: the applicant data as
// the user message followed by the rendered rubric as a trailing system
// message.
func (b *Builder) Build(applicantData string) (model.Conversation, error) {
	system, err := b.render()
	if err != nil {
		return nil, err
	}
	return model.NewConversation(
		model.Message{Role: model.RoleUser, Content: applicantData},
		model.Message{Role: model.RoleSystem, Content: system},
	), nil
}

func (b *Builder) render() (string, error) {
	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, b.vars); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
