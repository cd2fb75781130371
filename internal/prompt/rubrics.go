package prompt

import (
	"embed"
	"fmt"
	"strings"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

//go:embed prompts/*.md
var promptFS embed.FS

// Built-in rubric IDs.
const (
	RubricAcademic          = "academic"
	RubricMultiAxisAcademic = "multi_axis_academic"
	RubricSPAR              = "multi_axis_spar"
)

// Rubric is a built-in prompt template.
type Rubric struct {
	ID              string
	Name            string
	MultiAxis       bool
	Axes            []model.Axis
	DefaultCriteria string

	file string
}

var rubrics = []Rubric{
	{
		ID:   RubricAcademic,
		Name: "Academic evaluation",
		file: "prompts/academic.md",
	},
	{
		ID:              RubricMultiAxisAcademic,
		Name:            "Multi-axis academic evaluation",
		MultiAxis:       true,
		DefaultCriteria: "Evaluate the candidate's academic and research potential.",
		file:            "prompts/multi_axis_academic.md",
		Axes: []model.Axis{
			{Name: "General Premise", Keyword: "GENERAL_PREMISE_RATING"},
			{Name: "ML Skills", Keyword: "ML_SKILLS_RATING"},
			{Name: "Policy Experience", Keyword: "POLICY_EXPERIENCE_RATING"},
			{Name: "Understanding of AI Safety", Keyword: "AI_SAFETY_RATING"},
			{Name: "Path to Impact", Keyword: "PATH_TO_IMPACT_RATING"},
			{Name: "Research Experience", Keyword: "RESEARCH_EXPERIENCE_RATING"},
		},
	},
	{
		ID:              RubricSPAR,
		Name:            "SPAR research program evaluation",
		MultiAxis:       true,
		DefaultCriteria: "Evaluate the candidate for the SPAR research program.",
		file:            "prompts/multi_axis_spar.md",
		Axes: []model.Axis{
			{Name: "General Promise", Keyword: "GENERAL_PROMISE_RATING"},
			{Name: "ML Skills", Keyword: "ML_SKILLS_RATING"},
			{Name: "Software Engineering Skills", Keyword: "SOFTWARE_ENGINEERING_RATING"},
			{Name: "Policy Experience", Keyword: "POLICY_EXPERIENCE_RATING"},
			{Name: "Understanding of AI Safety", Keyword: "AI_SAFETY_UNDERSTANDING_RATING"},
			{Name: "Path to Impact", Keyword: "PATH_TO_IMPACT_RATING"},
			{Name: "Research Experience", Keyword: "RESEARCH_EXPERIENCE_RATING"},
		},
	},
}

// Rubrics lists the built-in rubrics.
func Rubrics() []Rubric {
	out := make([]Rubric, len(rubrics))
	for i, r := range rubrics {
		r.Axes = append([]model.Axis(nil), r.Axes...)
		out[i] = r
	}
	return out
}

// LookupRubric finds a built-in rubric by ID.
func LookupRubric(id string) (Rubric, bool) {
	for _, r := range rubrics {
		if r.ID == id {
			r.Axes = append([]model.Axis(nil), r.Axes...)
			return r, true
		}
	}
	return Rubric{}, false
}

// NewBuilderForRubric creates a builder for a built-in rubric. An empty id
// selects the academic rubric. Multi-axis rubrics replace vars.Axes and the
// ranking keyword with their own.
func NewBuilderForRubric(id string, vars Variables) (*Builder, error) {
	if id == "" {
		id = RubricAcademic
	}
	r, ok := LookupRubric(id)
	if !ok {
		return nil, fmt.Errorf("unknown prompt template %q", id)
	}
	text, err := promptFS.ReadFile(r.file)
	if err != nil {
		return nil, fmt.Errorf("read prompt template %s: %w", id, err)
	}
	return newBuilder(string(text), &r, vars)
}

const notesSection = `{{if .NotesInstructions}}

   Then, provide structured evaluation notes between [EVALUATION_NOTES] and [END_EVALUATION_NOTES] markers summarizing:
   {{.NotesInstructions}}

   NOTE: These notes are ADDITIONAL analysis. You still MUST end with the {{.RankingKeyword}} line.{{end}}`

var bracePlaceholders = strings.NewReplacer(
	"{criteria_string}", "{{.Criteria}}",
	"{ranking_keyword}", "{{.RankingKeyword}}",
	"{notes_instructions}", notesSection,
	"{additional_instructions}", "{{if .AdditionalInstructions}}\n\n{{.AdditionalInstructions}}{{end}}",
)

// FromBracePlaceholders converts a system message written with
// {criteria_string}-style placeholders into template text.
func FromBracePlaceholders(text string) string {
	return bracePlaceholders.Replace(text)
}
