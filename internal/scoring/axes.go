package scoring

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

// ExtractAxisScores returns one AxisScore per axis, in the order given. Each
// axis is looked up by its keyword first, then by looser forms of its name.
// Axes that cannot be found get a nil score.
func ExtractAxisScores(text string, axes []model.Axis) []model.AxisScore {
	scores := make([]model.AxisScore, 0, len(axes))
	for _, axis := range axes {
		scores = append(scores, model.AxisScore{Name: axis.Name, Score: findAxisScore(text, axis)})
	}
	return scores
}

// ExtractAxisResult scores a multi-axis completion. The first axis is the
// headline score and must be present; the others may be nil.
func ExtractAxisResult(text string, axes []model.Axis) (Result, []model.AxisScore, error) {
	if len(axes) == 0 {
		return Result{}, nil, &model.FormatError{Reason: "no axes to extract"}
	}
	scores := ExtractAxisScores(text, axes)
	if scores[0].Score == nil {
		return Result{}, scores, &model.FormatError{Keyword: axes[0].Keyword, Reason: "first axis rating not found in response"}
	}
	return Result{
		Score:     *scores[0].Score,
		Reasoning: strings.TrimSpace(notesPattern.ReplaceAllString(text, "")),
		Notes:     ExtractNotes(text),
	}, scores, nil
}

func findAxisScore(text string, axis model.Axis) *int {
	for _, p := range axisPatterns(axis) {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= MinScore && n <= MaxScore {
			return &n
		}
	}
	return nil
}

// axisPatterns lists the forms an axis score may take, most specific first.
func axisPatterns(axis model.Axis) []*regexp.Regexp {
	var patterns []*regexp.Regexp
	if kw := strings.TrimSpace(axis.Keyword); kw != "" {
		q := regexp.QuoteMeta(kw)
		patterns = append(patterns,
			regexp.MustCompile(q+`\**\s*[=:\-]\s*\[?\**([1-5])\b`),
			regexp.MustCompile(q+`[^\n]*?\b([1-5])\s*/\s*5\b`),
		)
	}

	name := strings.TrimSpace(axis.Name)
	if name == "" {
		return patterns
	}
	upper := regexp.QuoteMeta(strings.ToUpper(strings.Join(strings.Fields(name), "_")))
	q := regexp.QuoteMeta(name)
	return append(patterns,
		regexp.MustCompile(upper+`(?:_RATING)?\s*[=:]\s*([1-5])\b`),
		regexp.MustCompile(`(?i)`+q+`(?:\s+rating)?\**\s*[=:]\s*\**([1-5])\b`),
		regexp.MustCompile(`(?i)`+q+`[^\n]*?\b([1-5])\s*(?:/\s*5|out of 5)\b`),
	)
}
