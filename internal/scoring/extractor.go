// Package scoring pulls structured scores out of free-text completions.
package scoring

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

const (
	MinScore = 1
	MaxScore = 5

	notesStart = "[EVALUATION_NOTES]"
	notesEnd   = "[END_EVALUATION_NOTES]"
)

// Result is the score parsed from one completion.
type Result struct {
	Score     int
	Reasoning string
	Notes     string
}

var notesPattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(notesStart) + `(.*?)` + regexp.QuoteMeta(notesEnd))

// ExtractScore finds the last "<keyword> = <value>" line in text and returns
// the value as a score in [1,5]. Markdown emphasis and brackets around the
// value are tolerated. Anything else is a *model.FormatError.
func ExtractScore(text, keyword string) (Result, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return Result{}, &model.FormatError{Keyword: keyword, Reason: "empty ranking keyword"}
	}

	// The keyword must start a word and the value must sit on the same line.
	pattern := regexp.MustCompile(`(?m)(?:^|[^A-Za-z0-9_\n])` + regexp.QuoteMeta(keyword) + `\**[ \t]*=[ \t]*(\S+)`)
	matches := pattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return Result{}, &model.FormatError{Keyword: keyword, Reason: "not found in response"}
	}
	last := matches[len(matches)-1]
	raw := text[last[2]:last[3]]

	digits := strings.Trim(raw, "[]()*.,")
	score, err := strconv.Atoi(digits)
	if err != nil || !isDigits(digits) {
		return Result{}, &model.FormatError{Keyword: keyword, Reason: "value " + strconv.Quote(raw) + " is not an integer"}
	}
	if score < MinScore || score > MaxScore {
		return Result{}, &model.FormatError{Keyword: keyword, Reason: "score " + strconv.Itoa(score) + " outside 1-5"}
	}

	lineStart := strings.LastIndex(text[:last[0]], "\n") + 1
	return Result{
		Score:     score,
		Reasoning: strings.TrimSpace(notesPattern.ReplaceAllString(text[:lineStart], "")),
		Notes:     ExtractNotes(text),
	}, nil
}

// ExtractNotes returns the trimmed content of the first evaluation notes
// block, or "" if there is none.
func ExtractNotes(text string) string {
	m := notesPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
