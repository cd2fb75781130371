package notifier

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

var _ model.Reporter = (*JSONReporter)(nil)

// JSONReporter writes one JSON object per evaluation, newline-delimited.
// Safe for concurrent use.
type JSONReporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONReporter returns a reporter writing JSON lines to w.
func NewJSONReporter(w io.Writer) *JSONReporter {
	return &JSONReporter{enc: json.NewEncoder(w)}
}

func (r *JSONReporter) Report(eval model.Evaluation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(eval); err != nil {
		return fmt.Errorf("write evaluation %s: %w", eval.ApplicantID, err)
	}
	return nil
}

// Multi fans each evaluation out to every reporter and returns the first
// error after trying them all.
type Multi []model.Reporter

func (m Multi) Report(eval model.Evaluation) error {
	var first error
	for _, r := range m {
		if err := r.Report(eval); err != nil && first == nil {
			first = err
		}
	}
	return first
}
