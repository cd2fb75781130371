package store

import (
	"context"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

// NopStore is used with --no-resume. It never records applicants, so every
// applicant is evaluated on each run.
type NopStore struct{}

var _ model.ProcessedStore = (*NopStore)(nil)

func NewNopStore() *NopStore { return &NopStore{} }

func (s *NopStore) HasProcessed(context.Context, string) (bool, error) { return false, nil }
func (s *NopStore) MarkProcessed(context.Context, string) error        { return nil }
