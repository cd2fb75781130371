package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mickzijdel/ai-evaluator-extension/internal/ai"
	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
	"github.com/mickzijdel/ai-evaluator-extension/internal/prompt"
	"github.com/mickzijdel/ai-evaluator-extension/internal/ratelimit"
	"github.com/mickzijdel/ai-evaluator-extension/internal/retry"
	"github.com/mickzijdel/ai-evaluator-extension/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider answers based on the applicant data it receives.
type fakeProvider struct {
	mu      sync.Mutex
	answers map[string]string
	fail    map[string]error
	delay   time.Duration
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-1" }

func (f *fakeProvider) Complete(ctx context.Context, conv model.Conversation) (string, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	data := conv[0].Content
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[data]; ok {
		return "", err
	}
	return f.answers[data], nil
}

type memoryStore struct {
	mu   sync.Mutex
	done map[string]bool
}

func newMemoryStore(ids ...string) *memoryStore {
	s := &memoryStore{done: map[string]bool{}}
	for _, id := range ids {
		s.done[id] = true
	}
	return s
}

func (s *memoryStore) HasProcessed(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[id], nil
}

func (s *memoryStore) MarkProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[id] = true
	return nil
}

type collectingReporter struct {
	mu    sync.Mutex
	evals map[string]model.Evaluation
}

func (c *collectingReporter) Report(e model.Evaluation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.evals == nil {
		c.evals = map[string]model.Evaluation{}
	}
	c.evals[e.ApplicantID] = e
	return nil
}

func newEvaluator(t *testing.T, limit int) *ai.Evaluator {
	t.Helper()
	b, err := prompt.NewBuilder(prompt.Variables{Criteria: "x"})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	cfg := retry.Config{MaxOtherRetries: 0, MaxOverloadRetries: 0, OverloadBackoffDelays: []time.Duration{time.Millisecond}}
	d := retry.NewDispatcher(ratelimit.NewGovernor(limit), cfg, discardLogger())
	return ai.NewEvaluator(d, b, discardLogger())
}

func TestRun_EvaluatesAndCorrelatesByID(t *testing.T) {
	provider := &fakeProvider{answers: map[string]string{
		"alice": "good\nFINAL_RANKING = 5",
		"bob":   "ok\nFINAL_RANKING = 3",
		"carol": "weak\nFINAL_RANKING = 1",
	}}
	rep := &collectingReporter{}
	st := newMemoryStore()
	r := NewRunner(newEvaluator(t, 2), provider, st, rep, discardLogger(), nil)

	applicants := []model.Applicant{{ID: "a", Data: "alice"}, {ID: "b", Data: "bob"}, {ID: "c", Data: "carol"}}
	sum, err := r.Run(context.Background(), applicants)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Evaluated != 3 || sum.Skipped != 0 || len(sum.Failures) != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	want := map[string]int{"a": 5, "b": 3, "c": 1}
	for id, score := range want {
		if got := rep.evals[id].Score; got != score {
			t.Errorf("applicant %s score = %d, want %d", id, got, score)
		}
		if !st.done[id] {
			t.Errorf("applicant %s not marked processed", id)
		}
	}
}

func TestRun_SkipsProcessedAndDuplicates(t *testing.T) {
	provider := &fakeProvider{answers: map[string]string{"x": "FINAL_RANKING = 2"}}
	rep := &collectingReporter{}
	r := NewRunner(newEvaluator(t, 1), provider, newMemoryStore("done"), rep, discardLogger(), nil)

	sum, err := r.Run(context.Background(), []model.Applicant{
		{ID: "done", Data: "x"},
		{ID: "new", Data: "x"},
		{ID: "new", Data: "x"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Evaluated != 1 || sum.Skipped != 2 {
		t.Errorf("summary = %+v, want 1 evaluated, 2 skipped", sum)
	}
	if _, ok := rep.evals["done"]; ok {
		t.Error("already processed applicant was reported again")
	}
}

func TestRun_FailuresAreCollectedNotFatal(t *testing.T) {
	provider := &fakeProvider{
		answers: map[string]string{"good": "FINAL_RANKING = 4", "garbled": "no score here"},
		fail:    map[string]error{"broken": model.NewProviderError("fake", 400, "bad request", 0)},
	}
	st := newMemoryStore()
	r := NewRunner(newEvaluator(t, 3), provider, st, &collectingReporter{}, discardLogger(), nil)

	sum, err := r.Run(context.Background(), []model.Applicant{
		{ID: "1", Data: "good"},
		{ID: "2", Data: "broken"},
		{ID: "3", Data: "garbled"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Evaluated != 1 || len(sum.Failures) != 2 {
		t.Fatalf("summary = %+v, want 1 evaluated, 2 failures", sum)
	}
	for _, f := range sum.Failures {
		if st.done[f.ApplicantID] {
			t.Errorf("failed applicant %s marked processed", f.ApplicantID)
		}
	}

	var fe *model.FormatError
	found := false
	for _, f := range sum.Failures {
		if errors.As(f.Err, &fe) {
			found = true
		}
	}
	if !found {
		t.Error("format error not surfaced in failures")
	}
}

func TestRun_CancellationStopsBatch(t *testing.T) {
	provider := &fakeProvider{answers: map[string]string{"x": "FINAL_RANKING = 3"}, delay: time.Second}
	r := NewRunner(newEvaluator(t, 1), provider, newMemoryStore(), &collectingReporter{}, discardLogger(), nil)

	applicants := make([]model.Applicant, 5)
	for i := range applicants {
		applicants[i] = model.Applicant{ID: string(rune('a' + i)), Data: "x"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, applicants)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Error("cancellation did not abort in-flight work")
	}
}

func TestRun_EmitsEvents(t *testing.T) {
	provider := &fakeProvider{answers: map[string]string{"x": "FINAL_RANKING = 3"}}

	var mu sync.Mutex
	kinds := map[EventKind]int{}
	onEvent := func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		kinds[e.Kind]++
	}

	r := NewRunner(newEvaluator(t, 2), provider, newMemoryStore("old"), &collectingReporter{}, discardLogger(), onEvent)
	if _, err := r.Run(context.Background(), []model.Applicant{{ID: "new", Data: "x"}, {ID: "old", Data: "x"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if kinds[EventStarted] != 1 || kinds[EventDone] != 1 || kinds[EventSkipped] != 1 {
		t.Errorf("events = %v", kinds)
	}
}

func TestRun_WithSQLiteLedger(t *testing.T) {
	st, err := store.NewSQLiteStore(t.TempDir() + "/ledger.db")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer st.Close()

	provider := &fakeProvider{answers: map[string]string{"x": "FINAL_RANKING = 4"}}
	applicants := []model.Applicant{{ID: "r1", Data: "x"}, {ID: "r2", Data: "x"}}

	r := NewRunner(newEvaluator(t, 2), provider, st, &collectingReporter{}, discardLogger(), nil)
	if _, err := r.Run(context.Background(), applicants); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	sum, err := r.Run(context.Background(), applicants)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if sum.Skipped != 2 || sum.Evaluated != 0 {
		t.Errorf("resumed summary = %+v, want all skipped", sum)
	}
}
