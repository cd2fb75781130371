package main

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mickzijdel/ai-evaluator-extension/internal/config"
	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
	"github.com/mickzijdel/ai-evaluator-extension/internal/notifier"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		DefaultProvider: "anthropic",
		Providers: config.ProvidersConfig{
			Anthropic: config.ProviderConfig{BaseURL: "http://localhost:1", APIKey: "k", Model: "claude"},
			Remote:    config.RemoteConfig{BaseURL: "http://localhost:2", Provider: "openai", Model: "gpt"},
			Timeout:   time.Second,
		},
		Concurrency: config.ConcurrencyConfig{Limit: 3},
		Retry: config.RetryConfig{
			MaxOverloadRetries:    1,
			OverloadBackoffDelays: []time.Duration{time.Millisecond},
		},
		Report: config.ReportConfig{Format: config.ReportLog},
	}
}

func TestNewApp_RegistersConfiguredProviders(t *testing.T) {
	a, err := newApp(testConfig(), discardLogger(), nil)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}

	names := a.registry.Names()
	if len(names) != 2 || names[0] != "anthropic" || names[1] != "remote" {
		t.Errorf("providers = %v, want [anthropic remote]", names)
	}
	if a.dispatcher.Governor().Limit() != 3 {
		t.Errorf("governor limit = %d, want 3", a.dispatcher.Governor().Limit())
	}

	p, err := a.provider("")
	if err != nil {
		t.Fatalf("provider(\"\"): %v", err)
	}
	if p.Name() != "anthropic" || p.Model() != "claude" {
		t.Errorf("default provider = %s/%s", p.Name(), p.Model())
	}
	if _, err := a.provider("openai"); err == nil {
		t.Error("unconfigured provider should not resolve")
	}
}

func TestNewApp_CustomTemplate(t *testing.T) {
	cfg := testConfig()
	cfg.Scoring.TemplateFile = filepath.Join(t.TempDir(), "rubric.tmpl")
	if err := os.WriteFile(cfg.Scoring.TemplateFile, []byte("Score it. End with {{.RankingKeyword}} = N"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := newApp(cfg, discardLogger(), nil); err != nil {
		t.Fatalf("newApp: %v", err)
	}

	cfg.Scoring.TemplateFile = filepath.Join(t.TempDir(), "missing.tmpl")
	if _, err := newApp(cfg, discardLogger(), nil); err == nil {
		t.Error("missing template file should fail")
	}
}

func TestNewApp_BuiltInTemplate(t *testing.T) {
	cfg := testConfig()
	cfg.Scoring.Template = "multi_axis_spar"
	a, err := newApp(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	b := a.evaluator.Builder()
	if !b.MultiAxis() || len(b.Axes()) != 7 {
		t.Errorf("builder MultiAxis = %v, axes = %d, want SPAR rubric", b.MultiAxis(), len(b.Axes()))
	}
}

func TestSetupReporter_JSONToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "results.jsonl")
	r, closeFn, err := setupReporter(config.ReportConfig{Format: config.ReportJSON, Output: out}, io.Discard, http.DefaultClient, discardLogger())
	if err != nil {
		t.Fatalf("setupReporter: %v", err)
	}
	if err := r.Report(model.Evaluation{ApplicantID: "rec1", Score: 3}); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"applicant_id":"rec1"`) {
		t.Errorf("output = %s", data)
	}
}

func TestSetupReporter_WebhookAddsMulti(t *testing.T) {
	var buf bytes.Buffer
	r, _, err := setupReporter(config.ReportConfig{Format: config.ReportJSON, WebhookURL: "http://localhost:1/hook"}, &buf, http.DefaultClient, discardLogger())
	if err != nil {
		t.Fatalf("setupReporter: %v", err)
	}
	if m, ok := r.(notifier.Multi); !ok || len(m) != 2 {
		t.Errorf("reporter = %T, want Multi of 2", r)
	}
}

func TestReadApplicantData(t *testing.T) {
	got, err := readApplicantData(strings.NewReader("  Ada Lovelace\n"), nil)
	if err != nil || got != "Ada Lovelace" {
		t.Errorf("stdin: got %q, %v", got, err)
	}

	if _, err := readApplicantData(strings.NewReader("   "), []string{"-"}); err == nil {
		t.Error("empty input should fail")
	}

	path := filepath.Join(t.TempDir(), "applicant.txt")
	if err := os.WriteFile(path, []byte("Grace Hopper"), 0644); err != nil {
		t.Fatal(err)
	}
	if got, err := readApplicantData(nil, []string{path}); err != nil || got != "Grace Hopper" {
		t.Errorf("file: got %q, %v", got, err)
	}
}

func TestPrintEvaluation(t *testing.T) {
	five := 5
	var buf bytes.Buffer
	printEvaluation(&buf, model.Evaluation{
		Score:      4,
		Provider:   "openai",
		Model:      "gpt",
		Reasoning:  "Strong.",
		AxisScores: []model.AxisScore{{Name: "ML", Score: &five}, {Name: "Policy"}},
	})
	out := buf.String()
	for _, want := range []string{"Score: 4/5", "ML: 5", "Policy: -", "Strong."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
