package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mickzijdel/ai-evaluator-extension/internal/ai"
	"github.com/mickzijdel/ai-evaluator-extension/internal/metrics"
	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
	"github.com/mickzijdel/ai-evaluator-extension/internal/prompt"
	"github.com/mickzijdel/ai-evaluator-extension/internal/ratelimit"
	"github.com/mickzijdel/ai-evaluator-extension/internal/retry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubProvider returns a fixed reply or error and records what it was sent.
type stubProvider struct {
	name  string
	reply string
	err   error

	mu       sync.Mutex
	calls    int
	lastConv model.Conversation
}

func (s *stubProvider) Name() string  { return s.name }
func (s *stubProvider) Model() string { return s.name + "-model" }

func (s *stubProvider) Complete(_ context.Context, conv model.Conversation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastConv = conv
	return s.reply, s.err
}

func (s *stubProvider) snapshot() (int, model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.lastConv
}

type fixture struct {
	srv      *httptest.Server
	provider *stubProvider
	governor *ratelimit.Governor
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, provider *stubProvider, tokens ...string) *fixture {
	t.Helper()
	builder, err := prompt.NewBuilder(prompt.Variables{Criteria: "research"})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.MustNew(registry)
	g := ratelimit.NewGovernor(2)
	m.TrackGovernor(g)

	d := retry.NewDispatcher(g, retry.Config{MaxOtherRetries: 2, OtherRetryDelay: time.Millisecond}, discardLogger())
	d.SetObserver(m)

	s := New(Options{
		Registry:        ai.NewRegistry(provider),
		Dispatcher:      d,
		Evaluator:       ai.NewEvaluator(d, builder, discardLogger()),
		DefaultProvider: provider.Name(),
		Tokens:          tokens,
		Gatherer:        registry,
		Metrics:         m,
		Logger:          discardLogger(),
	})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, provider: provider, governor: g, metrics: m}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealth_IsPublic(t *testing.T) {
	f := newFixture(t, &stubProvider{name: "openai"}, "secret")

	resp := f.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	f := newFixture(t, &stubProvider{name: "openai"}, "secret")

	if resp := f.do(t, http.MethodGet, "/api/v1/providers", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodGet, "/api/v1/providers", "wrong", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}
	resp := f.do(t, http.MethodGet, "/api/v1/providers", "secret", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", resp.StatusCode)
	}
	got := decode[[]providerInfo](t, resp)
	if len(got) != 1 || got[0].Name != "openai" || !got[0].Default {
		t.Errorf("providers = %+v", got)
	}
}

func TestComplete_ReturnsContent(t *testing.T) {
	f := newFixture(t, &stubProvider{name: "openai", reply: "hello"})

	resp := f.do(t, http.MethodPost, "/api/v1/llm/complete", "", ai.CompleteRequest{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[ai.CompleteResponse](t, resp)
	if got.Content == nil || *got.Content != "hello" || got.Provider != "openai" || got.Model != "openai-model" {
		t.Errorf("response = %+v", got)
	}
}

func TestComplete_Validation(t *testing.T) {
	f := newFixture(t, &stubProvider{name: "openai"})

	resp := f.do(t, http.MethodPost, "/api/v1/llm/complete", "", ai.CompleteRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty messages: status = %d, want 400", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/llm/complete", "", ai.CompleteRequest{
		Provider: "gemini",
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown provider: status = %d, want 400", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if !strings.Contains(body["error"], "gemini") {
		t.Errorf("error = %q, want provider name", body["error"])
	}
}

func TestComplete_RelaysProviderStatusWithoutRetrying(t *testing.T) {
	upstreamBody := `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`
	stub := &stubProvider{name: "anthropic", err: model.NewProviderError("anthropic", 529, upstreamBody, 30*time.Second)}
	f := newFixture(t, stub)

	resp := f.do(t, http.MethodPost, "/api/v1/llm/complete", "", ai.CompleteRequest{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if resp.StatusCode != 529 {
		t.Fatalf("status = %d, want 529", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != upstreamBody {
		t.Errorf("body = %s, want upstream body verbatim", body)
	}
	if calls, _ := stub.snapshot(); calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestComplete_UpstreamAuthFailureBecomesBadGateway(t *testing.T) {
	upstreamBody := `{"error":{"message":"Incorrect API key provided"}}`
	f := newFixture(t, &stubProvider{name: "openai", err: model.NewProviderError("openai", 401, upstreamBody, 0)})

	resp := f.do(t, http.MethodPost, "/api/v1/llm/complete", "", ai.CompleteRequest{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Upstream-Status"); got != "401" {
		t.Errorf("X-Upstream-Status = %q, want 401", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != upstreamBody {
		t.Errorf("body = %s, want upstream body verbatim", body)
	}
}

func TestComplete_RemoteProviderRoundTrip(t *testing.T) {
	stub := &stubProvider{name: "anthropic", err: model.NewProviderError("anthropic", 529, `{"error":"overloaded"}`, 0)}
	f := newFixture(t, stub, "secret")

	remote := ai.NewRemoteServerProvider(f.srv.URL, "anthropic", "", ai.StaticToken("secret"), f.srv.Client())
	_, err := remote.Complete(context.Background(), model.NewConversation(
		model.Message{Role: model.RoleUser, Content: "applicant"},
		model.Message{Role: model.RoleSystem, Content: "rubric"},
	))

	var pe *model.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *model.ProviderError", err)
	}
	if pe.Kind != model.KindOverloaded {
		t.Errorf("kind = %v, want overloaded", pe.Kind)
	}
	if _, conv := stub.snapshot(); len(conv) != 2 || conv[1].Role != model.RoleSystem {
		t.Errorf("conversation not forwarded unchanged: %+v", conv)
	}
}

func TestEvaluate_ReturnsScore(t *testing.T) {
	stub := &stubProvider{name: "openai", reply: "Solid.\n[EVALUATION_NOTES]\nsharp\n[END_EVALUATION_NOTES]\nFINAL_RANKING = 4"}
	f := newFixture(t, stub)

	resp := f.do(t, http.MethodPost, "/api/v1/llm/evaluate", "", evaluateRequest{ApplicantID: "rec1", ApplicantData: "Ada"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[evaluateResponse](t, resp)
	if got.Score != 4 || got.Notes != "sharp" || got.Provider != "openai" {
		t.Errorf("response = %+v", got)
	}
	if !strings.HasSuffix(got.Result, "FINAL_RANKING = 4") {
		t.Errorf("result = %q, want raw completion", got.Result)
	}
}

func TestEvaluate_RequestRubricOverrides(t *testing.T) {
	stub := &stubProvider{name: "openai", reply: "Publishes regularly.\nSCORE = 2"}
	f := newFixture(t, stub)

	resp := f.do(t, http.MethodPost, "/api/v1/llm/evaluate", "", evaluateRequest{
		ApplicantData:          "Ada",
		CriteriaString:         "Publications at top venues",
		RankingKeyword:         "SCORE",
		AdditionalInstructions: "Be strict.",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := decode[evaluateResponse](t, resp); got.Score != 2 {
		t.Errorf("score = %d, want 2 from the request keyword", got.Score)
	}

	_, conv := stub.snapshot()
	sys := conv[1].Content
	for _, want := range []string{"rubric: Publications at top venues", "SCORE = [your integer score from 1-5]", "Be strict."} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q:\n%s", want, sys)
		}
	}

	// The shared evaluator keeps the server defaults.
	stub.mu.Lock()
	stub.reply = "Fine.\nFINAL_RANKING = 3"
	stub.mu.Unlock()
	resp = f.do(t, http.MethodPost, "/api/v1/llm/evaluate", "", evaluateRequest{ApplicantData: "Ada"})
	if got := decode[evaluateResponse](t, resp); got.Score != 3 {
		t.Errorf("default request score = %d, want 3", got.Score)
	}
	if _, conv := stub.snapshot(); !strings.Contains(conv[1].Content, "rubric: research") {
		t.Errorf("default request lost server criteria:\n%s", conv[1].Content)
	}
}

func TestEvaluate_UseMultiAxis(t *testing.T) {
	stub := &stubProvider{name: "openai", reply: "## General Promise\nGENERAL_PROMISE_RATING = 4\n## ML Skills\nML_SKILLS_RATING = 2"}
	f := newFixture(t, stub)

	resp := f.do(t, http.MethodPost, "/api/v1/llm/evaluate", "", evaluateRequest{
		ApplicantData:  "Ada",
		UseMultiAxis:   true,
		TemplateID:     prompt.RubricMultiAxisAcademic,
		RankingKeyword: "IGNORED",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decode[evaluateResponse](t, resp)
	if got.Score != 4 {
		t.Errorf("score = %d, want first axis rating 4", got.Score)
	}
	if len(got.Scores) != 7 || got.Scores[1].Name != "ML Skills" || got.Scores[1].Score == nil || *got.Scores[1].Score != 2 {
		t.Errorf("scores = %+v, want SPAR axes with ML Skills = 2", got.Scores)
	}
	if _, conv := stub.snapshot(); !strings.Contains(conv[1].Content, "SOFTWARE_ENGINEERING_RATING") {
		t.Errorf("SPAR rubric not rendered:\n%s", conv[1].Content)
	}
}

func TestEvaluate_CustomTemplate(t *testing.T) {
	stub := &stubProvider{name: "openai", reply: "Gritty.\nRANK = 5"}
	f := newFixture(t, stub)

	resp := f.do(t, http.MethodPost, "/api/v1/llm/evaluate", "", evaluateRequest{
		ApplicantData:  "Ada",
		CriteriaString: "grit",
		CustomTemplate: &customTemplate{
			SystemMessage:  "Judge on {criteria_string}. End with {ranking_keyword} = N{additional_instructions}",
			RankingKeyword: "RANK",
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := decode[evaluateResponse](t, resp); got.Score != 5 {
		t.Errorf("score = %d, want 5", got.Score)
	}
	if _, conv := stub.snapshot(); conv[1].Content != "Judge on grit. End with RANK = N" {
		t.Errorf("system prompt = %q", conv[1].Content)
	}
}

func TestEvaluate_InvalidRubric(t *testing.T) {
	stub := &stubProvider{name: "openai", reply: "FINAL_RANKING = 3"}
	f := newFixture(t, stub)

	for name, req := range map[string]evaluateRequest{
		"unknown template":     {ApplicantData: "Ada", TemplateID: "fancy"},
		"empty custom message": {ApplicantData: "Ada", CustomTemplate: &customTemplate{RankingKeyword: "X"}},
		"broken custom syntax": {ApplicantData: "Ada", CustomTemplate: &customTemplate{SystemMessage: "{{.Nope"}},
	} {
		resp := f.do(t, http.MethodPost, "/api/v1/llm/evaluate", "", req)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
	if calls, _ := stub.snapshot(); calls != 0 {
		t.Errorf("provider called %d times for invalid rubrics", calls)
	}
}

func TestEvaluate_FormatError(t *testing.T) {
	f := newFixture(t, &stubProvider{name: "openai", reply: "I cannot decide."})

	resp := f.do(t, http.MethodPost, "/api/v1/llm/evaluate", "", evaluateRequest{ApplicantData: "Ada"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestEvaluate_MissingData(t *testing.T) {
	f := newFixture(t, &stubProvider{name: "openai"})

	resp := f.do(t, http.MethodPost, "/api/v1/llm/evaluate", "", evaluateRequest{ApplicantID: "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestConcurrency_GetAndSet(t *testing.T) {
	f := newFixture(t, &stubProvider{name: "openai"})

	resp := f.do(t, http.MethodPut, "/api/v1/concurrency", "", concurrencyBody{Limit: 7})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if f.governor.Limit() != 7 {
		t.Errorf("governor limit = %d, want 7", f.governor.Limit())
	}

	got := decode[concurrencyBody](t, f.do(t, http.MethodGet, "/api/v1/concurrency", "", nil))
	if got.Limit != 7 || got.InFlight != 0 {
		t.Errorf("concurrency = %+v", got)
	}

	resp = f.do(t, http.MethodPut, "/api/v1/concurrency", "", concurrencyBody{Limit: 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("limit 0: status = %d, want 400", resp.StatusCode)
	}
}

func TestMetrics_Exposed(t *testing.T) {
	f := newFixture(t, &stubProvider{name: "openai", reply: "FINAL_RANKING = 2"})
	f.do(t, http.MethodPost, "/api/v1/llm/evaluate", "", evaluateRequest{ApplicantData: "Ada"})

	resp := f.do(t, http.MethodGet, "/metrics", "", nil)
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"evaluator_governor_limit 2",
		`evaluator_evaluations_total{provider="openai",result="scored"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}
