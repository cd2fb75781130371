package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mickzijdel/ai-evaluator-extension/internal/ai"
	"github.com/mickzijdel/ai-evaluator-extension/internal/metrics"
	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
	"github.com/mickzijdel/ai-evaluator-extension/internal/prompt"
	"github.com/mickzijdel/ai-evaluator-extension/internal/retry"
)

type providerInfo struct {
	Name    string `json:"name"`
	Model   string `json:"model"`
	Default bool   `json:"default"`
}

// evaluateRequest carries the applicant and optional rubric overrides. Empty
// rubric fields fall back to the server's scoring config.
type evaluateRequest struct {
	ApplicantID   string `json:"applicant_id"`
	ApplicantData string `json:"applicant_data"`
	Provider      string `json:"provider"`

	CriteriaString         string          `json:"criteria_string,omitempty"`
	RankingKeyword         string          `json:"ranking_keyword,omitempty"`
	AdditionalInstructions string          `json:"additional_instructions,omitempty"`
	NotesInstructions      string          `json:"notes_instructions,omitempty"`
	TemplateID             string          `json:"template_id,omitempty"`
	CustomTemplate         *customTemplate `json:"custom_template,omitempty"`
	UseMultiAxis           bool            `json:"use_multi_axis,omitempty"`
}

// customTemplate is a system message using {criteria_string}-style
// placeholders.
type customTemplate struct {
	SystemMessage  string `json:"system_message"`
	RankingKeyword string `json:"ranking_keyword"`
}

func (r evaluateRequest) overridesRubric() bool {
	return r.CriteriaString != "" || r.RankingKeyword != "" || r.AdditionalInstructions != "" ||
		r.NotesInstructions != "" || r.TemplateID != "" || r.CustomTemplate != nil || r.UseMultiAxis
}

type evaluateResponse struct {
	Result   string            `json:"result"`
	Score    int               `json:"score"`
	Notes    string            `json:"notes,omitempty"`
	Scores   []model.AxisScore `json:"scores,omitempty"`
	Provider string            `json:"provider"`
	Model    string            `json:"model"`
}

type concurrencyBody struct {
	Limit    int `json:"limit"`
	InFlight int `json:"in_flight"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	names := s.registry.Names()
	out := make([]providerInfo, 0, len(names))
	for _, name := range names {
		p, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		out = append(out, providerInfo{
			Name:    p.Name(),
			Model:   p.Model(),
			Default: strings.EqualFold(name, s.defaultProvider),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleComplete proxies one completion. The call is admitted through the
// shared governor but not retried here; the remote client runs its own
// backoff on the relayed status.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req ai.CompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	p, err := s.provider(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Model != "" && req.Model != p.Model() {
		s.logger.Debug("ignoring requested model", "provider", p.Name(), "requested", req.Model, "configured", p.Model())
	}

	text, err := s.dispatcher.Dispatch(r.Context(), p, model.NewConversation(req.Messages...), retry.WithRetryConfig(retry.Config{}))
	if err != nil {
		s.relayError(w, p.Name(), err)
		return
	}

	writeJSON(w, http.StatusOK, ai.CompleteResponse{
		Content:  &text,
		Provider: p.Name(),
		Model:    p.Model(),
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ApplicantData) == "" {
		writeError(w, http.StatusBadRequest, "applicant_data is required")
		return
	}

	p, err := s.provider(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	evaluator, err := s.evaluatorFor(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	eval, err := evaluator.Evaluate(r.Context(), p, model.Applicant{ID: req.ApplicantID, Data: req.ApplicantData})
	s.metrics.EvaluationFinished(p.Name(), metrics.ResultFor(err))
	if err != nil {
		s.relayError(w, p.Name(), err)
		return
	}

	writeJSON(w, http.StatusOK, evaluateResponse{
		Result:   eval.Completion,
		Score:    eval.Score,
		Notes:    eval.Notes,
		Scores:   eval.AxisScores,
		Provider: eval.Provider,
		Model:    eval.Model,
	})
}

// evaluatorFor returns the shared evaluator, or one with a prompt built from
// the request's rubric fields layered over the server defaults.
// use_multi_axis selects the SPAR rubric and wins over template_id.
func (s *Server) evaluatorFor(req evaluateRequest) (*ai.Evaluator, error) {
	if !req.overridesRubric() {
		return s.evaluator, nil
	}

	base := s.evaluator.Builder()
	vars := base.Variables()
	if req.CriteriaString != "" {
		vars.Criteria = req.CriteriaString
	}
	if req.RankingKeyword != "" {
		vars.RankingKeyword = req.RankingKeyword
	}
	if req.AdditionalInstructions != "" {
		vars.AdditionalInstructions = req.AdditionalInstructions
	}
	if req.NotesInstructions != "" {
		vars.NotesInstructions = req.NotesInstructions
	}

	var (
		b   *prompt.Builder
		err error
	)
	switch {
	case req.UseMultiAxis:
		b, err = prompt.NewBuilderForRubric(prompt.RubricSPAR, vars)
	case req.CustomTemplate != nil:
		if strings.TrimSpace(req.CustomTemplate.SystemMessage) == "" {
			return nil, errors.New("custom_template.system_message is required")
		}
		if req.RankingKeyword == "" && req.CustomTemplate.RankingKeyword != "" {
			vars.RankingKeyword = req.CustomTemplate.RankingKeyword
		}
		b, err = prompt.NewBuilderFromTemplate(prompt.FromBracePlaceholders(req.CustomTemplate.SystemMessage), vars)
	case req.TemplateID != "":
		b, err = prompt.NewBuilderForRubric(req.TemplateID, vars)
	default:
		b, err = base.With(vars)
	}
	if err != nil {
		return nil, err
	}
	return s.evaluator.WithBuilder(b), nil
}

func (s *Server) handleGetConcurrency(w http.ResponseWriter, r *http.Request) {
	g := s.dispatcher.Governor()
	writeJSON(w, http.StatusOK, concurrencyBody{Limit: g.Limit(), InFlight: g.InFlight()})
}

func (s *Server) handleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyBody
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Limit < 1 {
		writeError(w, http.StatusBadRequest, "limit must be at least 1")
		return
	}

	g := s.dispatcher.Governor()
	g.SetLimit(req.Limit)
	s.logger.Info("concurrency limit changed", "limit", req.Limit)
	writeJSON(w, http.StatusOK, concurrencyBody{Limit: g.Limit(), InFlight: g.InFlight()})
}

// relayError maps a dispatch or evaluation error to a response. Provider
// errors keep the upstream status and body so that a remote client
// classifies them the same way a direct caller would. Upstream 401 and 403
// mean the server's own provider key is bad, so they become 502 to stay
// distinct from this server's auth failures. X-Upstream-Status marks every
// relayed provider response.
func (s *Server) relayError(w http.ResponseWriter, provider string, err error) {
	var (
		pe *model.ProviderError
		ce *model.ConnectivityError
		de *model.DecodeError
		fe *model.FormatError
	)
	switch {
	case errors.As(err, &pe) && pe.StatusCode >= 400:
		s.logger.Warn("provider error relayed", "provider", provider, "status", pe.StatusCode)
		if pe.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int((pe.RetryAfter+time.Second-1)/time.Second)))
		}
		status := pe.StatusCode
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			status = http.StatusBadGateway
		}
		w.Header().Set("X-Upstream-Status", strconv.Itoa(pe.StatusCode))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(pe.Body)) //nolint:errcheck
	case errors.As(err, &fe):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &ce), errors.As(err, &de):
		s.logger.Warn("upstream failure", "provider", provider, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		w.WriteHeader(499)
	default:
		s.logger.Error("request failed", "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
