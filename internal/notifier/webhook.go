package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

// Ensure WebhookReporter implements model.Reporter.
var _ model.Reporter = (*WebhookReporter)(nil)

// WebhookReporter posts each evaluation as JSON to a URL, e.g. the endpoint
// of the application that stores results.
type WebhookReporter struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookReporter returns a reporter that posts evaluations to url.
func NewWebhookReporter(url string, httpClient *http.Client, logger *slog.Logger) *WebhookReporter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookReporter{
		url:        url,
		httpClient: httpClient,
		logger:     logger,
	}
}

// webhookPayload is the body posted for each evaluation.
type webhookPayload struct {
	ApplicantID string            `json:"applicant_id"`
	Result      string            `json:"result"`
	Score       int               `json:"score"`
	Notes       string            `json:"notes,omitempty"`
	Scores      []model.AxisScore `json:"scores,omitempty"`
	Provider    string            `json:"provider"`
	Model       string            `json:"model"`
}

// Report posts eval. A 429 is retried once after the Retry-After delay.
func (w *WebhookReporter) Report(eval model.Evaluation) error {
	body, err := json.Marshal(webhookPayload{
		ApplicantID: eval.ApplicantID,
		Result:      eval.Completion,
		Score:       eval.Score,
		Notes:       eval.Notes,
		Scores:      eval.AxisScores,
		Provider:    eval.Provider,
		Model:       eval.Model,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	status, retryAfter, err := w.post(body)
	if err != nil {
		return err
	}

	if status == http.StatusTooManyRequests {
		secs, _ := strconv.Atoi(retryAfter)
		if secs <= 0 {
			secs = 1
		}
		w.logger.Warn("webhook rate limited, retrying", "retry_after_secs", secs)
		time.Sleep(time.Duration(secs) * time.Second)

		status, _, err = w.post(body)
		if err != nil {
			return fmt.Errorf("post evaluation (retry): %w", err)
		}
	}

	if status < 200 || status >= 300 {
		return fmt.Errorf("webhook returned %d for applicant %s", status, eval.ApplicantID)
	}
	w.logger.Debug("evaluation delivered", "applicant", eval.ApplicantID)
	return nil
}

func (w *WebhookReporter) post(body []byte) (int, string, error) {
	resp, err := w.httpClient.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("post evaluation: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, resp.Header.Get("Retry-After"), nil
}
