package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

// DefaultAnthropicBaseURL is the public Anthropic API root.
const DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"

const anthropicVersion = "2023-06-01"

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	baseURL string
	apiKey  string
	model   string
	caller  caller
}

// NewAnthropicProvider creates a provider targeting the Anthropic API.
func NewAnthropicProvider(baseURL, apiKey, model string, httpClient *http.Client, opts ...ProviderOption) *AnthropicProvider {
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	return &AnthropicProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		caller: newCaller("anthropic", httpClient, quotaHeaders{
			requests: "anthropic-ratelimit-requests-remaining",
			tokens:   "anthropic-ratelimit-tokens-remaining",
		}, buildOptions(opts)),
	}
}

var _ LLMProvider = (*AnthropicProvider)(nil)

func (p *AnthropicProvider) Name() string  { return "anthropic" }
func (p *AnthropicProvider) Model() string { return p.model }

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends conv to Anthropic. System messages are moved to the
// top-level system field, joined by newlines, since the Messages API does not
// accept them inline.
func (p *AnthropicProvider) Complete(ctx context.Context, conv model.Conversation) (string, error) {
	system, rest := conv.Split()

	reqBody := messagesRequest{
		Model:       p.model,
		MaxTokens:   p.caller.opts.maxTokens,
		System:      strings.Join(system, "\n"),
		Messages:    make([]chatMessage, 0, len(rest)),
		Temperature: p.caller.opts.temperature,
	}
	for _, m := range rest {
		reqBody.Messages = append(reqBody.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	header := http.Header{}
	header.Set("x-api-key", p.apiKey)
	header.Set("anthropic-version", anthropicVersion)

	body, err := p.caller.post(ctx, p.baseURL+"/messages", header, reqBody)
	if err != nil {
		return "", err
	}

	var msgResp messagesResponse
	if err := decodeEnvelope(p.Name(), body, &msgResp); err != nil {
		return "", err
	}
	for _, block := range msgResp.Content {
		if block.Type == "text" || block.Type == "" {
			return block.Text, nil
		}
	}
	return "", &model.DecodeError{Provider: p.Name(), Err: errors.New("no text block in content")}
}
