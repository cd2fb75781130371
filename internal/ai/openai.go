package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

// DefaultOpenAIBaseURL is the public OpenAI API root.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider calls the OpenAI /chat/completions endpoint.
type OpenAIProvider struct {
	baseURL string
	apiKey  string
	model   string
	caller  caller
}

// NewOpenAIProvider creates a provider targeting the OpenAI API.
func NewOpenAIProvider(baseURL, apiKey, model string, httpClient *http.Client, opts ...ProviderOption) *OpenAIProvider {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		caller: newCaller("openai", httpClient, quotaHeaders{
			requests: "x-ratelimit-remaining-requests",
			tokens:   "x-ratelimit-remaining-tokens",
		}, buildOptions(opts)),
	}
}

var _ LLMProvider = (*OpenAIProvider)(nil)

func (p *OpenAIProvider) Name() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.model }

// chatRequest mirrors the OpenAI /chat/completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse mirrors the relevant fields of the OpenAI response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends conv to OpenAI with messages in their original order and
// returns the first choice's content.
func (p *OpenAIProvider) Complete(ctx context.Context, conv model.Conversation) (string, error) {
	reqBody := chatRequest{
		Model:       p.model,
		Messages:    make([]chatMessage, 0, len(conv)),
		MaxTokens:   p.caller.opts.maxTokens,
		Temperature: p.caller.opts.temperature,
	}
	for _, m := range conv {
		reqBody.Messages = append(reqBody.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.apiKey)

	body, err := p.caller.post(ctx, p.baseURL+"/chat/completions", header, reqBody)
	if err != nil {
		return "", err
	}

	var chatResp chatResponse
	if err := decodeEnvelope(p.Name(), body, &chatResp); err != nil {
		return "", err
	}
	if chatResp.Error != nil {
		return "", &model.DecodeError{
			Provider: p.Name(),
			Err:      fmt.Errorf("error in success response (%s): %s", chatResp.Error.Type, chatResp.Error.Message),
		}
	}
	if len(chatResp.Choices) == 0 {
		return "", &model.DecodeError{Provider: p.Name(), Err: errors.New("no choices in response")}
	}
	content := chatResp.Choices[0].Message.Content
	if content == nil {
		return "", &model.DecodeError{Provider: p.Name(), Err: errors.New("choices[0].message.content missing")}
	}
	return *content, nil
}
