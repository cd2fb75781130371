package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

// TokenSource supplies the bearer token for the remote evaluator server.
// How the token is obtained or refreshed is up to the implementation.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// RemoteServerProvider proxies completions through another evaluator
// instance running `evaluator serve`, which holds the real provider keys.
type RemoteServerProvider struct {
	baseURL  string
	upstream string
	model    string
	tokens   TokenSource
	caller   caller
}

// NewRemoteServerProvider creates a provider that calls the remote server's
// completion endpoint. upstream names the provider the server should use;
// empty means the server's default.
func NewRemoteServerProvider(baseURL, upstream, model string, tokens TokenSource, httpClient *http.Client, opts ...ProviderOption) *RemoteServerProvider {
	return &RemoteServerProvider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		upstream: upstream,
		model:    model,
		tokens:   tokens,
		caller:   newCaller("remote", httpClient, quotaHeaders{}, buildOptions(opts)),
	}
}

var _ LLMProvider = (*RemoteServerProvider)(nil)

func (p *RemoteServerProvider) Name() string  { return "remote" }
func (p *RemoteServerProvider) Model() string { return p.model }

// CompleteRequest is the body of POST /api/v1/llm/complete.
type CompleteRequest struct {
	Provider string          `json:"provider,omitempty"`
	Model    string          `json:"model,omitempty"`
	Messages []model.Message `json:"messages"`
}

// CompleteResponse is the success body of POST /api/v1/llm/complete.
type CompleteResponse struct {
	Content  *string `json:"content"`
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
}

// Complete forwards conv unchanged to the remote server.
func (p *RemoteServerProvider) Complete(ctx context.Context, conv model.Conversation) (string, error) {
	header := http.Header{}
	if p.tokens != nil {
		token, err := p.tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("remote auth token: %w", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	reqBody := CompleteRequest{
		Provider: p.upstream,
		Model:    p.model,
		Messages: conv,
	}
	body, err := p.caller.post(ctx, p.baseURL+"/api/v1/llm/complete", header, reqBody)
	if err != nil {
		return "", err
	}

	var resp CompleteResponse
	if err := decodeEnvelope(p.Name(), body, &resp); err != nil {
		return "", err
	}
	if resp.Content == nil {
		return "", &model.DecodeError{Provider: p.Name(), Err: errors.New("content missing")}
	}
	return *resp.Content, nil
}
