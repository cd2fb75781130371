package ai

import (
	"context"
	"log/slog"
	"time"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
	"github.com/mickzijdel/ai-evaluator-extension/internal/ratelimit"
)

// LLMProvider sends a conversation to an LLM and returns the raw text of the
// reply.
type LLMProvider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, conv model.Conversation) (string, error)
}

// QuotaHook is called when a provider reports that the caller is close to its
// rate limit. A value of -1 means the provider did not report that counter.
type QuotaHook func(provider string, remainingRequests, remainingTokens int)

const defaultMaxTokens = 500

type providerOptions struct {
	logger      *slog.Logger
	onLowQuota  QuotaHook
	spacer      *ratelimit.Spacer
	maxTokens   int
	temperature *float64
}

// ProviderOption configures a provider adapter.
type ProviderOption func(*providerOptions)

// WithLogger sets the logger used for rate-limit warnings and debug output.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(o *providerOptions) { o.logger = l }
}

// WithQuotaHook registers a callback for low rate-limit headroom.
func WithQuotaHook(fn QuotaHook) ProviderOption {
	return func(o *providerOptions) { o.onLowQuota = fn }
}

// WithSpacer enforces a minimum interval between requests.
func WithSpacer(s *ratelimit.Spacer) ProviderOption {
	return func(o *providerOptions) { o.spacer = s }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) ProviderOption {
	return func(o *providerOptions) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature. Unset means the provider's
// default.
func WithTemperature(t float64) ProviderOption {
	return func(o *providerOptions) { o.temperature = &t }
}

func buildOptions(opts []ProviderOption) providerOptions {
	o := providerOptions{
		logger:    slog.New(slog.DiscardHandler),
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// defaultTimeout is used when a provider is built without an http.Client.
const defaultTimeout = 120 * time.Second
