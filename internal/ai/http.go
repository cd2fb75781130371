package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
)

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 4 << 20

// Warn when fewer than this many requests or tokens remain in the window.
const (
	lowRequestsThreshold = 10
	lowTokensThreshold   = 1000
)

// quotaHeaders names the headers a provider uses to report remaining quota.
type quotaHeaders struct {
	requests string
	tokens   string
}

// caller is the HTTP plumbing shared by all adapters.
type caller struct {
	name   string
	client *http.Client
	quota  quotaHeaders
	opts   providerOptions
}

func newCaller(name string, client *http.Client, quota quotaHeaders, opts providerOptions) caller {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return caller{name: name, client: client, quota: quota, opts: opts}
}

// post sends payload as JSON and returns the body of a 2xx response. Non-2xx
// responses become *model.ProviderError with the body kept verbatim.
func (c caller) post(ctx context.Context, url string, header http.Header, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", c.name, err)
	}

	if err := c.opts.spacer.Wait(ctx, c.name); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", c.name, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s request: %w", c.name, ctx.Err())
		}
		return nil, &model.ConnectivityError{Provider: c.name, Err: err}
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read %s response: %w", c.name, ctx.Err())
		}
		return nil, &model.ConnectivityError{Provider: c.name, Err: fmt.Errorf("read response: %w", err)}
	}

	c.opts.logger.Debug("provider call finished",
		"provider", c.name,
		"status", resp.StatusCode,
		"duration", time.Since(start),
		"bytes", len(respBytes),
	)
	c.checkQuota(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewProviderError(c.name, resp.StatusCode, string(respBytes), parseRetryAfter(resp.Header.Get("Retry-After")))
	}
	return respBytes, nil
}

// checkQuota warns when the provider reports low remaining quota.
func (c caller) checkQuota(h http.Header) {
	requests := headerInt(h, c.quota.requests)
	tokens := headerInt(h, c.quota.tokens)

	lowRequests := requests >= 0 && requests < lowRequestsThreshold
	lowTokens := tokens >= 0 && tokens < lowTokensThreshold
	if !lowRequests && !lowTokens {
		return
	}

	c.opts.logger.Warn("approaching provider rate limit",
		"provider", c.name,
		"remaining_requests", requests,
		"remaining_tokens", tokens,
	)
	if c.opts.onLowQuota != nil {
		c.opts.onLowQuota(c.name, requests, tokens)
	}
}

// headerInt returns the integer value of header name, or -1 if it is absent
// or not a number.
func headerInt(h http.Header, name string) int {
	if name == "" {
		return -1
	}
	v := h.Get(name)
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

// parseRetryAfter parses the Retry-After header value into a duration.
// Supports seconds format (e.g. "120") and HTTP dates. Returns zero if absent
// or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func decodeEnvelope(provider string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &model.DecodeError{Provider: provider, Err: err}
	}
	return nil
}
