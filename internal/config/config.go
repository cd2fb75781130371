package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mickzijdel/ai-evaluator-extension/internal/ai"
	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
	"github.com/mickzijdel/ai-evaluator-extension/internal/prompt"
	"github.com/mickzijdel/ai-evaluator-extension/internal/retry"
)

// EnvPath names the environment variable that points at the config file.
const EnvPath = "EVALUATOR_CONFIG"

// DefaultPath is used when neither the flag nor EnvPath is set.
const DefaultPath = "config.yaml"

// Config is the root configuration for the evaluator.
type Config struct {
	DefaultProvider string
	Providers       ProvidersConfig
	Concurrency     ConcurrencyConfig
	Retry           RetryConfig
	Scoring         ScoringConfig
	Store           StoreConfig
	Server          ServerConfig
	Report          ReportConfig
}

// ProvidersConfig holds the settings of every provider adapter.
type ProvidersConfig struct {
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Remote    RemoteConfig
	Timeout   time.Duration // per-request HTTP timeout
}

// ProviderConfig configures a direct LLM API adapter.
type ProviderConfig struct {
	BaseURL     string
	APIKey      string // expanded from env var by Load
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Configured reports whether the provider has credentials.
func (p ProviderConfig) Configured() bool {
	return p.APIKey != ""
}

// RemoteConfig configures the adapter that proxies through another
// evaluator server.
type RemoteConfig struct {
	BaseURL  string
	Token    string
	Provider string // upstream provider the server should use
	Model    string
}

// Configured reports whether the remote server is set up.
func (r RemoteConfig) Configured() bool {
	return r.BaseURL != ""
}

// ConcurrencyConfig bounds parallel requests.
type ConcurrencyConfig struct {
	Limit              int
	MinRequestInterval time.Duration // minimum gap between request starts to the same provider
}

// RetryConfig mirrors retry.Config with YAML-friendly names.
type RetryConfig struct {
	MaxOverloadRetries    int
	OverloadBackoffDelays []time.Duration
	MaxOtherRetries       int
	OtherRetryDelay       time.Duration
}

// Policy converts the settings into a retry.Config.
func (r RetryConfig) Policy() retry.Config {
	return retry.Config{
		MaxOverloadRetries:    r.MaxOverloadRetries,
		OverloadBackoffDelays: append([]time.Duration(nil), r.OverloadBackoffDelays...),
		MaxOtherRetries:       r.MaxOtherRetries,
		OtherRetryDelay:       r.OtherRetryDelay,
	}
}

// ScoringConfig feeds the prompt builder and score extractor.
type ScoringConfig struct {
	Criteria               string       `yaml:"criteria"`
	RankingKeyword         string       `yaml:"ranking_keyword"`
	NotesInstructions      string       `yaml:"notes_instructions"`
	AdditionalInstructions string       `yaml:"additional_instructions"`
	Template               string       `yaml:"template"` // built-in rubric ID, academic when empty
	TemplateFile           string       `yaml:"template_file"`
	Axes                   []model.Axis `yaml:"axes"`
}

// StoreConfig controls the processed-applicants ledger.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig controls `evaluator serve`.
type ServerConfig struct {
	Addr   string   `yaml:"addr"`
	Tokens []string `yaml:"tokens"`
}

// ReportConfig selects where finished evaluations go.
type ReportConfig struct {
	Format     string `yaml:"format"`      // "log" or "json"
	Output     string `yaml:"output"`      // json output file, stdout when empty
	WebhookURL string `yaml:"webhook_url"` // optional, in addition to format
}

// Report formats.
const (
	ReportLog  = "log"
	ReportJSON = "json"
)

const (
	defaultConcurrency = 5
	defaultTimeout     = 120 * time.Second
	defaultStorePath   = "evaluator.db"
	defaultServerAddr  = ":8080"
)

// rawConfig is used for YAML unmarshaling (snake_case fields and duration as string).
type rawConfig struct {
	DefaultProvider string             `yaml:"default_provider"`
	Providers       rawProvidersConfig `yaml:"providers"`
	Concurrency     rawConcurrency     `yaml:"concurrency"`
	Retry           rawRetryConfig     `yaml:"retry"`
	Scoring         ScoringConfig      `yaml:"scoring"`
	Store           StoreConfig        `yaml:"store"`
	Server          ServerConfig       `yaml:"server"`
	Report          ReportConfig       `yaml:"report"`
}

type rawProvidersConfig struct {
	OpenAI    rawProviderConfig `yaml:"openai"`
	Anthropic rawProviderConfig `yaml:"anthropic"`
	Remote    rawRemoteConfig   `yaml:"remote"`
	Timeout   string            `yaml:"timeout"`
}

type rawProviderConfig struct {
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	Model       string   `yaml:"model"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
}

type rawRemoteConfig struct {
	BaseURL  string `yaml:"base_url"`
	Token    string `yaml:"token"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type rawConcurrency struct {
	Limit              int    `yaml:"limit"`
	MinRequestInterval string `yaml:"min_request_interval"`
}

type rawRetryConfig struct {
	MaxOverloadRetries    *int     `yaml:"max_overload_retries"`
	OverloadBackoffDelays []string `yaml:"overload_backoff_delays"`
	MaxOtherRetries       *int     `yaml:"max_other_retries"`
	OtherRetryDelay       string   `yaml:"other_retry_delay"`
}

// ResolvePath picks the config file: the flag value, then EnvPath, then
// DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and parses the YAML config file at path, validates it, and returns Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	timeout, err := parseDurationOr(raw.Providers.Timeout, defaultTimeout, "providers.timeout")
	if err != nil {
		return nil, err
	}
	interval, err := parseDurationOr(raw.Concurrency.MinRequestInterval, 0, "concurrency.min_request_interval")
	if err != nil {
		return nil, err
	}
	retryCfg, err := parseRetry(raw.Retry)
	if err != nil {
		return nil, err
	}

	limit := raw.Concurrency.Limit
	if limit == 0 {
		limit = defaultConcurrency
	}

	cfg := &Config{
		DefaultProvider: strings.ToLower(strings.TrimSpace(raw.DefaultProvider)),
		Providers: ProvidersConfig{
			OpenAI:    providerFromRaw(raw.Providers.OpenAI, ai.DefaultOpenAIBaseURL),
			Anthropic: providerFromRaw(raw.Providers.Anthropic, ai.DefaultAnthropicBaseURL),
			Remote: RemoteConfig{
				BaseURL:  raw.Providers.Remote.BaseURL,
				Token:    raw.Providers.Remote.Token,
				Provider: raw.Providers.Remote.Provider,
				Model:    raw.Providers.Remote.Model,
			},
			Timeout: timeout,
		},
		Concurrency: ConcurrencyConfig{
			Limit:              limit,
			MinRequestInterval: interval,
		},
		Retry:   retryCfg,
		Scoring: raw.Scoring,
		Store:   raw.Store,
		Server:  raw.Server,
		Report:  raw.Report,
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultServerAddr
	}
	cfg.Report.Format = strings.ToLower(strings.TrimSpace(cfg.Report.Format))
	if cfg.Report.Format == "" {
		cfg.Report.Format = ReportLog
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = firstConfigured(cfg.Providers)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func providerFromRaw(raw rawProviderConfig, defaultBaseURL string) ProviderConfig {
	baseURL := raw.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return ProviderConfig{
		BaseURL:     baseURL,
		APIKey:      raw.APIKey,
		Model:       raw.Model,
		MaxTokens:   raw.MaxTokens,
		Temperature: raw.Temperature,
	}
}

func parseRetry(raw rawRetryConfig) (RetryConfig, error) {
	def := retry.DefaultConfig()
	cfg := RetryConfig{
		MaxOverloadRetries:    def.MaxOverloadRetries,
		OverloadBackoffDelays: def.OverloadBackoffDelays,
		MaxOtherRetries:       def.MaxOtherRetries,
		OtherRetryDelay:       def.OtherRetryDelay,
	}
	if raw.MaxOverloadRetries != nil {
		cfg.MaxOverloadRetries = *raw.MaxOverloadRetries
	}
	if raw.MaxOtherRetries != nil {
		cfg.MaxOtherRetries = *raw.MaxOtherRetries
	}

	if len(raw.OverloadBackoffDelays) > 0 {
		cfg.OverloadBackoffDelays = make([]time.Duration, 0, len(raw.OverloadBackoffDelays))
		for i, s := range raw.OverloadBackoffDelays {
			d, err := time.ParseDuration(s)
			if err != nil {
				return RetryConfig{}, fmt.Errorf("parse retry.overload_backoff_delays[%d] %q: %w", i, s, err)
			}
			cfg.OverloadBackoffDelays = append(cfg.OverloadBackoffDelays, d)
		}
	}

	var err error
	cfg.OtherRetryDelay, err = parseDurationOr(raw.OtherRetryDelay, def.OtherRetryDelay, "retry.other_retry_delay")
	if err != nil {
		return RetryConfig{}, err
	}
	return cfg, nil
}

func parseDurationOr(value string, fallback time.Duration, field string) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, value, err)
	}
	return d, nil
}

func firstConfigured(p ProvidersConfig) string {
	switch {
	case p.Anthropic.Configured():
		return "anthropic"
	case p.OpenAI.Configured():
		return "openai"
	case p.Remote.Configured():
		return "remote"
	}
	return ""
}

func validate(cfg *Config) error {
	if firstConfigured(cfg.Providers) == "" {
		return fmt.Errorf("at least one provider must be configured (providers.openai.api_key, providers.anthropic.api_key or providers.remote.base_url)")
	}

	switch cfg.DefaultProvider {
	case "openai":
		if !cfg.Providers.OpenAI.Configured() {
			return fmt.Errorf("default_provider is openai but providers.openai.api_key is empty")
		}
	case "anthropic":
		if !cfg.Providers.Anthropic.Configured() {
			return fmt.Errorf("default_provider is anthropic but providers.anthropic.api_key is empty")
		}
	case "remote":
		if !cfg.Providers.Remote.Configured() {
			return fmt.Errorf("default_provider is remote but providers.remote.base_url is empty")
		}
	default:
		return fmt.Errorf("default_provider must be openai, anthropic or remote, got %q", cfg.DefaultProvider)
	}

	for name, p := range map[string]ProviderConfig{"openai": cfg.Providers.OpenAI, "anthropic": cfg.Providers.Anthropic} {
		if p.Configured() && p.Model == "" {
			return fmt.Errorf("providers.%s.model is required when an api_key is set", name)
		}
		if p.MaxTokens < 0 {
			return fmt.Errorf("providers.%s.max_tokens must not be negative, got %d", name, p.MaxTokens)
		}
	}

	if cfg.Providers.Timeout <= 0 {
		return fmt.Errorf("providers.timeout must be positive, got %v", cfg.Providers.Timeout)
	}
	if cfg.Concurrency.Limit < 1 {
		return fmt.Errorf("concurrency.limit must be at least 1, got %d", cfg.Concurrency.Limit)
	}
	if cfg.Concurrency.MinRequestInterval < 0 {
		return fmt.Errorf("concurrency.min_request_interval must not be negative, got %v", cfg.Concurrency.MinRequestInterval)
	}

	r := cfg.Retry
	if r.MaxOverloadRetries < 0 || r.MaxOtherRetries < 0 {
		return fmt.Errorf("retry limits must not be negative")
	}
	if len(r.OverloadBackoffDelays) == 0 {
		return fmt.Errorf("retry.overload_backoff_delays must not be empty")
	}
	for i, d := range r.OverloadBackoffDelays {
		if d < 0 {
			return fmt.Errorf("retry.overload_backoff_delays[%d] must not be negative, got %v", i, d)
		}
		if i > 0 && d < r.OverloadBackoffDelays[i-1] {
			return fmt.Errorf("retry.overload_backoff_delays must be non-decreasing, %v follows %v", d, r.OverloadBackoffDelays[i-1])
		}
	}
	if r.OtherRetryDelay < 0 {
		return fmt.Errorf("retry.other_retry_delay must not be negative, got %v", r.OtherRetryDelay)
	}

	if cfg.Report.Format != ReportLog && cfg.Report.Format != ReportJSON {
		return fmt.Errorf("report.format must be log or json, got %q", cfg.Report.Format)
	}

	if t := cfg.Scoring.Template; t != "" {
		if cfg.Scoring.TemplateFile != "" {
			return fmt.Errorf("scoring.template and scoring.template_file are mutually exclusive")
		}
		if _, ok := prompt.LookupRubric(t); !ok {
			return fmt.Errorf("scoring.template %q is not a built-in template", t)
		}
	}

	for i, a := range cfg.Scoring.Axes {
		if strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("scoring.axes[%d].name is required", i)
		}
	}

	return nil
}
