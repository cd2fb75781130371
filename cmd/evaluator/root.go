package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/mickzijdel/ai-evaluator-extension/internal/ai"
	"github.com/mickzijdel/ai-evaluator-extension/internal/config"
	"github.com/mickzijdel/ai-evaluator-extension/internal/metrics"
	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
	"github.com/mickzijdel/ai-evaluator-extension/internal/notifier"
	"github.com/mickzijdel/ai-evaluator-extension/internal/prompt"
	"github.com/mickzijdel/ai-evaluator-extension/internal/ratelimit"
	"github.com/mickzijdel/ai-evaluator-extension/internal/retry"
)

var (
	cfgPath string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:           "evaluator",
	Short:         "Score applicants with LLMs",
	Long:          "evaluator sends applicant data to OpenAI, Anthropic or a remote evaluator server and extracts a 1-5 ranking, retrying through rate limits and overloads.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (default: "+config.EnvPath+" env var or ./"+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.ResolvePath(cfgPath))
}

func setupLogger(w io.Writer, dbg bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if dbg {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

// app holds the components shared by every subcommand.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpClient *http.Client
	registry   *ai.Registry
	dispatcher *retry.Dispatcher
	evaluator  *ai.Evaluator
}

// newApp wires providers, the governor, the dispatcher and the evaluator from
// cfg. m may be nil.
func newApp(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*app, error) {
	httpClient := &http.Client{Timeout: cfg.Providers.Timeout}

	var hook ai.QuotaHook
	if m != nil {
		hook = m.LowQuota
	}
	registry := buildRegistry(cfg, httpClient, ratelimit.NewSpacer(cfg.Concurrency.MinRequestInterval), hook, logger)

	builder, err := buildPromptBuilder(cfg.Scoring)
	if err != nil {
		return nil, err
	}

	governor := ratelimit.NewGovernor(cfg.Concurrency.Limit)
	dispatcher := retry.NewDispatcher(governor, cfg.Retry.Policy(), logger)
	if m != nil {
		dispatcher.SetObserver(m)
		m.TrackGovernor(governor)
	}

	logger.Debug("providers configured",
		"providers", registry.Names(),
		"default", cfg.DefaultProvider,
		"concurrency", cfg.Concurrency.Limit,
	)

	return &app{
		cfg:        cfg,
		logger:     logger,
		httpClient: httpClient,
		registry:   registry,
		dispatcher: dispatcher,
		evaluator:  ai.NewEvaluator(dispatcher, builder, logger),
	}, nil
}

// provider resolves a --provider flag value, falling back to the configured
// default.
func (a *app) provider(name string) (ai.LLMProvider, error) {
	if name == "" {
		name = a.cfg.DefaultProvider
	}
	return a.registry.Get(name)
}

func buildRegistry(cfg *config.Config, httpClient *http.Client, spacer *ratelimit.Spacer, hook ai.QuotaHook, logger *slog.Logger) *ai.Registry {
	common := []ai.ProviderOption{ai.WithLogger(logger), ai.WithSpacer(spacer)}
	if hook != nil {
		common = append(common, ai.WithQuotaHook(hook))
	}

	registry := ai.NewRegistry()
	p := cfg.Providers
	if p.OpenAI.Configured() {
		registry.Register(ai.NewOpenAIProvider(p.OpenAI.BaseURL, p.OpenAI.APIKey, p.OpenAI.Model, httpClient, providerOptions(common, p.OpenAI)...))
	}
	if p.Anthropic.Configured() {
		registry.Register(ai.NewAnthropicProvider(p.Anthropic.BaseURL, p.Anthropic.APIKey, p.Anthropic.Model, httpClient, providerOptions(common, p.Anthropic)...))
	}
	if p.Remote.Configured() {
		registry.Register(ai.NewRemoteServerProvider(p.Remote.BaseURL, p.Remote.Provider, p.Remote.Model, ai.StaticToken(p.Remote.Token), httpClient, common...))
	}
	return registry
}

func providerOptions(common []ai.ProviderOption, pc config.ProviderConfig) []ai.ProviderOption {
	opts := append([]ai.ProviderOption(nil), common...)
	opts = append(opts, ai.WithMaxTokens(pc.MaxTokens))
	if pc.Temperature != nil {
		opts = append(opts, ai.WithTemperature(*pc.Temperature))
	}
	return opts
}

func buildPromptBuilder(sc config.ScoringConfig) (*prompt.Builder, error) {
	vars := prompt.Variables{
		Criteria:               sc.Criteria,
		RankingKeyword:         sc.RankingKeyword,
		NotesInstructions:      sc.NotesInstructions,
		AdditionalInstructions: sc.AdditionalInstructions,
		Axes:                   sc.Axes,
	}
	if sc.TemplateFile == "" {
		return prompt.NewBuilderForRubric(sc.Template, vars)
	}
	text, err := os.ReadFile(sc.TemplateFile)
	if err != nil {
		return nil, fmt.Errorf("read scoring.template_file: %w", err)
	}
	return prompt.NewBuilderFromTemplate(string(text), vars)
}

// setupReporter builds the configured reporter. The returned close function
// flushes and closes any output file.
func setupReporter(cfg config.ReportConfig, stdout io.Writer, httpClient *http.Client, logger *slog.Logger) (model.Reporter, func() error, error) {
	closeFn := func() error { return nil }

	var primary model.Reporter
	switch cfg.Format {
	case config.ReportJSON:
		w := stdout
		if cfg.Output != "" {
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return nil, nil, fmt.Errorf("open report output: %w", err)
			}
			w = f
			closeFn = f.Close
		}
		primary = notifier.NewJSONReporter(w)
	default:
		primary = notifier.NewLogReporter(logger)
	}

	if cfg.WebhookURL == "" {
		return primary, closeFn, nil
	}
	logger.Info("posting evaluations to webhook")
	return notifier.Multi{primary, notifier.NewWebhookReporter(cfg.WebhookURL, httpClient, logger)}, closeFn, nil
}
