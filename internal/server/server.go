// Package server exposes the evaluator over HTTP so that remote clients can
// share one set of provider keys and one concurrency limit.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mickzijdel/ai-evaluator-extension/internal/ai"
	"github.com/mickzijdel/ai-evaluator-extension/internal/metrics"
	"github.com/mickzijdel/ai-evaluator-extension/internal/retry"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Options configures a Server. Registry, Dispatcher and Evaluator are
// required.
type Options struct {
	Registry        *ai.Registry
	Dispatcher      *retry.Dispatcher
	Evaluator       *ai.Evaluator
	DefaultProvider string
	Tokens          []string
	Gatherer        prometheus.Gatherer // nil uses the default gatherer
	Metrics         *metrics.Metrics    // may be nil
	Logger          *slog.Logger
}

// Server handles the evaluator HTTP API.
type Server struct {
	registry        *ai.Registry
	dispatcher      *retry.Dispatcher
	evaluator       *ai.Evaluator
	defaultProvider string
	tokens          []string
	gatherer        prometheus.Gatherer
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

// New creates a server from opts.
func New(opts Options) *Server {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		registry:        opts.Registry,
		dispatcher:      opts.Dispatcher,
		evaluator:       opts.Evaluator,
		defaultProvider: opts.DefaultProvider,
		tokens:          opts.Tokens,
		gatherer:        gatherer,
		metrics:         opts.Metrics,
		logger:          logger,
	}
}

// Routes returns the router with all endpoints mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(bearerAuth(s.tokens))

		r.Get("/providers", s.handleProviders)
		r.Post("/llm/complete", s.handleComplete)
		r.Post("/llm/evaluate", s.handleEvaluate)
		r.Get("/concurrency", s.handleGetConcurrency)
		r.Put("/concurrency", s.handleSetConcurrency)
	})

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr, "auth", len(s.tokens) > 0)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) provider(name string) (ai.LLMProvider, error) {
	if name == "" {
		name = s.defaultProvider
	}
	return s.registry.Get(name)
}
