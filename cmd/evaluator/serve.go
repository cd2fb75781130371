package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mickzijdel/ai-evaluator-extension/internal/metrics"
	"github.com/mickzijdel/ai-evaluator-extension/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the evaluator HTTP server",
	Long:  "Serve the completion and evaluation API so remote clients can share this instance's provider keys and concurrency limit. Blocks until SIGINT/SIGTERM.",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: server.addr from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := setupLogger(cmd.ErrOrStderr(), debug)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	m := metrics.MustNew(prometheus.DefaultRegisterer)
	a, err := newApp(cfg, logger, m)
	if err != nil {
		return err
	}

	if len(cfg.Server.Tokens) == 0 {
		logger.Warn("server.tokens is empty, API is unauthenticated")
	}

	srv := server.New(server.Options{
		Registry:        a.registry,
		Dispatcher:      a.dispatcher,
		Evaluator:       a.evaluator,
		DefaultProvider: cfg.DefaultProvider,
		Tokens:          cfg.Server.Tokens,
		Gatherer:        prometheus.DefaultGatherer,
		Metrics:         m,
		Logger:          logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return err
	}
	logger.Info("goodbye")
	return nil
}
