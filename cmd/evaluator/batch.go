package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mickzijdel/ai-evaluator-extension/internal/batch"
	"github.com/mickzijdel/ai-evaluator-extension/internal/config"
	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
	"github.com/mickzijdel/ai-evaluator-extension/internal/progress"
	"github.com/mickzijdel/ai-evaluator-extension/internal/store"
)

var (
	batchProvider    string
	batchTUI         bool
	batchNoResume    bool
	batchReset       bool
	batchConcurrency int
	batchPrune       time.Duration
	batchLogFile     string
)

var batchCmd = &cobra.Command{
	Use:   "batch <applicants.yaml>",
	Short: "Evaluate every applicant in a file",
	Long: `Evaluate every applicant in a YAML or JSON file concurrently.

Applicants already recorded in the processed ledger are skipped, so an
interrupted batch can be rerun to pick up where it stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	f := batchCmd.Flags()
	f.StringVarP(&batchProvider, "provider", "p", "", "provider to use (default: default_provider from config)")
	f.BoolVar(&batchTUI, "tui", false, "show a live progress view")
	f.BoolVar(&batchNoResume, "no-resume", false, "evaluate every applicant, ignoring and not updating the ledger")
	f.BoolVar(&batchReset, "reset", false, "clear the ledger before running")
	f.IntVar(&batchConcurrency, "concurrency", 0, "override concurrency.limit")
	f.DurationVar(&batchPrune, "prune", 0, "forget ledger entries older than this before running (e.g. 720h)")
	f.StringVar(&batchLogFile, "log-file", "", "write logs to this file (logs are discarded with --tui otherwise)")
	rootCmd.AddCommand(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	logOut, closeLog, err := batchLogOutput(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()
	logger := setupLogger(logOut, debug)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if batchConcurrency > 0 {
		cfg.Concurrency.Limit = batchConcurrency
	}
	if batchTUI && cfg.Report.Format == config.ReportJSON && cfg.Report.Output == "" {
		return fmt.Errorf("--tui needs report.output when report.format is json")
	}

	applicants, err := batch.LoadApplicants(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	provider, err := a.provider(batchProvider)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, closeLedger, err := openLedger(ctx, cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	reporter, closeReport, err := setupReporter(cfg.Report, cmd.OutOrStdout(), a.httpClient, logger)
	if err != nil {
		return err
	}
	defer closeReport()

	run := func(ctx context.Context, onEvent func(batch.Event)) (batch.Summary, error) {
		runner := batch.NewRunner(a.evaluator, provider, ledger, reporter, logger, onEvent)
		return runner.Run(ctx, applicants)
	}

	var summary batch.Summary
	if batchTUI {
		summary, err = progress.Run(ctx, len(applicants), provider.Name(), a.dispatcher.Governor(), run)
	} else {
		summary, err = run(ctx, nil)
	}

	printSummary(cmd.OutOrStdout(), summary)
	if err != nil {
		return err
	}
	if n := len(summary.Failures); n > 0 {
		return fmt.Errorf("%d of %d applicants failed", n, summary.Total)
	}
	return nil
}

func batchLogOutput(stderr io.Writer) (io.Writer, func() error, error) {
	switch {
	case batchLogFile != "":
		f, err := os.OpenFile(batchLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return f, f.Close, nil
	case batchTUI:
		return io.Discard, func() error { return nil }, nil
	default:
		return stderr, func() error { return nil }, nil
	}
}

// openLedger opens the processed ledger, honouring --no-resume, --reset and
// --prune.
func openLedger(ctx context.Context, path string, logger *slog.Logger) (model.ProcessedStore, func() error, error) {
	if batchNoResume {
		logger.Info("resume disabled, ledger not used")
		return store.NewNopStore(), func() error { return nil }, nil
	}

	sqlStore, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	if batchReset {
		if err := sqlStore.Reset(ctx); err != nil {
			sqlStore.Close()
			return nil, nil, err
		}
		logger.Info("ledger cleared", "path", path)
	}
	if batchPrune > 0 {
		if err := sqlStore.Cleanup(ctx, batchPrune); err != nil {
			sqlStore.Close()
			return nil, nil, err
		}
	}
	if n, err := sqlStore.Count(ctx); err == nil && n > 0 {
		logger.Info("resuming from ledger", "path", path, "already_processed", n)
	}
	return sqlStore, sqlStore.Close, nil
}

func printSummary(w io.Writer, s batch.Summary) {
	fmt.Fprintf(w, "\n%d applicants: %d evaluated, %d skipped, %d failed\n",
		s.Total, s.Evaluated, s.Skipped, len(s.Failures))
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  %s: %v\n", f.ApplicantID, f.Err)
	}
}
