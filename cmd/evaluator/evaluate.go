package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
	"github.com/mickzijdel/ai-evaluator-extension/internal/retry"
)

var (
	evalProvider    string
	evalApplicantID string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [file]",
	Short: "Evaluate one applicant",
	Long:  "Evaluate the applicant data in file (or stdin when file is omitted or \"-\") and print the ranking.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEvaluate,
}

func init() {
	evaluateCmd.Flags().StringVarP(&evalProvider, "provider", "p", "", "provider to use (default: default_provider from config)")
	evaluateCmd.Flags().StringVar(&evalApplicantID, "id", "cli", "applicant id used in logs and reports")
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	logger := setupLogger(cmd.ErrOrStderr(), debug)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := readApplicantData(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	provider, err := a.provider(evalProvider)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stderr := cmd.ErrOrStderr()
	status := retry.WithStatus(func(message string, remaining, attempt, maxAttempts int) {
		if message == "" {
			fmt.Fprint(stderr, "\r\033[K")
			return
		}
		fmt.Fprintf(stderr, "\r\033[K%s, retrying in %ds (attempt %d/%d)", message, remaining, attempt, maxAttempts)
	})

	eval, err := a.evaluator.Evaluate(ctx, provider, model.Applicant{ID: evalApplicantID, Data: data}, status)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	printEvaluation(cmd.OutOrStdout(), eval)
	return nil
}

func readApplicantData(stdin io.Reader, args []string) (string, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("read applicant data: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("applicant data is empty")
	}
	return text, nil
}

func printEvaluation(w io.Writer, eval model.Evaluation) {
	fmt.Fprintf(w, "Score: %d/5 (%s, %s)\n", eval.Score, eval.Provider, eval.Model)
	for _, axis := range eval.AxisScores {
		if axis.Score == nil {
			fmt.Fprintf(w, "  %s: -\n", axis.Name)
			continue
		}
		fmt.Fprintf(w, "  %s: %d\n", axis.Name, *axis.Score)
	}
	if eval.Reasoning != "" {
		fmt.Fprintf(w, "\n%s\n", eval.Reasoning)
	}
	if eval.Notes != "" {
		fmt.Fprintf(w, "\nNotes:\n%s\n", eval.Notes)
	}
}
