package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mickzijdel/ai-evaluator-extension/internal/model"
	"github.com/mickzijdel/ai-evaluator-extension/internal/retry"
)

var providersPing bool

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers",
	Args:  cobra.NoArgs,
	RunE:  runProviders,
}

func init() {
	providersCmd.Flags().BoolVar(&providersPing, "ping", false, "send a one-line completion to each provider")
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, args []string) error {
	logger := setupLogger(cmd.ErrOrStderr(), debug)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, logger, nil)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	header := "NAME\tMODEL\tDEFAULT"
	if providersPing {
		header += "\tPING"
	}
	fmt.Fprintln(tw, header)

	for _, name := range a.registry.Names() {
		p, err := a.registry.Get(name)
		if err != nil {
			return err
		}
		def := ""
		if name == cfg.DefaultProvider {
			def = "*"
		}
		line := fmt.Sprintf("%s\t%s\t%s", p.Name(), p.Model(), def)
		if providersPing {
			line += "\t" + ping(cmd.Context(), a, name)
		}
		fmt.Fprintln(tw, line)
	}
	return tw.Flush()
}

// ping sends a tiny conversation without retries and reports the outcome.
func ping(ctx context.Context, a *app, name string) string {
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := a.registry.Get(name)
	if err != nil {
		return err.Error()
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	conv := model.NewConversation(model.Message{Role: model.RoleUser, Content: "Reply with the single word OK."})
	if _, err := a.dispatcher.Dispatch(ctx, p, conv, retry.WithRetryConfig(retry.Config{})); err != nil {
		return "error: " + err.Error()
	}
	return "ok (" + time.Since(start).Round(time.Millisecond).String() + ")"
}
