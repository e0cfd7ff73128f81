package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ruralpay/payments-core/internal/app"
	"github.com/ruralpay/payments-core/internal/config"
	"github.com/ruralpay/payments-core/internal/logger"
	"github.com/ruralpay/payments-core/internal/services"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var envFile string

	rootCmd := &cobra.Command{
		Use:          "paymentsctl",
		Short:        "Operator tooling for the payments core",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Config file to load")

	rootCmd.AddCommand(sweepCmd(&envFile))
	rootCmd.AddCommand(replayCmd(&envFile))
	rootCmd.AddCommand(tokenCmd(&envFile))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads config, wires the services and runs fn with a context that
// is cancelled on SIGINT, so long sweeps stop between items.
func withApp(envFile string, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger.New(cfg.Env))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func sweepCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:       "sweep [" + strings.Join(services.SweepNames, "|") + "]",
		Short:     "Run one reconciliation sweep and print its report",
		Args:      cobra.ExactArgs(1),
		ValidArgs: services.SweepNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*envFile, func(ctx context.Context, a *app.App) error {
				report, err := a.Reconciler.RunOnce(ctx, args[0])
				printJSON(cmd, report)
				return err
			})
		},
	}
}

func replayCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replay [gateway-event-id]",
		Short: "Reprocess a webhook delivery that previously failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*envFile, func(ctx context.Context, a *app.App) error {
				result, err := a.Webhooks.Replay(ctx, args[0])
				printJSON(cmd, result)
				return err
			})
		},
	}
}

func tokenCmd(envFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Fetch a gateway access token to check OAuth credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			show, _ := cmd.Flags().GetBool("show")
			return withApp(*envFile, func(ctx context.Context, a *app.App) error {
				token, err := a.Tokens.ForceRefresh(ctx)
				if err != nil {
					return err
				}
				if !show && len(token) > 8 {
					token = token[:4] + "..." + token[len(token)-4:]
				}
				fmt.Fprintln(cmd.OutOrStdout(), "token ok:", token)
				return nil
			})
		},
	}
	cmd.Flags().Bool("show", false, "Print the full token")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
