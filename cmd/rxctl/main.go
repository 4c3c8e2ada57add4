// Package main provides rxctl, the operator CLI for the prescription
// lifecycle engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/app"
	"github.com/drfirst/go-rxlife/internal/config"
)

var (
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "rxctl",
	Short: "Operate the prescription lifecycle engine",
	Long: `rxctl runs maintenance tasks against the same database and brokers
the services use. Configuration comes from the environment or .env, exactly
as for prescription-api.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(inventoryCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(inboxCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if !verbose {
		return cfg, zap.NewNop(), nil
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// withRuntime opens the full runtime for commands that go through the
// controller
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *app.Runtime) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	rt, err := app.Open(ctx, cfg, logger, app.Options{
		ServiceName: "rxctl",
		Registerer:  prometheus.NewRegistry(),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// withDatabase is withRuntime for commands that only make sense on postgres
func withDatabase(cmd *cobra.Command, fn func(ctx context.Context, rt *app.Runtime) error) error {
	return withRuntime(cmd, func(ctx context.Context, rt *app.Runtime) error {
		if rt.Pool == nil {
			return errors.New("this command requires STORE_DRIVER=postgres")
		}
		return fn(ctx, rt)
	})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
