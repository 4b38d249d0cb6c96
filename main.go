package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/refset/aegis/internal/config"
	"github.com/refset/aegis/internal/logging"
	"github.com/refset/aegis/internal/service"
	"github.com/refset/aegis/internal/store"
)

var logLevel string

func main() {
	root := &cobra.Command{
		Use:           "aegis",
		Short:         "Customer support router with proactive monitoring",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the API, orchestrator, specialist handlers and monitor",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "cycle",
			Short: "Run one monitor cycle against Postgres (or seeded demo data) and print its report",
			RunE:  runCycle,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the Postgres schema",
			RunE:  runMigrate,
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "aegis:", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext(logger)
	defer cancel()

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Service stopped", zap.Error(err))
		return err
	}
	logger.Info("Service stopped")
	return nil
}

func runCycle(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := service.ValidateOneShot(cfg); err != nil {
		return err
	}
	ctx, cancel := signalContext(logger)
	defer cancel()

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	mon, err := svc.NewMonitor()
	if err != nil {
		return err
	}
	report, err := mon.Cycle(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.Postgres.ConnString == "" {
		return errors.New("postgres.conn_string (or POSTGRES_CONN_STRING) is not set")
	}
	ctx, cancel := signalContext(logger)
	defer cancel()

	pool, err := store.Connect(ctx, cfg.Postgres.ConnString)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		return err
	}
	logger.Info("Schema up to date")
	return nil
}
