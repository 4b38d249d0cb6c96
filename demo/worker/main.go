// Command worker serves the specialist handlers over Kafka so they can run
// in processes separate from the orchestrator.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/refset/aegis/internal/config"
	"github.com/refset/aegis/internal/hil"
	"github.com/refset/aegis/internal/logging"
	"github.com/refset/aegis/internal/service"
)

const defaultApprovalsAddr = ":8002"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	logger = logger.Named("worker")

	// A worker is only useful on a shared broker; service.New also requires
	// the shared Postgres store.
	cfg.Transport.Backend = "kafka"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build worker", zap.Error(err))
	}
	defer svc.Close()

	addr := os.Getenv("WORKER_APPROVALS_ADDR")
	if addr == "" {
		addr = defaultApprovalsAddr
	}

	logger.Info("Starting specialist worker",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic_prefix", cfg.Kafka.TopicPrefix),
		zap.String("approvals", addr))

	// Approvals for actions started here are decided against this process.
	srv := &http.Server{Addr: addr, Handler: hil.NewHandler(svc.Gate), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.ServeHandlers(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped", zap.Error(err))
		return
	}
	logger.Info("Worker shutting down")
}
