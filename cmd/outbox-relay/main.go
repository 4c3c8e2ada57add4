// Package main provides the outbox relay service entry point.
// Audit events written to the outbox table are published to Kafka.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/app"
	"github.com/drfirst/go-rxlife/internal/config"
	"github.com/drfirst/go-rxlife/internal/infrastructure/postgres"
)

const (
	serviceName       = "outbox-relay"
	maintenanceEvery  = time.Minute
	processedRetained = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer logger.Sync()

	if cfg.StoreDriver != config.StorePostgres {
		logger.Fatal("outbox relay requires STORE_DRIVER=postgres")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, logger, app.Options{ServiceName: serviceName, Producer: true})
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer rt.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	ocfg := postgres.DefaultOutboxConfig()
	ocfg.BatchSize = cfg.OutboxBatchSize
	ocfg.PollInterval = cfg.OutboxPollInterval
	outbox := postgres.NewOutbox(rt.Pool, rt.Producer, ocfg, rt.Metrics, logger.Named("outbox"))

	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.MetricsHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := rt.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	metricsServer := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go maintain(ctx, outbox, logger)

	if err := outbox.Run(ctx); err != nil {
		logger.Error("outbox relay failed", zap.Error(err))
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Producer.Flush(shutdownCtx); err != nil {
		logger.Warn("producer flush failed", zap.Error(err))
	}
	metricsServer.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}

// maintain dead-letters exhausted entries, prunes processed ones and keeps
// the pending gauge current
func maintain(ctx context.Context, outbox *postgres.Outbox, logger *zap.Logger) {
	ticker := time.NewTicker(maintenanceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
			logger.Error("dead-letter pass failed", zap.Error(err))
		} else if n > 0 {
			logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
		}
		if n, err := outbox.CleanupProcessed(ctx, processedRetained); err != nil {
			logger.Error("outbox cleanup failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("outbox entries pruned", zap.Int64("count", n))
		}
		stats, err := outbox.Stats(ctx)
		if err != nil {
			logger.Error("outbox stats failed", zap.Error(err))
			continue
		}
		logger.Debug("outbox stats",
			zap.Int64("pending", stats.Pending),
			zap.Int64("processed_24h", stats.Processed24h),
			zap.Int64("exhausted", stats.Exhausted))
	}
}
