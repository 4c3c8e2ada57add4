// Package main provides the lifecycle worker entry point.
// Consumes registry sync requests and runs the periodic expiry sweep.
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
	"github.com/drfirst/go-rxlife/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxlife/internal/worker"
	"github.com/drfirst/go-rxlife/pkg/idempotency"
	"github.com/drfirst/go-rxlife/pkg/workerpool"
)

const serviceName = "lifecycle-worker"

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, logger, app.Options{ServiceName: serviceName})
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer rt.Close()

	var deduper worker.Deduper
	if rt.Pool != nil {
		inbox := idempotency.NewInbox(rt.Pool, idempotency.DefaultInboxConfig(), logger.Named("inbox"))
		if n, err := inbox.RecoverStaleEntries(ctx, rt.Pool); err != nil {
			logger.Warn("inbox recovery failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("recovered stale inbox entries", zap.Int64("count", n))
		}
		inbox.StartCleanup()
		defer inbox.Stop()
		deduper = inbox
	}

	pcfg := workerpool.DefaultConfig()
	pcfg.Workers = cfg.Workers
	w, err := worker.New(rt.Controller, deduper, pcfg, logger.Named("worker"))
	if err != nil {
		logger.Fatal("worker creation failed", zap.Error(err))
	}
	w.Start()

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.KafkaBrokers
	ccfg.GroupID = cfg.KafkaGroupID
	consumer, err := redpanda.NewConsumer(ccfg, w.HandleSyncRequest, logger.Named("consumer"))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.MetricsHandler())
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		if err := rt.Ping(r.Context()); err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rw.Write([]byte("ok"))
	})
	metricsServer := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go w.RunSweeps(ctx, cfg.SweepInterval)

	logger.Info("lifecycle worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroupID),
		zap.Int("workers", cfg.Workers),
		zap.Duration("sweep_interval", cfg.SweepInterval))

	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("consumer stopped", zap.Error(err))
		stop()
	}

	logger.Info("shutting down")
	if err := w.Stop(); err != nil {
		logger.Warn("worker pool did not drain", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)
	logger.Info("lifecycle worker stopped")
}
