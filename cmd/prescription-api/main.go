// Package main provides the prescription API service entry point.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/api/handlers"
	"github.com/drfirst/go-rxlife/internal/api/middleware"
	"github.com/drfirst/go-rxlife/internal/app"
	"github.com/drfirst/go-rxlife/internal/config"
	"github.com/drfirst/go-rxlife/pkg/idempotency"
)

const serviceName = "prescription-api"

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

	ctx := context.Background()
	rt, err := app.Open(ctx, cfg, logger, app.Options{
		ServiceName: serviceName,
		Producer:    len(cfg.KafkaBrokers) > 0,
	})
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer rt.Close()

	opts := handlers.Options{ExpiringDays: cfg.ExpiringWindowDays}
	if rt.Producer != nil {
		opts.SyncQueue = rt.Producer
	}
	var inbox *idempotency.Inbox
	if rt.Pool != nil {
		inbox = idempotency.NewInbox(rt.Pool, idempotency.DefaultInboxConfig(), logger.Named("inbox"))
	} else {
		inbox = idempotency.NewMemoryInbox(idempotency.DefaultInboxConfig(), logger.Named("inbox"))
	}
	inbox.StartCleanup()
	defer inbox.Stop()
	opts.Deduper = inbox

	actors, err := cfg.Actors()
	if err != nil {
		logger.Fatal("invalid API_KEYS", zap.Error(err))
	}
	keys := make(map[string]middleware.Actor, len(actors))
	for k, a := range actors {
		keys[k] = middleware.Actor{ID: a.ID, Name: a.Name}
	}
	if len(keys) == 0 {
		logger.Warn("API_KEYS not set; requests are unauthenticated")
	}

	handler := handlers.NewPrescriptionHandler(rt.Controller, opts, logger)
	router := handlers.NewRouter(handler, handlers.RouterConfig{
		ServiceName: serviceName,
		APIKeys:     keys,
		Metrics:     rt.MetricsHandler(),
		Ready:       rt.Ping,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting prescription API",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
		zap.String("audit_sink", cfg.AuditSink),
		zap.String("registry", cfg.RegistryMode))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	if rt.Producer != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.Producer.Flush(flushCtx); err != nil {
			logger.Warn("producer flush failed", zap.Error(err))
		}
		cancel()
	}
	logger.Info("server stopped")
}
