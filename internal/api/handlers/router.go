package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/api/middleware"
)

// RouterConfig holds what the API router needs besides the handler
type RouterConfig struct {
	ServiceName string
	APIKeys     map[string]middleware.Actor
	// Metrics serves /metrics when set
	Metrics http.Handler
	// Ready backs /ready; nil means always ready
	Ready   func(ctx context.Context) error
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewRouter mounts the prescription and signature routes under /api/v1
func NewRouter(h *PrescriptionHandler, cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(cfg.Logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.CORS)
	r.Use(chimw.Timeout(cfg.Timeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q}`, cfg.ServiceName)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(r.Context()); err != nil {
				h.jsonError(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ready"}`))
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Use(middleware.Logger(cfg.Logger))
		r.Mount("/prescriptions", h.Routes())
		r.Mount("/signatures", h.SignatureRoutes())
	})
	return r
}
