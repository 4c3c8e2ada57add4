// Package app assembles the lifecycle controller and its collaborators from
// configuration. Every binary goes through Open so the wiring stays in one
// place.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/config"
	"github.com/drfirst/go-rxlife/internal/domain/prescription"
	"github.com/drfirst/go-rxlife/internal/infrastructure/memory"
	"github.com/drfirst/go-rxlife/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxlife/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxlife/internal/lifecycle"
	"github.com/drfirst/go-rxlife/internal/observability/metrics"
	"github.com/drfirst/go-rxlife/internal/observability/tracing"
	"github.com/drfirst/go-rxlife/internal/registry"
	"github.com/drfirst/go-rxlife/internal/signature"
	"github.com/drfirst/go-rxlife/pkg/circuitbreaker"
)

// Options select optional infrastructure
type Options struct {
	ServiceName string
	// Producer forces a Kafka producer even when the audit sink is not kafka
	Producer bool
	// Registerer receives the lifecycle metrics; nil uses the default
	Registerer prometheus.Registerer
}

// Runtime holds everything a binary needs. Pool and Producer are nil when
// the configuration does not call for them.
type Runtime struct {
	Config     *config.Config
	Logger     *zap.Logger
	Pool       *pgxpool.Pool
	Store      prescription.Store
	Producer   *redpanda.Producer
	Metrics    *metrics.Metrics
	Controller *lifecycle.Controller
	Tracing    *tracing.Provider

	gatherer prometheus.Gatherer
}

// NewLogger builds the process logger
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDebug() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Open connects infrastructure and builds the controller
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: logger}

	tcfg := tracing.DefaultConfig(opts.ServiceName)
	tcfg.Enabled = cfg.TracingEnabled
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, tcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	rt.Tracing = tp

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		rt.gatherer = g
	}
	rt.Metrics = metrics.New(reg)

	deps := lifecycle.Dependencies{Metrics: rt.Metrics}

	switch cfg.StoreDriver {
	case config.StorePostgres:
		pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
		}
		if cfg.DBMaxConns > 0 {
			pcfg.MaxConns = cfg.DBMaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		rt.Pool = pool
		if err := pool.Ping(ctx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("database ping: %w", err)
		}
		logger.Info("connected to database")

		store := postgres.NewStore(pool, logger)
		dir := postgres.NewDirectory(pool)
		rt.Store = store
		deps.Store = store
		deps.Stock = postgres.NewInventory(pool)
		deps.Authz = dir
		deps.Patients = dir
	default:
		store := memory.NewStore()
		rt.Store = store
		deps.Store = store
		deps.Stock = memory.NewStock()
		deps.Authz = lifecycle.AllowAll{}
		deps.Patients = lifecycle.AllowAll{}
		logger.Warn("using in-memory store; data is lost on exit")
	}

	if opts.Producer || cfg.AuditSink == config.AuditKafka {
		pc := redpanda.DefaultProducerConfig()
		pc.Brokers = cfg.KafkaBrokers
		producer, err := redpanda.NewProducer(pc, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("create producer: %w", err)
		}
		rt.Producer = producer
	}

	switch cfg.AuditSink {
	case config.AuditOutbox:
		deps.Audit = postgres.NewOutboxSink(rt.Pool, redpanda.TopicPrescriptionEvents, logger)
	case config.AuditKafka:
		deps.Audit = redpanda.NewEventSink(rt.Producer, redpanda.TopicPrescriptionEvents, logger)
	default:
		deps.Audit = lifecycle.LogSink{Logger: logger.Named("audit")}
	}

	rc, err := newRegistry(cfg, rt.Metrics, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if rc != nil {
		deps.Registry = rc
	}

	if cfg.SignerKeysFile != "" {
		ring, err := signature.LoadFile(cfg.SignerKeysFile, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		deps.Verifier = ring
	} else {
		logger.Warn("SIGNER_KEYS_FILE not set; signatures cannot be verified")
	}

	ccfg := lifecycle.DefaultConfig()
	ccfg.RegistryTimeout = cfg.RegistryTimeout
	ccfg.StockTimeout = cfg.StockTimeout
	if w := cfg.ExpiringWindow(); w > 0 {
		ccfg.ExpiringWindow = w
	}
	ctrl, err := lifecycle.NewController(deps, ccfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Controller = ctrl
	return rt, nil
}

func newRegistry(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (lifecycle.RegistryClient, error) {
	switch cfg.RegistryMode {
	case config.RegistryHTTP:
		bcfg := circuitbreaker.DefaultConfig("registry")
		bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
			m.SetBreakerState(name, to.Gauge())
		}
		client, err := registry.NewClient(registry.Config{
			BaseURL: cfg.RegistryURL,
			APIKey:  cfg.RegistryAPIKey,
			Timeout: cfg.RegistryTimeout,
			Breaker: bcfg,
		}, nil, logger.Named("registry"))
		if err != nil {
			return nil, fmt.Errorf("create registry client: %w", err)
		}
		return client, nil
	case config.RegistryStatic:
		logger.Warn("using static registry; submissions are not sent anywhere")
		return registry.Static{}, nil
	default:
		return nil, nil
	}
}

// MetricsHandler serves the registry the lifecycle metrics were registered on
func (rt *Runtime) MetricsHandler() http.Handler {
	if rt.gatherer != nil {
		return metrics.HandlerFor(rt.gatherer)
	}
	return metrics.Handler()
}

// Ping checks the database when one is configured
func (rt *Runtime) Ping(ctx context.Context) error {
	if rt.Pool == nil {
		return nil
	}
	return rt.Pool.Ping(ctx)
}

// Close releases infrastructure in reverse order of creation
func (rt *Runtime) Close() {
	if rt.Producer != nil {
		rt.Producer.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
	if rt.Tracing != nil {
		if err := rt.Tracing.Shutdown(context.Background()); err != nil {
			rt.Logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}
}
