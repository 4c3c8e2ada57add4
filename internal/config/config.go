// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Audit sinks
const (
	AuditOutbox = "outbox"
	AuditKafka  = "kafka"
	AuditLog    = "log"
)

// Registry modes
const (
	RegistryHTTP   = "http"
	RegistryStatic = "static"
	RegistryNone   = "none"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	MetricsPort        string        `mapstructure:"METRICS_PORT"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	StoreDriver        string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	KafkaBrokers       []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaGroupID       string        `mapstructure:"KAFKA_GROUP_ID"`
	AuditSink          string        `mapstructure:"AUDIT_SINK"`
	RegistryMode       string        `mapstructure:"REGISTRY_MODE"`
	RegistryURL        string        `mapstructure:"REGISTRY_URL"`
	RegistryAPIKey     string        `mapstructure:"REGISTRY_API_KEY"`
	RegistryTimeout    time.Duration `mapstructure:"REGISTRY_TIMEOUT"`
	StockTimeout       time.Duration `mapstructure:"STOCK_TIMEOUT"`
	ExpiringWindowDays int           `mapstructure:"EXPIRING_WINDOW_DAYS"`
	SignerKeysFile     string        `mapstructure:"SIGNER_KEYS_FILE"`
	APIKeys            string        `mapstructure:"API_KEYS"`
	OTLPEndpoint       string        `mapstructure:"OTLP_ENDPOINT"`
	TracingEnabled     bool          `mapstructure:"TRACING_ENABLED"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
	Workers            int           `mapstructure:"WORKERS"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
}

var keys = []string{
	"PORT", "METRICS_PORT", "LOG_LEVEL", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS",
	"KAFKA_BROKERS", "KAFKA_GROUP_ID", "AUDIT_SINK", "REGISTRY_MODE", "REGISTRY_URL",
	"REGISTRY_API_KEY", "REGISTRY_TIMEOUT", "STOCK_TIMEOUT", "EXPIRING_WINDOW_DAYS",
	"SIGNER_KEYS_FILE", "API_KEYS", "OTLP_ENDPOINT", "TRACING_ENABLED", "SWEEP_INTERVAL",
	"WORKERS", "OUTBOX_BATCH_SIZE", "OUTBOX_POLL_INTERVAL",
}

// Load reads the environment, falling back to .env and then defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("METRICS_PORT", "9090")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_GROUP_ID", "lifecycle-worker")
	v.SetDefault("AUDIT_SINK", AuditOutbox)
	v.SetDefault("REGISTRY_MODE", RegistryStatic)
	v.SetDefault("REGISTRY_TIMEOUT", "5s")
	v.SetDefault("STOCK_TIMEOUT", "2s")
	v.SetDefault("EXPIRING_WINDOW_DAYS", 7)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("SWEEP_INTERVAL", "15m")
	v.SetDefault("WORKERS", 4)
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "1s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option combinations the binaries cannot start with
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreMemory, StorePostgres, c.StoreDriver)
	}

	switch c.AuditSink {
	case AuditLog:
	case AuditOutbox:
		if c.StoreDriver != StorePostgres {
			return fmt.Errorf("AUDIT_SINK %q requires STORE_DRIVER %q", AuditOutbox, StorePostgres)
		}
	case AuditKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when AUDIT_SINK is %q", AuditKafka)
		}
	default:
		return fmt.Errorf("AUDIT_SINK must be one of outbox, kafka, log; got %q", c.AuditSink)
	}

	switch c.RegistryMode {
	case RegistryStatic, RegistryNone:
	case RegistryHTTP:
		if c.RegistryURL == "" {
			return fmt.Errorf("REGISTRY_URL is required when REGISTRY_MODE is %q", RegistryHTTP)
		}
	default:
		return fmt.Errorf("REGISTRY_MODE must be one of http, static, none; got %q", c.RegistryMode)
	}

	if c.ExpiringWindowDays < 0 {
		return fmt.Errorf("EXPIRING_WINDOW_DAYS must not be negative")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if _, err := c.Actors(); err != nil {
		return err
	}
	return nil
}

// IsDebug reports whether development logging was requested
func (c *Config) IsDebug() bool {
	return strings.EqualFold(c.LogLevel, "debug")
}

// ExpiringWindow is EXPIRING_WINDOW_DAYS as a duration
func (c *Config) ExpiringWindow() time.Duration {
	return time.Duration(c.ExpiringWindowDays) * 24 * time.Hour
}

// Actor is the identity an API key acts as
type Actor struct {
	ID   string
	Name string
}

// Actors parses API_KEYS, a comma separated list of key:actor_id:actor name
// entries. The name part is optional and defaults to the id.
func (c *Config) Actors() (map[string]Actor, error) {
	out := make(map[string]Actor)
	for _, entry := range strings.Split(c.APIKeys, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:actor_id[:name]", entry)
		}
		a := Actor{ID: parts[1], Name: parts[1]}
		if len(parts) == 3 && parts[2] != "" {
			a.Name = parts[2]
		}
		out[parts[0]] = a
	}
	return out, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
