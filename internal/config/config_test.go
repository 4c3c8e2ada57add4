package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("AUDIT_SINK", "log")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.RegistryTimeout != 5*time.Second || cfg.StockTimeout != 2*time.Second {
		t.Errorf("timeouts = %s / %s", cfg.RegistryTimeout, cfg.StockTimeout)
	}
	if cfg.ExpiringWindow() != 7*24*time.Hour {
		t.Errorf("expiring window = %s", cfg.ExpiringWindow())
	}
	if cfg.SweepInterval != 15*time.Minute {
		t.Errorf("sweep interval = %s", cfg.SweepInterval)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
}

func TestLoad_RequiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://rx:rx@localhost:5432/rx")
	t.Setenv("KAFKA_BROKERS", "rp-0:9092, rp-1:9092")
	t.Setenv("REGISTRY_TIMEOUT", "750ms")
	t.Setenv("WORKERS", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "rp-1:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.RegistryTimeout != 750*time.Millisecond {
		t.Errorf("registry timeout = %s", cfg.RegistryTimeout)
	}
	if cfg.Workers != 8 {
		t.Errorf("workers = %d", cfg.Workers)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{StoreDriver: StoreMemory, AuditSink: AuditLog, RegistryMode: RegistryStatic, Workers: 1}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"ok", func(*Config) {}, false},
		{"unknown driver", func(c *Config) { c.StoreDriver = "sqlite" }, true},
		{"outbox needs postgres", func(c *Config) { c.AuditSink = AuditOutbox }, true},
		{"kafka needs brokers", func(c *Config) { c.AuditSink = AuditKafka }, true},
		{"http registry needs url", func(c *Config) { c.RegistryMode = RegistryHTTP }, true},
		{"zero workers", func(c *Config) { c.Workers = 0 }, true},
		{"bad api key", func(c *Config) { c.APIKeys = "justakey" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestActors(t *testing.T) {
	c := &Config{APIKeys: "k1:pharm-7:Farmacia Central, k2:val-1"}
	actors, err := c.Actors()
	if err != nil {
		t.Fatal(err)
	}
	if actors["k1"] != (Actor{ID: "pharm-7", Name: "Farmacia Central"}) {
		t.Errorf("k1 = %+v", actors["k1"])
	}
	if actors["k2"] != (Actor{ID: "val-1", Name: "val-1"}) {
		t.Errorf("k2 = %+v", actors["k2"])
	}
}
