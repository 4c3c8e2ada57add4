package app

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/config"
	"github.com/drfirst/go-rxlife/internal/domain/prescription"
)

func memoryConfig() *config.Config {
	return &config.Config{
		StoreDriver:        config.StoreMemory,
		AuditSink:          config.AuditLog,
		RegistryMode:       config.RegistryStatic,
		RegistryTimeout:    time.Second,
		StockTimeout:       time.Second,
		ExpiringWindowDays: 7,
		Workers:            1,
	}
}

func TestOpenInMemory(t *testing.T) {
	rt, err := Open(context.Background(), memoryConfig(), zap.NewNop(), Options{
		ServiceName: "app-test",
		Registerer:  prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	if rt.Pool != nil || rt.Producer != nil {
		t.Fatal("memory config must not open a database or producer")
	}
	if err := rt.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}

	now := time.Now().UTC()
	p, err := rt.Controller.Create(context.Background(), prescription.CreateData{
		PatientID:         "pat-1",
		PatientName:       "Maria Perez",
		PrescriberID:      "dr-1",
		PrescriberName:    "Dr. Rafael Gomez",
		PrescriberLicense: "MPPS-4411",
		PrescriptionDate:  now,
		ExpiryDate:        now.Add(24 * time.Hour),
		Medications:       []prescription.MedicationLine{{ProductID: "amox-500", Name: "Amoxicilina", Quantity: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if id, err := rt.Controller.SyncWithExternalRegistry(context.Background(), p.ID); err != nil || id == "" {
		t.Fatalf("static registry sync: id=%q err=%v", id, err)
	}

	rec := httptest.NewRecorder()
	rt.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "prescriptions_created_total 1") {
		t.Errorf("metrics missing created counter:\n%s", body)
	}
}

func TestOpenWithoutRegistry(t *testing.T) {
	cfg := memoryConfig()
	cfg.RegistryMode = config.RegistryNone
	rt, err := Open(context.Background(), cfg, zap.NewNop(), Options{ServiceName: "app-test", Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	now := time.Now().UTC()
	p, err := rt.Controller.Create(context.Background(), prescription.CreateData{
		PatientID: "pat-1", PatientName: "A", PrescriberID: "dr-1", PrescriberName: "B", PrescriberLicense: "L",
		PrescriptionDate: now, ExpiryDate: now.Add(time.Hour),
		Medications: []prescription.MedicationLine{{ProductID: "x", Name: "X", Quantity: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Controller.SyncWithExternalRegistry(context.Background(), p.ID); err == nil {
		t.Error("expected sync failure without a registry")
	}
}

func TestOpenMissingKeyring(t *testing.T) {
	cfg := memoryConfig()
	cfg.SignerKeysFile = "/nonexistent/signers.yaml"
	if _, err := Open(context.Background(), cfg, zap.NewNop(), Options{ServiceName: "app-test", Registerer: prometheus.NewRegistry()}); err == nil {
		t.Error("expected error for missing keyring file")
	}
}
