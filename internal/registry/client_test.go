package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
	"github.com/drfirst/go-rxlife/pkg/circuitbreaker"
)

func samplePrescription() *prescription.Prescription {
	now := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	return &prescription.Prescription{
		ID:                 "rx-1",
		PrescriptionNumber: "RX-20260402-ABCDEF12",
		PatientCI:          "V-12345678",
		PatientName:        "Maria Perez",
		PrescriberLicense:  "MPPS-4411",
		PrescriberName:     "Dr. Rafael Gomez",
		PrescriptionDate:   now,
		ExpiryDate:         now.Add(30 * 24 * time.Hour),
		Medications:        []prescription.MedicationLine{{ProductID: "amox-500", Name: "Amoxicilina", Quantity: 21}},
	}
}

func TestSubmit(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody prescriptionPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.Method + " " + r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"registry_id":"SEN-778"}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "secret"}, srv.Client(), nil)
	if err != nil {
		t.Fatal(err)
	}
	id, err := c.Submit(context.Background(), samplePrescription())
	if err != nil {
		t.Fatal(err)
	}
	if id != "SEN-778" {
		t.Errorf("id = %q", id)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotPath != "PUT /prescriptions/RX-20260402-ABCDEF12" {
		t.Errorf("request = %q", gotPath)
	}
	if gotBody.PatientCI != "V-12345678" || len(gotBody.Medications) != 1 || gotBody.IssuedAt != "2026-04-02T08:00:00Z" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestCheckRejectionIsAnOpinion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte("unknown prescriber license"))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL}, srv.Client(), nil)
	if err != nil {
		t.Fatal(err)
	}
	op, err := c.Check(context.Background(), samplePrescription())
	if err != nil {
		t.Fatal(err)
	}
	if op.Valid || op.Response != "unknown prescriber license" {
		t.Errorf("opinion = %+v", op)
	}
}

func TestServerErrorsOpenBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	bcfg := circuitbreaker.DefaultConfig("registry-test")
	bcfg.FailureThreshold = 2
	bcfg.Timeout = time.Hour
	c, err := NewClient(Config{BaseURL: srv.URL, Breaker: bcfg}, srv.Client(), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := c.Submit(ctx, samplePrescription())
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if _, err := c.Submit(ctx, samplePrescription()); !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("server calls = %d, want 2", calls.Load())
	}
	if c.State() != circuitbreaker.StateOpen {
		t.Errorf("state = %s", c.State())
	}
}

func TestMissingRegistryID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL}, srv.Client(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Submit(context.Background(), samplePrescription()); err == nil {
		t.Error("expected error for empty registry id")
	}
}

func TestStaticIsDeterministic(t *testing.T) {
	s := Static{Reject: map[string]bool{"MPPS-0000": true}}
	ctx := context.Background()
	p := samplePrescription()

	a, _ := s.Submit(ctx, p)
	b, _ := s.Submit(ctx, p)
	if a != b || a == "" {
		t.Errorf("ids %q %q", a, b)
	}

	op, _ := s.Check(ctx, p)
	if !op.Valid {
		t.Error("expected valid opinion")
	}
	p.PrescriberLicense = "MPPS-0000"
	op, _ = s.Check(ctx, p)
	if op.Valid {
		t.Error("expected rejected license")
	}
}
