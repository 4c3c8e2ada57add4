package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
)

type failingDirectory struct{}

func (failingDirectory) IsPrescriberAuthorized(context.Context, string) (bool, error) {
	return true, errors.New("directory offline")
}

func (failingDirectory) Exists(context.Context, string) (bool, error) {
	return true, errors.New("directory offline")
}

type missingPatients struct{}

func (missingPatients) Exists(context.Context, string) (bool, error) { return false, nil }

func sampleRecord(now time.Time) *prescription.Prescription {
	return &prescription.Prescription{
		ID:            "rx-1",
		PatientID:     "pat-1",
		PrescriberID:  "doc-1",
		Status:        prescription.StatusValid,
		ExpiryDate:    now.Add(time.Hour),
		SignatureData: "sig",
	}
}

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		mutate    func(*prescription.Prescription)
		authz     AuthorizationService
		patients  PatientDirectory
		wantValid bool
		wantMsg   string
	}{
		{
			name:      "all checks pass",
			mutate:    func(*prescription.Prescription) {},
			wantValid: true,
			wantMsg:   "prescription is valid",
		},
		{
			name:    "expired",
			mutate:  func(p *prescription.Prescription) { p.ExpiryDate = now.Add(-time.Second) },
			wantMsg: "prescription expired",
		},
		{
			name:      "expiry equal to now is not expired",
			mutate:    func(p *prescription.Prescription) { p.ExpiryDate = now },
			wantValid: true,
		},
		{
			name:    "dispensed",
			mutate:  func(p *prescription.Prescription) { p.Status = prescription.StatusDispensed },
			wantMsg: "prescription already dispensed",
		},
		{
			name:    "unsigned",
			mutate:  func(p *prescription.Prescription) { p.SignatureData = "  " },
			wantMsg: "digital signature missing",
		},
		{
			name:    "directory error counts as unauthorized",
			mutate:  func(*prescription.Prescription) {},
			authz:   failingDirectory{},
			wantMsg: "prescriber not authorized",
		},
		{
			name:      "unknown patient only warns",
			mutate:    func(*prescription.Prescription) {},
			patients:  missingPatients{},
			wantValid: true,
			wantMsg:   "(warning: patient not found in directory)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := sampleRecord(now)
			tt.mutate(p)
			v := NewValidator(tt.authz, tt.patients, nil, 0, nil)

			rec := v.Evaluate(context.Background(), p, now, "pharm-1", "Ana")
			if rec.IsValid != tt.wantValid {
				t.Errorf("IsValid = %v, want %v (%+v)", rec.IsValid, tt.wantValid, rec)
			}
			if tt.wantMsg != "" && !strings.Contains(rec.Message, tt.wantMsg) {
				t.Errorf("message %q does not contain %q", rec.Message, tt.wantMsg)
			}
			if rec.SeniatValid || rec.SeniatResponse != "registry not configured" {
				t.Errorf("registry fields = %v, %q", rec.SeniatValid, rec.SeniatResponse)
			}
		})
	}
}

func TestEvaluateRunsEveryCheck(t *testing.T) {
	now := time.Now().UTC()
	p := sampleRecord(now)
	p.ExpiryDate = now.Add(-time.Hour)
	p.SignatureData = ""
	p.Status = prescription.StatusDispensed

	rec := NewValidator(fakeAuthz{}, nil, nil, 0, nil).Evaluate(context.Background(), p, now, "pharm-1", "")
	for _, want := range []string{"expired", "already dispensed", "signature missing", "not authorized"} {
		if !strings.Contains(rec.Message, want) {
			t.Errorf("message %q missing %q", rec.Message, want)
		}
	}
}

func TestEvaluateRegistryError(t *testing.T) {
	now := time.Now().UTC()
	reg := &fakeRegistry{checkErr: errors.New("timeout")}

	rec := NewValidator(nil, nil, reg, time.Second, nil).Evaluate(context.Background(), sampleRecord(now), now, "pharm-1", "")
	if !rec.IsValid {
		t.Error("registry failure must not affect is_valid")
	}
	if rec.SeniatValid || rec.SeniatResponse != "registry unavailable: timeout" {
		t.Errorf("registry fields = %v, %q", rec.SeniatValid, rec.SeniatResponse)
	}
}
