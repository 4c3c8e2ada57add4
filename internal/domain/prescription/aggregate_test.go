package prescription

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusValid, StatusInvalid, true},
		{StatusValid, StatusExpired, true},
		{StatusValid, StatusDispensed, true},
		{StatusValid, StatusCancelled, true},
		{StatusInvalid, StatusValid, true},
		{StatusInvalid, StatusCancelled, true},
		{StatusInvalid, StatusDispensed, false},
		{StatusInvalid, StatusExpired, false},
		{StatusExpired, StatusCancelled, true},
		{StatusExpired, StatusValid, false},
		{StatusDispensed, StatusCancelled, false},
		{StatusDispensed, StatusValid, false},
		{StatusCancelled, StatusValid, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if !StatusDispensed.IsTerminal() || !StatusCancelled.IsTerminal() || StatusExpired.IsTerminal() {
		t.Error("terminal statuses are DISPENSED and CANCELLED only")
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" dispensed ")
	if err != nil || s != StatusDispensed {
		t.Fatalf("ParseStatus = %q, %v", s, err)
	}
	if _, err := ParseStatus("pending"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func validCreateData() CreateData {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return CreateData{
		PatientID:         "pat-1",
		PatientName:       "Maria Perez",
		PatientCI:         "V-12345678",
		PrescriberID:      "doc-1",
		PrescriberName:    "Dr. Rojas",
		PrescriberLicense: "MPPS-4455",
		PrescriptionDate:  now,
		ExpiryDate:        now.Add(30 * 24 * time.Hour),
		Medications: []MedicationLine{
			{ProductID: "amox-500", Name: "Amoxicilina 500mg", Quantity: 21},
		},
	}
}

func TestCreateDataValidate(t *testing.T) {
	d := validCreateData()
	if err := d.Validate(); err != nil {
		t.Fatalf("valid data rejected: %v", err)
	}

	cases := map[string]func(*CreateData){
		"patient_id":       func(d *CreateData) { d.PatientID = " " },
		"prescriber_id":    func(d *CreateData) { d.PrescriberID = "" },
		"expiry_date":      func(d *CreateData) { d.ExpiryDate = time.Time{} },
		"must not precede": func(d *CreateData) { d.ExpiryDate = d.PrescriptionDate.Add(-time.Hour) },
		"medication":       func(d *CreateData) { d.Medications = nil },
		"quantity":         func(d *CreateData) { d.Medications[0].Quantity = 0 },
		"signature_data":   func(d *CreateData) { d.SignatureData = "c2ln" },
	}
	for want, mutate := range cases {
		d := validCreateData()
		mutate(&d)
		err := d.Validate()
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%s: expected ErrInvalidInput, got %v", want, err)
			continue
		}
		if !strings.Contains(err.Error(), want) {
			t.Errorf("%s: message %q does not mention field", want, err)
		}
	}
}

func TestAppendNoteKeepsPriorContent(t *testing.T) {
	p := &Prescription{}
	p.AppendNote("first")
	p.AppendNote("second")
	if p.Notes != "first\nsecond" {
		t.Errorf("notes = %q", p.Notes)
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	now := time.Now()
	p := &Prescription{Medications: []MedicationLine{{ProductID: "a"}}, DispensedAt: &now}
	c := p.Clone()
	c.Medications[0].ProductID = "b"
	*c.DispensedAt = now.Add(time.Hour)
	if p.Medications[0].ProductID != "a" || !p.DispensedAt.Equal(now) {
		t.Error("clone shares memory with original")
	}
}

func TestFilterMatches(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	p := &Prescription{
		PatientID:        "pat-1",
		PrescriberID:     "doc-1",
		Status:           StatusValid,
		PrescriptionDate: now,
		ExpiryDate:       now.Add(5 * 24 * time.Hour),
	}
	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"patient", Filter{PatientID: "pat-1"}, true},
		{"other patient", Filter{PatientID: "pat-2"}, false},
		{"status set", Filter{Statuses: []Status{StatusInvalid, StatusValid}}, true},
		{"status miss", Filter{Statuses: []Status{StatusDispensed}}, false},
		{"expiring window", Filter{ExpiresAfter: now, ExpiresUntil: now.Add(7 * 24 * time.Hour)}, true},
		{"outside window", Filter{ExpiresAfter: now, ExpiresUntil: now.Add(3 * 24 * time.Hour)}, false},
		{"issued range", Filter{IssuedFrom: now.Add(-time.Hour), IssuedTo: now.Add(time.Hour)}, true},
		{"issued before", Filter{IssuedFrom: now.Add(time.Hour)}, false},
	}
	for _, tt := range tests {
		if got := tt.f.Matches(p); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	wrapped := fmt.Errorf("dispense: %w", &StateError{Op: "dispense", Status: StatusInvalid})
	if !errors.Is(wrapped, ErrInvalidState) {
		t.Error("StateError should match ErrInvalidState")
	}
	if !strings.Contains(wrapped.Error(), "INVALID") {
		t.Errorf("state error should name status: %v", wrapped)
	}
	var se *StockError
	if !errors.As(fmt.Errorf("x: %w", &StockError{ProductID: "p1", Name: "Ibuprofeno"}), &se) || se.ProductID != "p1" {
		t.Error("StockError should be recoverable with errors.As")
	}
	if !errors.Is(&SyncError{ID: "x", Cause: errors.New("down")}, ErrSyncFailure) {
		t.Error("SyncError should match ErrSyncFailure")
	}
	if !errors.Is(&ExpiredError{ID: "x"}, ErrExpired) || !errors.Is(&ConflictError{}, ErrConflict) || !errors.Is(&NotFoundError{}, ErrNotFound) {
		t.Error("detail errors should match their sentinels")
	}
}

func TestSigningPayloadStable(t *testing.T) {
	d := validCreateData()
	p := &Prescription{ID: "id-1", PatientID: d.PatientID, PrescriptionDate: d.PrescriptionDate, ExpiryDate: d.ExpiryDate, Medications: d.Medications}
	a, err := p.SigningPayload()
	if err != nil {
		t.Fatal(err)
	}
	p.Notes = "changed notes"
	p.Status = StatusInvalid
	b, _ := p.SigningPayload()
	if string(a) != string(b) {
		t.Error("payload must only cover immutable content")
	}
}
