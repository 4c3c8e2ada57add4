// Package prescription implements the prescription aggregate.
package prescription

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status represents prescription status
type Status string

const (
	StatusValid     Status = "VALID"
	StatusInvalid   Status = "INVALID"
	StatusExpired   Status = "EXPIRED"
	StatusDispensed Status = "DISPENSED"
	StatusCancelled Status = "CANCELLED"
)

// Statuses lists every lifecycle status in display order.
var Statuses = []Status{StatusValid, StatusInvalid, StatusExpired, StatusDispensed, StatusCancelled}

var transitions = map[Status][]Status{
	StatusValid:     {StatusInvalid, StatusExpired, StatusDispensed, StatusCancelled},
	StatusInvalid:   {StatusValid, StatusCancelled},
	StatusExpired:   {StatusCancelled},
	StatusDispensed: nil,
	StatusCancelled: nil,
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// IsTerminal reports whether no transition leaves the status.
func (s Status) IsTerminal() bool {
	return s == StatusDispensed || s == StatusCancelled
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MedicationLine is one prescribed product. Lines are write-once.
type MedicationLine struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	Dose      string  `json:"dose,omitempty"`
	Frequency string  `json:"frequency,omitempty"`
	Duration  string  `json:"duration,omitempty"`
	Strength  float64 `json:"strength,omitempty"`
}

// Prescription is the aggregate root.
type Prescription struct {
	ID                 string `json:"id"`
	PrescriptionNumber string `json:"prescription_number"`
	Version            int    `json:"version"`

	PatientID         string `json:"patient_id"`
	PatientName       string `json:"patient_name"`
	PatientCI         string `json:"patient_ci"`
	PrescriberID      string `json:"prescriber_id"`
	PrescriberName    string `json:"prescriber_name"`
	PrescriberLicense string `json:"prescriber_license"`

	PrescriptionDate time.Time `json:"prescription_date"`
	ExpiryDate       time.Time `json:"expiry_date"`

	Medications []MedicationLine `json:"medications"`
	Status      Status           `json:"status"`

	SignatureID        string     `json:"signature_id,omitempty"`
	SignatureData      string     `json:"signature_data,omitempty"`
	SignatureAlgorithm string     `json:"signature_algorithm,omitempty"`
	SignedAt           *time.Time `json:"signed_at,omitempty"`

	ValidatedAt       *time.Time `json:"validated_at,omitempty"`
	ValidatedBy       string     `json:"validated_by,omitempty"`
	ValidationMessage string     `json:"validation_message,omitempty"`

	DispensedAt          *time.Time `json:"dispensed_at,omitempty"`
	DispensedBy          string     `json:"dispensed_by,omitempty"`
	DispensedWarehouseID string     `json:"dispensed_warehouse_id,omitempty"`

	SeniatPrescriptionID string     `json:"seniat_prescription_id,omitempty"`
	SeniatSyncedAt       *time.Time `json:"seniat_synced_at,omitempty"`

	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasSignature reports whether signature data is present.
func (p *Prescription) HasSignature() bool {
	return strings.TrimSpace(p.SignatureData) != ""
}

// IsExpiredAt reports whether the expiry date lies before now.
func (p *Prescription) IsExpiredAt(now time.Time) bool {
	return p.ExpiryDate.Before(now)
}

// AppendNote adds a line to the notes, keeping prior content.
func (p *Prescription) AppendNote(line string) {
	if p.Notes == "" {
		p.Notes = line
		return
	}
	p.Notes = p.Notes + "\n" + line
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (p *Prescription) Clone() *Prescription {
	c := *p
	c.Medications = append([]MedicationLine(nil), p.Medications...)
	c.SignedAt = cloneTime(p.SignedAt)
	c.ValidatedAt = cloneTime(p.ValidatedAt)
	c.DispensedAt = cloneTime(p.DispensedAt)
	c.SeniatSyncedAt = cloneTime(p.SeniatSyncedAt)
	return &c
}

// SigningPayload is the canonical byte form of the prescription's immutable
// content. Signatures are computed over it.
func (p *Prescription) SigningPayload() ([]byte, error) {
	return json.Marshal(struct {
		ID                 string           `json:"id"`
		PrescriptionNumber string           `json:"prescription_number"`
		PatientID          string           `json:"patient_id"`
		PatientCI          string           `json:"patient_ci"`
		PrescriberID       string           `json:"prescriber_id"`
		PrescriberLicense  string           `json:"prescriber_license"`
		PrescriptionDate   string           `json:"prescription_date"`
		ExpiryDate         string           `json:"expiry_date"`
		Medications        []MedicationLine `json:"medications"`
	}{
		ID:                 p.ID,
		PrescriptionNumber: p.PrescriptionNumber,
		PatientID:          p.PatientID,
		PatientCI:          p.PatientCI,
		PrescriberID:       p.PrescriberID,
		PrescriberLicense:  p.PrescriberLicense,
		PrescriptionDate:   p.PrescriptionDate.UTC().Format(time.RFC3339),
		ExpiryDate:         p.ExpiryDate.UTC().Format(time.RFC3339),
		Medications:        p.Medications,
	})
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateData contains the fields a caller supplies to create a prescription
type CreateData struct {
	PrescriptionNumber string           `json:"prescription_number"`
	PatientID          string           `json:"patient_id"`
	PatientName        string           `json:"patient_name"`
	PatientCI          string           `json:"patient_ci"`
	PrescriberID       string           `json:"prescriber_id"`
	PrescriberName     string           `json:"prescriber_name"`
	PrescriberLicense  string           `json:"prescriber_license"`
	PrescriptionDate   time.Time        `json:"prescription_date"`
	ExpiryDate         time.Time        `json:"expiry_date"`
	Medications        []MedicationLine `json:"medications"`
	SignatureData      string           `json:"signature_data,omitempty"`
	SignatureAlgorithm string           `json:"signature_algorithm,omitempty"`
	Notes              string           `json:"notes,omitempty"`
}

// Validate checks required identity, medication and date fields.
func (d *CreateData) Validate() error {
	var fields []string
	required := map[string]string{
		"patient_id":         d.PatientID,
		"patient_name":       d.PatientName,
		"prescriber_id":      d.PrescriberID,
		"prescriber_name":    d.PrescriberName,
		"prescriber_license": d.PrescriberLicense,
	}
	for _, name := range []string{"patient_id", "patient_name", "prescriber_id", "prescriber_name", "prescriber_license"} {
		if strings.TrimSpace(required[name]) == "" {
			fields = append(fields, name+" is required")
		}
	}
	if d.ExpiryDate.IsZero() {
		fields = append(fields, "expiry_date is required")
	}
	if !d.PrescriptionDate.IsZero() && !d.ExpiryDate.IsZero() && d.ExpiryDate.Before(d.PrescriptionDate) {
		fields = append(fields, "expiry_date must not precede prescription_date")
	}
	if len(d.Medications) == 0 {
		fields = append(fields, "at least one medication is required")
	}
	for i, m := range d.Medications {
		if strings.TrimSpace(m.ProductID) == "" {
			fields = append(fields, fmt.Sprintf("medications[%d].product_id is required", i))
		}
		if strings.TrimSpace(m.Name) == "" {
			fields = append(fields, fmt.Sprintf("medications[%d].name is required", i))
		}
		if m.Quantity <= 0 {
			fields = append(fields, fmt.Sprintf("medications[%d].quantity must be positive", i))
		}
	}
	if d.SignatureData != "" && d.SignatureAlgorithm == "" {
		fields = append(fields, "signature_algorithm is required with signature_data")
	}
	if len(fields) > 0 {
		return &InputError{Fields: fields}
	}
	return nil
}

// ValidationRecord is an immutable fact produced by one validation run.
type ValidationRecord struct {
	ID                   string    `json:"id"`
	PrescriptionID       string    `json:"prescription_id"`
	SignatureValid       bool      `json:"signature_valid"`
	NotExpired           bool      `json:"not_expired"`
	NotDispensed         bool      `json:"not_dispensed"`
	PrescriberAuthorized bool      `json:"prescriber_authorized"`
	PatientExists        bool      `json:"patient_exists"`
	SeniatValid          bool      `json:"seniat_valid"`
	SeniatResponse       string    `json:"seniat_response,omitempty"`
	IsValid              bool      `json:"is_valid"`
	Message              string    `json:"message"`
	ValidatedBy          string    `json:"validated_by"`
	ValidatedByName      string    `json:"validated_by_name,omitempty"`
	ValidatedAt          time.Time `json:"validated_at"`
}

// DigitalSignature is a prescriber's attestation over a prescription payload.
type DigitalSignature struct {
	ID                 string     `json:"id"`
	PrescriptionID     string     `json:"prescription_id"`
	SignerID           string     `json:"signer_id"`
	Algorithm          string     `json:"algorithm"`
	SignatureData      string     `json:"signature_data"`
	Payload            []byte     `json:"payload"`
	SignedAt           time.Time  `json:"signed_at"`
	Verified           bool       `json:"verified"`
	VerifiedAt         *time.Time `json:"verified_at,omitempty"`
	VerificationResult string     `json:"verification_result,omitempty"`
}

// RegistryOpinion is the external registry's view of a prescription's validity.
type RegistryOpinion struct {
	Valid    bool   `json:"valid"`
	Response string `json:"response"`
}
