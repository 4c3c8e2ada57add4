package prescription

import (
	"context"
	"time"
)

// Filter narrows List queries. Zero-valued fields are ignored.
type Filter struct {
	PatientID    string
	PrescriberID string
	Statuses     []Status
	IssuedFrom   time.Time
	IssuedTo     time.Time
	ExpiresAfter time.Time
	ExpiresUntil time.Time
}

// Matches reports whether p satisfies every set field of f.
func (f Filter) Matches(p *Prescription) bool {
	if f.PatientID != "" && p.PatientID != f.PatientID {
		return false
	}
	if f.PrescriberID != "" && p.PrescriberID != f.PrescriberID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if p.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.IssuedFrom.IsZero() && p.PrescriptionDate.Before(f.IssuedFrom) {
		return false
	}
	if !f.IssuedTo.IsZero() && p.PrescriptionDate.After(f.IssuedTo) {
		return false
	}
	if !f.ExpiresAfter.IsZero() && !p.ExpiryDate.After(f.ExpiresAfter) {
		return false
	}
	if !f.ExpiresUntil.IsZero() && p.ExpiryDate.After(f.ExpiresUntil) {
		return false
	}
	return true
}

// Store is durable keyed storage for prescriptions, validation records and
// signatures. It owns no lifecycle logic.
//
// UpdateIfStatus is the only way to change a stored prescription: it replaces
// the record iff the stored status equals expected and the stored version
// equals next.Version, then increments the version. A mismatch returns an
// error matching ErrConflict.
type Store interface {
	Create(ctx context.Context, p *Prescription) error
	Get(ctx context.Context, id string) (*Prescription, error)
	GetByNumber(ctx context.Context, number string) (*Prescription, error)
	List(ctx context.Context, f Filter) ([]*Prescription, error)
	UpdateIfStatus(ctx context.Context, id string, expected Status, next *Prescription) (*Prescription, error)
	SetRegistrySync(ctx context.Context, id, registryID string, at time.Time) (*Prescription, error)

	AppendValidation(ctx context.Context, r *ValidationRecord) error
	ListValidations(ctx context.Context, prescriptionID string) ([]*ValidationRecord, error)

	SaveSignature(ctx context.Context, s *DigitalSignature) error
	GetSignature(ctx context.Context, id string) (*DigitalSignature, error)
}
