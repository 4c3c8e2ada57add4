// Package memory provides in-process implementations of the prescription
// store and stock table, used by tests and STORE_DRIVER=memory deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
)

var _ prescription.Store = (*Store)(nil)

// Store is a mutex-guarded map store. Records are cloned on the way in and
// out so callers never share memory with stored state.
type Store struct {
	mu            sync.RWMutex
	prescriptions map[string]*prescription.Prescription
	byNumber      map[string]string
	validations   map[string][]*prescription.ValidationRecord
	signatures    map[string]*prescription.DigitalSignature
	now           func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		prescriptions: make(map[string]*prescription.Prescription),
		byNumber:      make(map[string]string),
		validations:   make(map[string][]*prescription.ValidationRecord),
		signatures:    make(map[string]*prescription.DigitalSignature),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new prescription. Duplicate ids or numbers conflict.
func (s *Store) Create(_ context.Context, p *prescription.Prescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.prescriptions[p.ID]; ok {
		return &prescription.ConflictError{ID: p.ID, Reason: "prescription id already exists"}
	}
	if _, ok := s.byNumber[p.PrescriptionNumber]; ok {
		return &prescription.ConflictError{ID: p.ID, Reason: "prescription number " + p.PrescriptionNumber + " already in use"}
	}

	stored := p.Clone()
	stored.Version = 1
	s.prescriptions[p.ID] = stored
	s.byNumber[p.PrescriptionNumber] = p.ID
	p.Version = 1
	return nil
}

// Get returns a copy of the prescription with the given id
func (s *Store) Get(_ context.Context, id string) (*prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prescriptions[id]
	if !ok {
		return nil, &prescription.NotFoundError{Kind: "prescription", ID: id}
	}
	return p.Clone(), nil
}

// GetByNumber looks a prescription up by its human-facing number
func (s *Store) GetByNumber(ctx context.Context, number string) (*prescription.Prescription, error) {
	s.mu.RLock()
	id, ok := s.byNumber[number]
	s.mu.RUnlock()
	if !ok {
		return nil, &prescription.NotFoundError{Kind: "prescription number", ID: number}
	}
	return s.Get(ctx, id)
}

// List returns matching prescriptions ordered by creation time.
func (s *Store) List(_ context.Context, f prescription.Filter) ([]*prescription.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*prescription.Prescription, 0)
	for _, p := range s.prescriptions {
		if f.Matches(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateIfStatus replaces the stored record iff status and version match.
func (s *Store) UpdateIfStatus(_ context.Context, id string, expected prescription.Status, next *prescription.Prescription) (*prescription.Prescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.prescriptions[id]
	if !ok {
		return nil, &prescription.NotFoundError{Kind: "prescription", ID: id}
	}
	if cur.Status != expected {
		return nil, &prescription.ConflictError{ID: id, Reason: "status is " + string(cur.Status) + ", expected " + string(expected)}
	}
	if cur.Version != next.Version {
		return nil, &prescription.ConflictError{ID: id, Reason: "record modified concurrently"}
	}

	stored := next.Clone()
	stored.ID = cur.ID
	stored.PrescriptionNumber = cur.PrescriptionNumber
	stored.Medications = append([]prescription.MedicationLine(nil), cur.Medications...)
	stored.CreatedAt = cur.CreatedAt
	stored.Version = cur.Version + 1
	stored.UpdatedAt = s.now()
	s.prescriptions[id] = stored
	return stored.Clone(), nil
}

// SetRegistrySync stamps the external registry trace without touching status.
func (s *Store) SetRegistrySync(_ context.Context, id, registryID string, at time.Time) (*prescription.Prescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.prescriptions[id]
	if !ok {
		return nil, &prescription.NotFoundError{Kind: "prescription", ID: id}
	}
	synced := at
	cur.SeniatPrescriptionID = registryID
	cur.SeniatSyncedAt = &synced
	cur.Version++
	cur.UpdatedAt = s.now()
	return cur.Clone(), nil
}

// AppendValidation stores an immutable validation record
func (s *Store) AppendValidation(_ context.Context, r *prescription.ValidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.prescriptions[r.PrescriptionID]; !ok {
		return &prescription.NotFoundError{Kind: "prescription", ID: r.PrescriptionID}
	}
	rec := *r
	s.validations[r.PrescriptionID] = append(s.validations[r.PrescriptionID], &rec)
	return nil
}

// ListValidations returns records for a prescription, newest first
func (s *Store) ListValidations(_ context.Context, prescriptionID string) ([]*prescription.ValidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.validations[prescriptionID]
	out := make([]*prescription.ValidationRecord, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		rec := *recs[i]
		out = append(out, &rec)
	}
	return out, nil
}

// SaveSignature inserts or replaces a signature
func (s *Store) SaveSignature(_ context.Context, sig *prescription.DigitalSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *sig
	c.Payload = append([]byte(nil), sig.Payload...)
	s.signatures[sig.ID] = &c
	return nil
}

// GetSignature returns a copy of the signature with the given id
func (s *Store) GetSignature(_ context.Context, id string) (*prescription.DigitalSignature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.signatures[id]
	if !ok {
		return nil, &prescription.NotFoundError{Kind: "signature", ID: id}
	}
	c := *sig
	c.Payload = append([]byte(nil), sig.Payload...)
	return &c, nil
}
