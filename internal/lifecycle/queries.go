package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
)

// Stats is a point-in-time summary of the prescription population
type Stats struct {
	Total          int                         `json:"total"`
	ByStatus       map[prescription.Status]int `json:"by_status"`
	ExpiringSoon   int                         `json:"expiring_soon"`
	DispensedToday int                         `json:"dispensed_today"`
	GeneratedAt    time.Time                   `json:"generated_at"`
}

// Ranked is a name with an occurrence count
type Ranked struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Report summarises prescriptions issued within a date range
type Report struct {
	From           time.Time                   `json:"from"`
	To             time.Time                   `json:"to"`
	Total          int                         `json:"total"`
	ByStatus       map[prescription.Status]int `json:"by_status"`
	Signed         int                         `json:"signed"`
	Dispensed      int                         `json:"dispensed"`
	RegistrySynced int                         `json:"registry_synced"`
	TopMedications []Ranked                    `json:"top_medications"`
	TopPrescribers []Ranked                    `json:"top_prescribers"`
}

const reportTopN = 10

// Get returns a prescription by id
func (c *Controller) Get(ctx context.Context, id string) (*prescription.Prescription, error) {
	return c.store.Get(ctx, id)
}

// ListByPatient returns a patient's prescriptions
func (c *Controller) ListByPatient(ctx context.Context, patientID string) ([]*prescription.Prescription, error) {
	return c.store.List(ctx, prescription.Filter{PatientID: patientID})
}

// ListByPrescriber returns a prescriber's prescriptions
func (c *Controller) ListByPrescriber(ctx context.Context, prescriberID string) ([]*prescription.Prescription, error) {
	return c.store.List(ctx, prescription.Filter{PrescriberID: prescriberID})
}

// ListByStatus returns prescriptions currently in the status
func (c *Controller) ListByStatus(ctx context.Context, status prescription.Status) ([]*prescription.Prescription, error) {
	return c.store.List(ctx, prescription.Filter{Statuses: []prescription.Status{status}})
}

// ListExpiring returns VALID prescriptions whose expiry falls within the next
// daysAhead days, soonest first. Already expired ones are excluded.
func (c *Controller) ListExpiring(ctx context.Context, daysAhead int) ([]*prescription.Prescription, error) {
	if daysAhead < 0 {
		return nil, &prescription.InputError{Fields: []string{"days must not be negative"}}
	}
	now := c.now()
	out, err := c.store.List(ctx, prescription.Filter{
		Statuses:     []prescription.Status{prescription.StatusValid},
		ExpiresAfter: now,
		ExpiresUntil: now.Add(time.Duration(daysAhead) * 24 * time.Hour),
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExpiryDate.Before(out[j].ExpiryDate)
	})
	return out, nil
}

// Stats counts prescriptions by status, plus those expiring within the
// configured window and those dispensed on the current UTC day.
func (c *Controller) Stats(ctx context.Context) (*Stats, error) {
	all, err := c.store.List(ctx, prescription.Filter{})
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}

	now := c.now()
	horizon := now.Add(c.config.ExpiringWindow)
	y, m, d := now.UTC().Date()

	s := &Stats{ByStatus: zeroCounts(), GeneratedAt: now}
	for _, p := range all {
		s.Total++
		s.ByStatus[p.Status]++
		if p.Status == prescription.StatusValid && p.ExpiryDate.After(now) && !p.ExpiryDate.After(horizon) {
			s.ExpiringSoon++
		}
		if p.DispensedAt != nil {
			py, pm, pd := p.DispensedAt.UTC().Date()
			if py == y && pm == m && pd == d {
				s.DispensedToday++
			}
		}
	}
	return s, nil
}

// Report aggregates prescriptions whose prescription date lies in [from, to]
func (c *Controller) Report(ctx context.Context, from, to time.Time) (*Report, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, &prescription.InputError{Fields: []string{"report end must not precede start"}}
	}
	rows, err := c.store.List(ctx, prescription.Filter{IssuedFrom: from, IssuedTo: to})
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}

	r := &Report{From: from, To: to, ByStatus: zeroCounts()}
	meds := map[string]*Ranked{}
	prescribers := map[string]*Ranked{}
	for _, p := range rows {
		r.Total++
		r.ByStatus[p.Status]++
		if p.HasSignature() {
			r.Signed++
		}
		if p.Status == prescription.StatusDispensed {
			r.Dispensed++
		}
		if p.SeniatPrescriptionID != "" {
			r.RegistrySynced++
		}
		for _, line := range p.Medications {
			tally(meds, line.ProductID, line.Name, line.Quantity)
		}
		tally(prescribers, p.PrescriberID, p.PrescriberName, 1)
	}
	r.TopMedications = topN(meds, reportTopN)
	r.TopPrescribers = topN(prescribers, reportTopN)
	return r, nil
}

func zeroCounts() map[prescription.Status]int {
	m := make(map[prescription.Status]int, len(prescription.Statuses))
	for _, s := range prescription.Statuses {
		m[s] = 0
	}
	return m
}

func tally(m map[string]*Ranked, id, name string, n int) {
	r, ok := m[id]
	if !ok {
		r = &Ranked{ID: id, Name: name}
		m[id] = r
	}
	r.Count += n
}

func topN(m map[string]*Ranked, n int) []Ranked {
	out := make([]Ranked, 0, len(m))
	for _, r := range m {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
