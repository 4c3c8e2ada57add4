package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
)

func newRecord(id, number string) *prescription.Prescription {
	now := time.Now().UTC()
	return &prescription.Prescription{
		ID:                 id,
		PrescriptionNumber: number,
		PatientID:          "pat-1",
		PrescriberID:       "doc-1",
		Status:             prescription.StatusValid,
		PrescriptionDate:   now,
		ExpiryDate:         now.Add(24 * time.Hour),
		Medications:        []prescription.MedicationLine{{ProductID: "p1", Name: "Losartan", Quantity: 30}},
		CreatedAt:          now,
	}
}

func TestCreateRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	if err := s.Create(ctx, newRecord("a", "RX-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, newRecord("a", "RX-2")); !errors.Is(err, prescription.ErrConflict) {
		t.Errorf("duplicate id: expected conflict, got %v", err)
	}
	if err := s.Create(ctx, newRecord("b", "RX-1")); !errors.Is(err, prescription.ErrConflict) {
		t.Errorf("duplicate number: expected conflict, got %v", err)
	}
	got, err := s.GetByNumber(ctx, "RX-1")
	if err != nil || got.ID != "a" {
		t.Errorf("GetByNumber = %v, %v", got, err)
	}
}

func TestGetMissing(t *testing.T) {
	_, err := NewStore().Get(context.Background(), "nope")
	if !errors.Is(err, prescription.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestUpdateIfStatusCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	if err := s.Create(ctx, newRecord("a", "RX-1")); err != nil {
		t.Fatal(err)
	}

	p, _ := s.Get(ctx, "a")
	p.Status = prescription.StatusInvalid
	if _, err := s.UpdateIfStatus(ctx, "a", prescription.StatusDispensed, p); !errors.Is(err, prescription.ErrConflict) {
		t.Errorf("wrong expected status: got %v", err)
	}

	updated, err := s.UpdateIfStatus(ctx, "a", prescription.StatusValid, p)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != 2 || updated.Status != prescription.StatusInvalid {
		t.Errorf("updated = v%d %s", updated.Version, updated.Status)
	}

	// stale version
	stale := p.Clone()
	stale.Status = prescription.StatusValid
	if _, err := s.UpdateIfStatus(ctx, "a", prescription.StatusInvalid, stale); !errors.Is(err, prescription.ErrConflict) {
		t.Errorf("stale version: expected conflict, got %v", err)
	}
}

func TestUpdateKeepsMedicationsImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.Create(ctx, newRecord("a", "RX-1"))

	p, _ := s.Get(ctx, "a")
	p.Medications = nil
	p.Notes = "x"
	if _, err := s.UpdateIfStatus(ctx, "a", prescription.StatusValid, p); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(ctx, "a")
	if len(got.Medications) != 1 || got.Notes != "x" {
		t.Errorf("medications = %v notes = %q", got.Medications, got.Notes)
	}
}

func TestConcurrentSwapsOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.Create(ctx, newRecord("a", "RX-1"))

	const racers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Get(ctx, "a")
			if err != nil {
				t.Error(err)
				return
			}
			p.Status = prescription.StatusDispensed
			if _, err := s.UpdateIfStatus(ctx, "a", prescription.StatusValid, p); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func TestSetRegistrySyncLeavesStatus(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.Create(ctx, newRecord("a", "RX-1"))

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p, err := s.SetRegistrySync(ctx, "a", "SEN-1", at)
	if err != nil {
		t.Fatal(err)
	}
	if p.SeniatPrescriptionID != "SEN-1" || !p.SeniatSyncedAt.Equal(at) || p.Status != prescription.StatusValid {
		t.Errorf("unexpected record %+v", p)
	}
}

func TestValidationsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.Create(ctx, newRecord("a", "RX-1"))

	for _, id := range []string{"v1", "v2", "v3"} {
		if err := s.AppendValidation(ctx, &prescription.ValidationRecord{ID: id, PrescriptionID: "a"}); err != nil {
			t.Fatal(err)
		}
	}
	recs, _ := s.ListValidations(ctx, "a")
	if len(recs) != 3 || recs[0].ID != "v3" || recs[2].ID != "v1" {
		t.Errorf("unexpected order: %v", recs)
	}
	if err := s.AppendValidation(ctx, &prescription.ValidationRecord{ID: "x", PrescriptionID: "missing"}); !errors.Is(err, prescription.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestStock(t *testing.T) {
	st := NewStock()
	st.Set("wh-1", "p1", 10)
	ok, _ := st.HasStock(context.Background(), "p1", "wh-1", 10)
	if !ok {
		t.Error("expected 10 units available")
	}
	ok, _ = st.HasStock(context.Background(), "p1", "wh-1", 11)
	if ok {
		t.Error("11 units should not be available")
	}
	ok, _ = st.HasStock(context.Background(), "p1", "wh-2", 1)
	if ok {
		t.Error("unknown warehouse has no stock")
	}
}
