package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
	"github.com/drfirst/go-rxlife/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxlife/pkg/idempotency"
	"github.com/drfirst/go-rxlife/pkg/workerpool"
)

type fakeLifecycle struct {
	mu       sync.Mutex
	synced   []string
	failures int32
	err      error
	swept    atomic.Int32
}

func (f *fakeLifecycle) SyncWithExternalRegistry(ctx context.Context, id string) (string, error) {
	if f.failures > 0 {
		f.failures--
		return "", &prescription.SyncError{ID: id, Cause: errors.New("registry unavailable")}
	}
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, id)
	return "REG-" + id, nil
}

func (f *fakeLifecycle) RefreshExpired(ctx context.Context) (int, error) {
	f.swept.Add(1)
	return 2, nil
}

// memDeduper remembers finished keys
type memDeduper struct {
	mu   sync.Mutex
	done map[string]json.RawMessage
}

func (d *memDeduper) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	d.mu.Lock()
	if r, ok := d.done[key]; ok {
		d.mu.Unlock()
		return &idempotency.ProcessResult{Result: r}, nil
	}
	d.mu.Unlock()
	r, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.done[key] = r
	d.mu.Unlock()
	return &idempotency.ProcessResult{IsNew: true, Result: r}, nil
}

func newWorker(t *testing.T, lc Lifecycle, d Deduper) *Worker {
	t.Helper()
	cfg := workerpool.DefaultConfig()
	cfg.Workers = 2
	cfg.RetryDelay = time.Millisecond
	w, err := New(lc, d, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	t.Cleanup(func() { w.Stop() })
	return w
}

func syncMessage(t *testing.T, requestID, prescriptionID string) *redpanda.ConsumedMessage {
	t.Helper()
	body, err := json.Marshal(redpanda.SyncRequest{RequestID: requestID, PrescriptionID: prescriptionID})
	if err != nil {
		t.Fatal(err)
	}
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicRegistrySyncRequests, Key: []byte(prescriptionID), Value: body}
}

func TestHandleSyncRequestDeduplicates(t *testing.T) {
	lc := &fakeLifecycle{}
	w := newWorker(t, lc, &memDeduper{done: map[string]json.RawMessage{}})

	msg := syncMessage(t, "req-1", "rx-1")
	for i := 0; i < 3; i++ {
		if err := w.HandleSyncRequest(context.Background(), msg); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if len(lc.synced) != 1 {
		t.Errorf("synced %d times, want 1", len(lc.synced))
	}
}

func TestHandleSyncRequestRetriesTransientFailures(t *testing.T) {
	lc := &fakeLifecycle{failures: 2}
	w := newWorker(t, lc, nil)

	if err := w.HandleSyncRequest(context.Background(), syncMessage(t, "req-2", "rx-2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lc.synced) != 1 || lc.synced[0] != "rx-2" {
		t.Errorf("synced = %v", lc.synced)
	}
}

func TestHandleSyncRequestTerminalErrorIsAcknowledged(t *testing.T) {
	lc := &fakeLifecycle{err: &prescription.NotFoundError{Kind: "prescription", ID: "rx-missing"}}
	w := newWorker(t, lc, nil)

	if err := w.HandleSyncRequest(context.Background(), syncMessage(t, "req-3", "rx-missing")); err != nil {
		t.Errorf("terminal error should not be redelivered, got %v", err)
	}
	if s := w.Stats(); s.TasksRetried != 0 {
		t.Errorf("terminal error retried %d times", s.TasksRetried)
	}
}

func TestHandleSyncRequestDropsMalformed(t *testing.T) {
	w := newWorker(t, &fakeLifecycle{}, nil)
	msg := &redpanda.ConsumedMessage{Value: []byte("{not json")}
	if err := w.HandleSyncRequest(context.Background(), msg); err != nil {
		t.Errorf("malformed message should be dropped, got %v", err)
	}
}

func TestSweep(t *testing.T) {
	lc := &fakeLifecycle{}
	w := newWorker(t, lc, nil)

	n, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expired = %d, want 2", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	w.RunSweeps(ctx, 10*time.Millisecond)
	if lc.swept.Load() < 3 {
		t.Errorf("sweeps = %d, want at least 3", lc.swept.Load())
	}
}
