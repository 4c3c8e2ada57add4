package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
)

func newTestInbox() (*Inbox, *memStore, *time.Time) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)
	in := newInbox(store, DefaultInboxConfig(), nil)
	in.now = clock
	return in, store, &now
}

func TestProcessRunsOnce(t *testing.T) {
	in, _, _ := newTestInbox()
	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"registry_id":"SEN-1"}`), nil
	}

	first, err := in.Process(context.Background(), SyncKey("req-1"), "registry-sync", nil, fn)
	if err != nil {
		t.Fatal(err)
	}
	if !first.IsNew {
		t.Error("first delivery should be new")
	}
	second, err := in.Process(context.Background(), SyncKey("req-1"), "registry-sync", nil, fn)
	if err != nil {
		t.Fatal(err)
	}
	if second.IsNew || string(second.Result) != `{"registry_id":"SEN-1"}` {
		t.Errorf("second = %+v", second)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times", calls)
	}
}

func TestRecoverableErrorIsRetried(t *testing.T) {
	in, store, _ := newTestInbox()
	attempt := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		attempt++
		if attempt == 1 {
			return nil, &prescription.SyncError{ID: "rx-1", Cause: errors.New("registry 503")}
		}
		return json.RawMessage(`{}`), nil
	}

	if _, err := in.Process(context.Background(), "k", "h", nil, fn); !errors.Is(err, prescription.ErrSyncFailure) {
		t.Fatalf("first attempt: %v", err)
	}
	if store.entries["k"].Status != StatusRecoverable {
		t.Fatalf("status = %s", store.entries["k"].Status)
	}
	res, err := in.Process(context.Background(), "k", "h", nil, fn)
	if err != nil {
		t.Fatal(err)
	}
	if !res.WasRecovered {
		t.Error("expected recovered result")
	}
}

func TestTerminalErrorIsNotRetried(t *testing.T) {
	in, _, _ := newTestInbox()
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, &prescription.NotFoundError{Kind: "prescription", ID: "rx-404"}
	}
	if _, err := in.Process(context.Background(), "k", "h", nil, fn); !errors.Is(err, prescription.ErrNotFound) {
		t.Fatalf("got %v", err)
	}
	if _, err := in.Process(context.Background(), "k", "h", nil, fn); !errors.Is(err, ErrPreviouslyFailed) {
		t.Fatalf("got %v", err)
	}
}

func TestStartedEntryInProgressThenAbandoned(t *testing.T) {
	in, store, now := newTestInbox()
	exp := now.Add(time.Hour)
	store.entries["k"] = &Entry{Key: "k", Status: StatusStarted, UpdatedAt: *now, ExpiresAt: &exp}

	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`{}`), nil }
	if _, err := in.Process(context.Background(), "k", "h", nil, fn); !errors.Is(err, ErrMessageInProgress) {
		t.Fatalf("got %v", err)
	}

	*now = now.Add(10 * time.Minute)
	res, err := in.Process(context.Background(), "k", "h", nil, fn)
	if err != nil {
		t.Fatal(err)
	}
	if !res.WasRecovered {
		t.Error("expected abandoned entry to be recovered")
	}
}

func TestInvalidInputReleasesKey(t *testing.T) {
	in, store, _ := newTestInbox()
	attempt := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		attempt++
		if attempt == 1 {
			return nil, &prescription.InputError{Fields: []string{"patient_id is required"}}
		}
		return json.RawMessage(`{"id":"rx-1"}`), nil
	}

	if _, err := in.Process(context.Background(), "create:k", "prescription-create", nil, fn); !errors.Is(err, prescription.ErrInvalidInput) {
		t.Fatalf("first attempt: %v", err)
	}
	if _, ok := store.entries["create:k"]; ok {
		t.Fatal("rejected input should not keep the key")
	}
	res, err := in.Process(context.Background(), "create:k", "prescription-create", nil, fn)
	if err != nil {
		t.Fatalf("corrected attempt: %v", err)
	}
	if !res.IsNew || string(res.Result) != `{"id":"rx-1"}` {
		t.Errorf("result = %+v", res)
	}
}

func TestCleanupDropsExpiredEntries(t *testing.T) {
	in, store, now := newTestInbox()
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`{}`), nil }
	if _, err := in.Process(context.Background(), "k", "h", nil, fn); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.cleanup(context.Background()); n != 0 {
		t.Fatalf("cleaned %d live entries", n)
	}
	*now = now.Add(DefaultInboxConfig().DefaultTTL + time.Second)
	if n, _ := store.cleanup(context.Background()); n != 1 {
		t.Fatalf("cleaned %d, want 1", n)
	}
}

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&prescription.NotFoundError{Kind: "prescription", ID: "x"}, true},
		{&prescription.InputError{Fields: []string{"days must not be negative"}}, true},
		{&prescription.SyncError{ID: "x"}, false},
		{errors.New("connection reset"), false},
	}
	for _, c := range cases {
		if got := IsTerminal(c.err); got != c.want {
			t.Errorf("IsTerminal(%v) = %v", c.err, got)
		}
	}
}
