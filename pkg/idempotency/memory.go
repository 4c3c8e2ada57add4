package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NewMemoryInbox creates an inbox whose entries live in process memory. It
// deduplicates retries within one process only.
func NewMemoryInbox(cfg InboxConfig, logger *zap.Logger) *Inbox {
	return newInbox(newMemStore(time.Now), cfg, logger)
}

type memStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{entries: make(map[string]*Entry), now: now}
}

func (m *memStore) get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) start(_ context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		e.Status = StatusStarted
		e.UpdatedAt = m.now()
		return nil
	}
	now := m.now()
	m.entries[key] = &Entry{
		Key:         key,
		HandlerName: handler,
		Status:      StatusStarted,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   &expiresAt,
	}
	return nil
}

func (m *memStore) mark(_ context.Context, key string, status Status, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return fmt.Errorf("no inbox entry %s", key)
	}
	e.Status = status
	if result != nil {
		e.Result = result
	}
	e.UpdatedAt = m.now()
	return nil
}

func (m *memStore) release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memStore) cleanup(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for k, e := range m.entries {
		if e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
