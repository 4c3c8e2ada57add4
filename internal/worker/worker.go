// Package worker runs background lifecycle jobs: registry sync requests
// consumed from Kafka and the periodic expiry sweep.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxlife/pkg/idempotency"
	"github.com/drfirst/go-rxlife/pkg/workerpool"
)

// Task kinds
const (
	KindRegistrySync = "registry-sync"
	KindExpirySweep  = "expiry-sweep"
)

// Lifecycle is the part of the controller the worker drives
type Lifecycle interface {
	SyncWithExternalRegistry(ctx context.Context, id string) (string, error)
	RefreshExpired(ctx context.Context) (int, error)
}

// Deduper runs a handler at most once per key
type Deduper interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

type syncOutcome struct {
	PrescriptionID string `json:"prescription_id"`
	ExternalID     string `json:"external_id"`
}

// Worker owns the pool that executes lifecycle jobs
type Worker struct {
	lifecycle Lifecycle
	deduper   Deduper
	pool      *workerpool.Pool
	logger    *zap.Logger
}

// New creates a worker. deduper may be nil, in which case redelivered sync
// requests are submitted again.
func New(lc Lifecycle, deduper Deduper, cfg workerpool.Config, logger *zap.Logger) (*Worker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{lifecycle: lc, deduper: deduper, logger: logger}
	if cfg.Retryable == nil {
		cfg.Retryable = func(err error) bool { return !idempotency.IsTerminal(err) }
	}
	pool, err := workerpool.New(cfg, w.run, logger.Named("pool"))
	if err != nil {
		return nil, err
	}
	w.pool = pool
	return w, nil
}

// Start launches the pool workers
func (w *Worker) Start() { w.pool.Start() }

// Stop drains the pool
func (w *Worker) Stop() error { return w.pool.Stop() }

// Stats exposes pool counters
func (w *Worker) Stats() workerpool.Stats { return w.pool.Stats() }

func (w *Worker) run(ctx context.Context, task *workerpool.Task) (interface{}, error) {
	switch task.Kind {
	case KindRegistrySync:
		id, ok := task.Payload.(string)
		if !ok || id == "" {
			return nil, fmt.Errorf("registry sync task %s: missing prescription id", task.ID)
		}
		return w.lifecycle.SyncWithExternalRegistry(ctx, id)
	case KindExpirySweep:
		return w.lifecycle.RefreshExpired(ctx)
	default:
		return nil, fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

// HandleSyncRequest is the consumer handler for the registry sync topic.
// Malformed messages are logged and dropped; terminal lifecycle errors are
// recorded and not retried.
func (w *Worker) HandleSyncRequest(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var req redpanda.SyncRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil || req.PrescriptionID == "" {
		w.logger.Error("dropping malformed sync request",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	if req.RequestID == "" {
		req.RequestID = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	}

	if w.deduper == nil {
		_, err := w.sync(ctx, &req)
		return w.settle(&req, err)
	}

	res, err := w.deduper.Process(ctx, idempotency.SyncKey(req.RequestID), KindRegistrySync, msg.Value,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return w.sync(ctx, &req)
		})
	if err == nil && !res.IsNew {
		w.logger.Debug("sync request already handled", zap.String("request_id", req.RequestID))
	}
	return w.settle(&req, err)
}

func (w *Worker) sync(ctx context.Context, req *redpanda.SyncRequest) (json.RawMessage, error) {
	res, err := w.pool.SubmitWait(ctx, &workerpool.Task{
		ID:      req.RequestID,
		Kind:    KindRegistrySync,
		Payload: req.PrescriptionID,
		Context: ctx,
	})
	if err != nil {
		return nil, err
	}
	if res.Error != nil {
		return nil, res.Error
	}
	externalID, _ := res.Data.(string)
	w.logger.Info("prescription synced",
		zap.String("request_id", req.RequestID),
		zap.String("prescription_id", req.PrescriptionID),
		zap.String("external_id", externalID),
		zap.Int("attempts", res.Attempts))
	return json.Marshal(syncOutcome{PrescriptionID: req.PrescriptionID, ExternalID: externalID})
}

// settle decides whether the consumer should redeliver
func (w *Worker) settle(req *redpanda.SyncRequest, err error) error {
	switch {
	case err == nil:
		return nil
	case idempotency.IsTerminal(err), errors.Is(err, idempotency.ErrPreviouslyFailed):
		w.logger.Warn("sync request rejected",
			zap.String("request_id", req.RequestID),
			zap.String("prescription_id", req.PrescriptionID),
			zap.Error(err))
		return nil
	default:
		return err
	}
}

// Sweep runs one expiry sweep through the pool
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	res, err := w.pool.SubmitWait(ctx, &workerpool.Task{
		ID:      fmt.Sprintf("sweep-%d", time.Now().UnixNano()),
		Kind:    KindExpirySweep,
		Context: ctx,
	})
	if err != nil {
		return 0, err
	}
	if res.Error != nil {
		return 0, res.Error
	}
	n, _ := res.Data.(int)
	return n, nil
}

// RunSweeps sweeps once immediately and then every interval until ctx is done
func (w *Worker) RunSweeps(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := w.Sweep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.Error("expiry sweep failed", zap.Error(err))
		case n > 0:
			w.logger.Info("expiry sweep", zap.Int("expired", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
