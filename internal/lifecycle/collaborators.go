package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
)

// SignatureVerifier checks a digital signature cryptographically
type SignatureVerifier interface {
	Verify(ctx context.Context, sig *prescription.DigitalSignature) (bool, error)
}

// StockChecker answers whether qty units of a product are available at a warehouse.
// Reserving or decrementing stock is not its caller's concern.
type StockChecker interface {
	HasStock(ctx context.Context, productID, warehouseID string, qty int) (bool, error)
}

// RegistryClient talks to the national prescription registry (SENIAT).
// Submit must be an idempotent upsert.
type RegistryClient interface {
	Submit(ctx context.Context, p *prescription.Prescription) (string, error)
	Check(ctx context.Context, p *prescription.Prescription) (prescription.RegistryOpinion, error)
}

// AuthorizationService decides whether a prescriber may prescribe
type AuthorizationService interface {
	IsPrescriberAuthorized(ctx context.Context, prescriberID string) (bool, error)
}

// PatientDirectory answers whether a patient is known
type PatientDirectory interface {
	Exists(ctx context.Context, patientID string) (bool, error)
}

// AuditSink receives lifecycle events. Record must not block the caller on
// delivery failures.
type AuditSink interface {
	Record(ctx context.Context, event *prescription.Event)
}

// AllowAll is the default AuthorizationService and PatientDirectory
type AllowAll struct{}

func (AllowAll) IsPrescriberAuthorized(context.Context, string) (bool, error) { return true, nil }

func (AllowAll) Exists(context.Context, string) (bool, error) { return true, nil }

// LogSink writes audit events to a zap logger
type LogSink struct {
	Logger *zap.Logger
}

// Record logs the event at info level
func (s LogSink) Record(_ context.Context, e *prescription.Event) {
	if s.Logger == nil {
		return
	}
	s.Logger.Info("audit event",
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.EventType)),
		zap.String("aggregate_id", e.AggregateID),
		zap.String("actor_id", e.ActorID),
		zap.ByteString("data", e.EventData),
	)
}

type nopSink struct{}

func (nopSink) Record(context.Context, *prescription.Event) {}
