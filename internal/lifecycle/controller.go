// Package lifecycle orchestrates the prescription state machine: creation,
// validation, dispensing, cancellation, expiry and registry synchronization.
//
// The Controller is the only component that changes a prescription's status.
// Every change goes through the store's compare-and-swap so that concurrent
// callers (several pharmacists on the same prescription) cannot double-dispense
// or overwrite a terminal status.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
	"github.com/drfirst/go-rxlife/internal/observability/metrics"
)

// Config holds controller timeouts and windows
type Config struct {
	// RegistryTimeout bounds each external registry call
	RegistryTimeout time.Duration
	// StockTimeout bounds each stock availability call
	StockTimeout time.Duration
	// ExpiringWindow is the look-ahead used by Stats
	ExpiringWindow time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RegistryTimeout: 5 * time.Second,
		StockTimeout:    2 * time.Second,
		ExpiringWindow:  7 * 24 * time.Hour,
	}
}

// Dependencies are the collaborators injected into the controller. Only
// Store is required.
type Dependencies struct {
	Store    prescription.Store
	Verifier SignatureVerifier
	Stock    StockChecker
	Registry RegistryClient
	Authz    AuthorizationService
	Patients PatientDirectory
	Audit    AuditSink
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// Controller owns prescription status transitions
type Controller struct {
	store     prescription.Store
	verifier  SignatureVerifier
	registry  RegistryClient
	audit     AuditSink
	metrics   *metrics.Metrics
	validator *Validator
	dispenser *Dispenser
	config    Config
	now       func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewController creates a lifecycle controller
func NewController(deps Dependencies, cfg Config, logger *zap.Logger) (*Controller, error) {
	if deps.Store == nil {
		return nil, errors.New("prescription store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ExpiringWindow <= 0 {
		cfg.ExpiringWindow = DefaultConfig().ExpiringWindow
	}
	audit := deps.Audit
	if audit == nil {
		audit = nopSink{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &Controller{
		store:     deps.Store,
		verifier:  deps.Verifier,
		registry:  deps.Registry,
		audit:     audit,
		metrics:   deps.Metrics,
		validator: NewValidator(deps.Authz, deps.Patients, deps.Registry, cfg.RegistryTimeout, logger),
		dispenser: NewDispenser(deps.Stock, cfg.StockTimeout, logger),
		config:    cfg,
		now:       clock,
		logger:    logger,
		tracer:    otel.Tracer("lifecycle"),
	}, nil
}

// ValidationResult is the outcome of Validate
type ValidationResult struct {
	IsValid      bool                           `json:"is_valid"`
	Record       *prescription.ValidationRecord `json:"record"`
	Prescription *prescription.Prescription     `json:"prescription"`
}

// Create builds a new prescription in status VALID. A supplied signature is
// stored but not checked until the next Validate or VerifySignature.
func (c *Controller) Create(ctx context.Context, data prescription.CreateData) (p *prescription.Prescription, err error) {
	ctx, span, start := c.begin(ctx, "create", "")
	defer func() { c.end(span, "create", start, err) }()

	if err := data.Validate(); err != nil {
		return nil, err
	}

	now := c.now()
	p = &prescription.Prescription{
		ID:                 uuid.New().String(),
		PrescriptionNumber: strings.TrimSpace(data.PrescriptionNumber),
		PatientID:          data.PatientID,
		PatientName:        data.PatientName,
		PatientCI:          data.PatientCI,
		PrescriberID:       data.PrescriberID,
		PrescriberName:     data.PrescriberName,
		PrescriberLicense:  data.PrescriberLicense,
		PrescriptionDate:   data.PrescriptionDate.UTC(),
		ExpiryDate:         data.ExpiryDate.UTC(),
		Medications:        append([]prescription.MedicationLine(nil), data.Medications...),
		Status:             prescription.StatusValid,
		Notes:              data.Notes,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if p.PrescriptionDate.IsZero() {
		p.PrescriptionDate = now
	}
	if p.PrescriptionNumber == "" {
		p.PrescriptionNumber = GenerateNumber(now)
	}

	var sig *prescription.DigitalSignature
	if data.SignatureData != "" {
		sig, err = c.newSignature(p, p.PrescriberID, data.SignatureData, data.SignatureAlgorithm, now)
		if err != nil {
			return nil, err
		}
		p.SignatureID = sig.ID
		p.SignatureData = sig.SignatureData
		p.SignatureAlgorithm = sig.Algorithm
		p.SignedAt = &now
	}

	if err := c.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create prescription: %w", err)
	}
	if sig != nil {
		if err := c.store.SaveSignature(ctx, sig); err != nil {
			return nil, fmt.Errorf("save signature: %w", err)
		}
	}

	c.metrics.Created()
	c.emit(ctx, prescription.EventPrescriptionCreated, data.PrescriberID, p, &prescription.StatusChangedData{
		PrescriptionID: p.ID,
		To:             p.Status,
		At:             now,
	})
	c.logger.Info("prescription created",
		zap.String("id", p.ID),
		zap.String("number", p.PrescriptionNumber),
		zap.Int("medications", len(p.Medications)),
		zap.Bool("signed", p.HasSignature()))

	return p, nil
}

// IsNumberAvailable reports whether no prescription uses the number
func (c *Controller) IsNumberAvailable(ctx context.Context, number string) (bool, error) {
	_, err := c.store.GetByNumber(ctx, number)
	if errors.Is(err, prescription.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// Sign attaches a signature to an unsigned VALID or INVALID prescription
func (c *Controller) Sign(ctx context.Context, id, signerID, signatureData, algorithm string) (p *prescription.Prescription, err error) {
	ctx, span, start := c.begin(ctx, "sign", id)
	defer func() { c.end(span, "sign", start, err) }()

	cur, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != prescription.StatusValid && cur.Status != prescription.StatusInvalid {
		return nil, &prescription.StateError{Op: "sign", Status: cur.Status}
	}
	if cur.HasSignature() {
		return nil, &prescription.ConflictError{ID: id, Reason: "prescription is already signed"}
	}
	if signerID == "" {
		signerID = cur.PrescriberID
	}

	now := c.now()
	sig, err := c.newSignature(cur, signerID, signatureData, algorithm, now)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	next.SignatureID = sig.ID
	next.SignatureData = sig.SignatureData
	next.SignatureAlgorithm = sig.Algorithm
	next.SignedAt = &now

	updated, err := c.commit(ctx, "sign", cur, next)
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveSignature(ctx, sig); err != nil {
		return nil, fmt.Errorf("save signature: %w", err)
	}

	c.emit(ctx, prescription.EventPrescriptionSigned, signerID, updated, map[string]string{
		"prescription_id": id,
		"signature_id":    sig.ID,
		"algorithm":       sig.Algorithm,
	})
	return updated, nil
}

func (c *Controller) newSignature(p *prescription.Prescription, signerID, data, algorithm string, now time.Time) (*prescription.DigitalSignature, error) {
	if strings.TrimSpace(data) == "" || strings.TrimSpace(algorithm) == "" {
		return nil, &prescription.InputError{Fields: []string{"signature_data and signature_algorithm are required"}}
	}
	payload, err := p.SigningPayload()
	if err != nil {
		return nil, fmt.Errorf("build signing payload: %w", err)
	}
	return &prescription.DigitalSignature{
		ID:             uuid.New().String(),
		PrescriptionID: p.ID,
		SignerID:       signerID,
		Algorithm:      algorithm,
		SignatureData:  data,
		Payload:        payload,
		SignedAt:       now,
	}, nil
}

// Validate runs every check, appends a validation record and moves a VALID or
// INVALID prescription to VALID/INVALID accordingly. Other statuses keep their
// status; only the validation trace is updated.
func (c *Controller) Validate(ctx context.Context, id, validatorID, validatorName string) (res *ValidationResult, err error) {
	ctx, span, start := c.begin(ctx, "validate", id)
	defer func() { c.end(span, "validate", start, err) }()

	cur, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := c.now()
	rec := c.validator.Evaluate(ctx, cur, now, validatorID, validatorName)
	rec.ID = uuid.New().String()
	if err := c.store.AppendValidation(ctx, rec); err != nil {
		return nil, fmt.Errorf("append validation record: %w", err)
	}
	c.metrics.Validated(rec.IsValid)

	next := cur.Clone()
	next.ValidatedAt = &now
	next.ValidatedBy = validatorID
	next.ValidationMessage = rec.Message
	if cur.Status == prescription.StatusValid || cur.Status == prescription.StatusInvalid {
		next.Status = prescription.StatusInvalid
		if rec.IsValid {
			next.Status = prescription.StatusValid
		}
	}

	updated, err := c.commit(ctx, "validate", cur, next)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Bool("is_valid", rec.IsValid))
	c.emit(ctx, prescription.EventPrescriptionValidated, validatorID, updated, &prescription.StatusChangedData{
		PrescriptionID: id,
		From:           cur.Status,
		To:             updated.Status,
		Reason:         rec.Message,
		At:             now,
	})
	c.logger.Info("prescription validated",
		zap.String("id", id),
		zap.Bool("is_valid", rec.IsValid),
		zap.String("status", string(updated.Status)),
		zap.Bool("seniat_valid", rec.SeniatValid))

	return &ValidationResult{IsValid: rec.IsValid, Record: rec, Prescription: updated}, nil
}

// ListValidations returns the validation history, newest first
func (c *Controller) ListValidations(ctx context.Context, id string) ([]*prescription.ValidationRecord, error) {
	if _, err := c.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.store.ListValidations(ctx, id)
}

// Dispense fulfils a VALID prescription from a warehouse. An observed past
// expiry moves the prescription to EXPIRED before the Expired error returns.
func (c *Controller) Dispense(ctx context.Context, id, dispenserID, warehouseID string) (p *prescription.Prescription, err error) {
	ctx, span, start := c.begin(ctx, "dispense", id)
	defer func() { c.end(span, "dispense", start, err) }()
	span.SetAttributes(attribute.String("warehouse_id", warehouseID))

	cur, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := c.now()
	if err := c.dispenser.Check(ctx, cur, warehouseID, now); err != nil {
		if errors.Is(err, prescription.ErrExpired) {
			c.metrics.DispenseRejected("expired")
			if _, expErr := c.expire(ctx, cur, dispenserID, "expiry observed during dispense", now); expErr != nil {
				return nil, expErr
			}
			return nil, err
		}
		switch {
		case errors.Is(err, prescription.ErrInvalidState):
			c.metrics.DispenseRejected("invalid_state")
		case errors.Is(err, prescription.ErrInsufficientStock):
			c.metrics.DispenseRejected("insufficient_stock")
		}
		c.logger.Info("dispense rejected", zap.String("id", id), zap.Error(err))
		return nil, err
	}

	next := cur.Clone()
	next.Status = prescription.StatusDispensed
	next.DispensedAt = &now
	next.DispensedBy = dispenserID
	next.DispensedWarehouseID = warehouseID

	updated, err := c.commit(ctx, "dispense", cur, next)
	if err != nil {
		return nil, err
	}

	c.metrics.Dispensed()
	c.emit(ctx, prescription.EventPrescriptionDispensed, dispenserID, updated, &prescription.StatusChangedData{
		PrescriptionID: id,
		From:           prescription.StatusValid,
		To:             prescription.StatusDispensed,
		WarehouseID:    warehouseID,
		At:             now,
	})
	c.logger.Info("prescription dispensed",
		zap.String("id", id),
		zap.String("dispensed_by", dispenserID),
		zap.String("warehouse_id", warehouseID))

	return updated, nil
}

// Cancel moves a non-dispensed prescription to CANCELLED and appends the
// reason to its notes. Cancelling a CANCELLED prescription only appends the
// note; cancelling a DISPENSED one is a conflict.
func (c *Controller) Cancel(ctx context.Context, id, cancelledBy, reason string) (p *prescription.Prescription, err error) {
	ctx, span, start := c.begin(ctx, "cancel", id)
	defer func() { c.end(span, "cancel", start, err) }()

	cur, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == prescription.StatusDispensed {
		c.metrics.Conflict("cancel")
		return nil, &prescription.ConflictError{ID: id, Reason: "cannot cancel prescription in status DISPENSED"}
	}

	now := c.now()
	line := fmt.Sprintf("[%s] Cancelled by %s", now.Format(time.RFC3339), cancelledBy)
	if r := strings.TrimSpace(reason); r != "" {
		line += ": " + r
	}

	next := cur.Clone()
	next.Status = prescription.StatusCancelled
	next.AppendNote(line)

	updated, err := c.commit(ctx, "cancel", cur, next)
	if err != nil {
		return nil, err
	}

	if cur.Status != prescription.StatusCancelled {
		c.metrics.Cancelled()
		c.emit(ctx, prescription.EventPrescriptionCancelled, cancelledBy, updated, &prescription.StatusChangedData{
			PrescriptionID: id,
			From:           cur.Status,
			To:             prescription.StatusCancelled,
			Reason:         reason,
			At:             now,
		})
	}
	c.logger.Info("prescription cancelled",
		zap.String("id", id),
		zap.String("from", string(cur.Status)),
		zap.String("cancelled_by", cancelledBy))

	return updated, nil
}

// SyncWithExternalRegistry submits the prescription to the registry and
// records the returned id. Status is never changed; a failed submission
// leaves the prescription untouched.
func (c *Controller) SyncWithExternalRegistry(ctx context.Context, id string) (registryID string, err error) {
	ctx, span, start := c.begin(ctx, "sync", id)
	defer func() { c.end(span, "sync", start, err) }()

	cur, err := c.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if c.registry == nil {
		c.metrics.Synced(false)
		return "", &prescription.SyncError{ID: id, Cause: errors.New("registry client not configured")}
	}

	submitCtx := ctx
	if c.config.RegistryTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, c.config.RegistryTimeout)
		defer cancel()
	}
	registryID, err = c.registry.Submit(submitCtx, cur)
	if err == nil && registryID == "" {
		err = errors.New("registry returned an empty id")
	}
	if err != nil {
		c.metrics.Synced(false)
		c.logger.Warn("registry sync failed", zap.String("id", id), zap.Error(err))
		return "", &prescription.SyncError{ID: id, Cause: err}
	}

	now := c.now()
	updated, err := c.store.SetRegistrySync(ctx, id, registryID, now)
	if err != nil {
		return "", fmt.Errorf("record registry sync: %w", err)
	}

	c.metrics.Synced(true)
	c.emit(ctx, prescription.EventRegistrySynced, "", updated, &prescription.RegistrySyncedData{
		PrescriptionID: id,
		RegistryID:     registryID,
		SyncedAt:       now,
	})
	return registryID, nil
}

// VerifySignature checks a stored signature and records the outcome on the
// signature entity. The referencing prescription is not modified.
func (c *Controller) VerifySignature(ctx context.Context, signatureID string) (sig *prescription.DigitalSignature, err error) {
	ctx, span, start := c.begin(ctx, "verify_signature", "")
	defer func() { c.end(span, "verify_signature", start, err) }()
	span.SetAttributes(attribute.String("signature_id", signatureID))

	sig, err = c.store.GetSignature(ctx, signatureID)
	if err != nil {
		return nil, err
	}

	var (
		verified bool
		result   string
	)
	switch {
	case c.verifier == nil:
		result = "no signature verifier configured"
	default:
		ok, verr := c.verifier.Verify(ctx, sig)
		switch {
		case verr != nil:
			result = "verification error: " + verr.Error()
		case ok:
			verified = true
			result = "signature verified"
		default:
			result = "signature does not match payload"
		}
	}

	now := c.now()
	sig.Verified = verified
	sig.VerifiedAt = &now
	sig.VerificationResult = result
	if err := c.store.SaveSignature(ctx, sig); err != nil {
		return nil, fmt.Errorf("save signature: %w", err)
	}

	c.emit(ctx, prescription.EventSignatureVerified, "", &prescription.Prescription{ID: sig.PrescriptionID}, &prescription.SignatureVerifiedData{
		SignatureID:    sig.ID,
		PrescriptionID: sig.PrescriptionID,
		Verified:       verified,
		Result:         result,
		VerifiedAt:     now,
	})
	return sig, nil
}

// RefreshExpiry moves a VALID prescription whose expiry has passed to
// EXPIRED. changed reports whether a transition happened.
func (c *Controller) RefreshExpiry(ctx context.Context, id string) (p *prescription.Prescription, changed bool, err error) {
	ctx, span, start := c.begin(ctx, "refresh_expiry", id)
	defer func() { c.end(span, "refresh_expiry", start, err) }()

	cur, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	now := c.now()
	if cur.Status != prescription.StatusValid || !cur.IsExpiredAt(now) {
		return cur, false, nil
	}
	updated, err := c.expire(ctx, cur, "", "expiry refresh", now)
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

// RefreshExpired applies RefreshExpiry to every VALID prescription whose
// expiry has passed and returns how many transitioned.
func (c *Controller) RefreshExpired(ctx context.Context) (int, error) {
	now := c.now()
	candidates, err := c.store.List(ctx, prescription.Filter{
		Statuses:     []prescription.Status{prescription.StatusValid},
		ExpiresUntil: now,
	})
	if err != nil {
		return 0, fmt.Errorf("list expiry candidates: %w", err)
	}

	count := 0
	for _, p := range candidates {
		if !p.IsExpiredAt(now) {
			continue
		}
		_, changed, err := c.RefreshExpiry(ctx, p.ID)
		if err != nil {
			if errors.Is(err, prescription.ErrConflict) {
				c.logger.Debug("expiry refresh lost race", zap.String("id", p.ID))
				continue
			}
			return count, err
		}
		if changed {
			count++
		}
	}
	if count > 0 {
		c.logger.Info("expired prescriptions refreshed", zap.Int("count", count))
	}
	return count, nil
}

func (c *Controller) expire(ctx context.Context, cur *prescription.Prescription, actorID, reason string, now time.Time) (*prescription.Prescription, error) {
	next := cur.Clone()
	next.Status = prescription.StatusExpired
	updated, err := c.commit(ctx, "expire", cur, next)
	if err != nil {
		return nil, err
	}
	c.metrics.Expired()
	c.emit(ctx, prescription.EventPrescriptionExpired, actorID, updated, &prescription.StatusChangedData{
		PrescriptionID: cur.ID,
		From:           prescription.StatusValid,
		To:             prescription.StatusExpired,
		Reason:         reason,
		At:             now,
	})
	c.logger.Info("prescription expired",
		zap.String("id", cur.ID),
		zap.Time("expiry_date", cur.ExpiryDate),
		zap.String("reason", reason))
	return updated, nil
}

func (c *Controller) emit(ctx context.Context, eventType prescription.EventType, actorID string, p *prescription.Prescription, data interface{}) {
	event, err := prescription.NewEvent(p.ID, eventType, data)
	if err != nil {
		c.logger.Error("build audit event failed", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}
	event.WithAuditInfo(actorID, p)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		event.CorrelationID = sc.TraceID().String()
	}
	c.audit.Record(ctx, event)
}

// commit writes next over cur when the state machine allows the status
// change. A write that keeps the status only needs the compare-and-swap.
func (c *Controller) commit(ctx context.Context, op string, cur, next *prescription.Prescription) (*prescription.Prescription, error) {
	if next.Status != cur.Status && !prescription.CanTransition(cur.Status, next.Status) {
		return nil, &prescription.StateError{Op: op, Status: cur.Status}
	}
	updated, err := c.store.UpdateIfStatus(ctx, cur.ID, cur.Status, next)
	if err != nil {
		c.conflict(op, err)
		return nil, err
	}
	return updated, nil
}

func (c *Controller) conflict(op string, err error) {
	if errors.Is(err, prescription.ErrConflict) {
		c.metrics.Conflict(op)
		c.logger.Warn("concurrent update rejected", zap.String("operation", op), zap.Error(err))
	}
}

func (c *Controller) begin(ctx context.Context, op, id string) (context.Context, trace.Span, time.Time) {
	ctx, span := c.tracer.Start(ctx, "lifecycle."+op)
	if id != "" {
		span.SetAttributes(attribute.String("prescription_id", id))
	}
	return ctx, span, time.Now()
}

func (c *Controller) end(span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	c.metrics.ObserveOperation(op, start)
}

// GenerateNumber builds a human-facing prescription number
func GenerateNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return "RX-" + now.Format("20060102") + "-" + suffix
}
