package lifecycle

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
)

// Validator runs the fixed validity checks against a prescription. It reads
// collaborators but never writes the prescription.
type Validator struct {
	authz           AuthorizationService
	patients        PatientDirectory
	registry        RegistryClient
	registryTimeout time.Duration
	logger          *zap.Logger
}

// NewValidator creates a validation engine. Nil authz or patients default to AllowAll.
func NewValidator(authz AuthorizationService, patients PatientDirectory, registry RegistryClient, registryTimeout time.Duration, logger *zap.Logger) *Validator {
	if authz == nil {
		authz = AllowAll{}
	}
	if patients == nil {
		patients = AllowAll{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		authz:           authz,
		patients:        patients,
		registry:        registry,
		registryTimeout: registryTimeout,
		logger:          logger,
	}
}

// Evaluate runs every check without short-circuiting and returns the record.
// IsValid covers expiry, dispense state, signature presence and prescriber
// authorization. Patient existence and the registry opinion are recorded only.
func (v *Validator) Evaluate(ctx context.Context, p *prescription.Prescription, now time.Time, validatorID, validatorName string) *prescription.ValidationRecord {
	rec := &prescription.ValidationRecord{
		PrescriptionID:  p.ID,
		NotExpired:      !p.IsExpiredAt(now),
		NotDispensed:    p.Status != prescription.StatusDispensed,
		SignatureValid:  p.HasSignature(),
		ValidatedBy:     validatorID,
		ValidatedByName: validatorName,
		ValidatedAt:     now,
	}

	authorized, err := v.authz.IsPrescriberAuthorized(ctx, p.PrescriberID)
	if err != nil {
		v.logger.Warn("prescriber authorization lookup failed",
			zap.String("prescription_id", p.ID),
			zap.String("prescriber_id", p.PrescriberID),
			zap.Error(err))
	}
	rec.PrescriberAuthorized = authorized && err == nil

	exists, err := v.patients.Exists(ctx, p.PatientID)
	if err != nil {
		v.logger.Warn("patient directory lookup failed",
			zap.String("prescription_id", p.ID),
			zap.String("patient_id", p.PatientID),
			zap.Error(err))
	}
	rec.PatientExists = exists && err == nil

	rec.SeniatValid, rec.SeniatResponse = v.registryOpinion(ctx, p)

	rec.IsValid = rec.NotExpired && rec.NotDispensed && rec.SignatureValid && rec.PrescriberAuthorized
	rec.Message = validationMessage(rec)
	return rec
}

func (v *Validator) registryOpinion(ctx context.Context, p *prescription.Prescription) (bool, string) {
	if v.registry == nil {
		return false, "registry not configured"
	}
	if v.registryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.registryTimeout)
		defer cancel()
	}
	op, err := v.registry.Check(ctx, p)
	if err != nil {
		v.logger.Warn("registry opinion unavailable",
			zap.String("prescription_id", p.ID),
			zap.Error(err))
		return false, "registry unavailable: " + err.Error()
	}
	return op.Valid, op.Response
}

func validationMessage(rec *prescription.ValidationRecord) string {
	var problems []string
	if !rec.NotExpired {
		problems = append(problems, "prescription expired")
	}
	if !rec.NotDispensed {
		problems = append(problems, "prescription already dispensed")
	}
	if !rec.SignatureValid {
		problems = append(problems, "digital signature missing")
	}
	if !rec.PrescriberAuthorized {
		problems = append(problems, "prescriber not authorized")
	}

	var msg string
	if len(problems) == 0 {
		msg = "prescription is valid"
	} else {
		msg = "prescription is invalid: " + strings.Join(problems, ", ")
	}
	if !rec.PatientExists {
		msg += " (warning: patient not found in directory)"
	}
	return msg
}
