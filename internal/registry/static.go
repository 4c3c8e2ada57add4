package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
)

// Static is a deterministic registry for development and tests. Submit
// derives the registry id from the prescription number, so repeated
// submissions return the same id.
type Static struct {
	// Reject marks prescriber licenses the registry does not recognise
	Reject map[string]bool
}

// Submit returns a stable id for the prescription number
func (s Static) Submit(_ context.Context, p *prescription.Prescription) (string, error) {
	sum := sha256.Sum256([]byte(p.PrescriptionNumber))
	return "SEN-" + hex.EncodeToString(sum[:6]), nil
}

// Check accepts every prescription whose prescriber license is not rejected
func (s Static) Check(_ context.Context, p *prescription.Prescription) (prescription.RegistryOpinion, error) {
	if s.Reject[p.PrescriberLicense] {
		return prescription.RegistryOpinion{Valid: false, Response: "prescriber license not registered"}, nil
	}
	return prescription.RegistryOpinion{Valid: true, Response: "registered"}, nil
}
