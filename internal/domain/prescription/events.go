package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionCreated   EventType = "PrescriptionCreated"
	EventPrescriptionSigned    EventType = "PrescriptionSigned"
	EventPrescriptionValidated EventType = "PrescriptionValidated"
	EventPrescriptionDispensed EventType = "PrescriptionDispensed"
	EventPrescriptionCancelled EventType = "PrescriptionCancelled"
	EventPrescriptionExpired   EventType = "PrescriptionExpired"
	EventRegistrySynced        EventType = "PrescriptionRegistrySynced"
	EventSignatureVerified     EventType = "SignatureVerified"
)

// Event represents a domain event reported to the audit sink
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	ActorID       string          `json:"actor_id,omitempty"`
	PatientID     string          `json:"patient_id,omitempty"`
	PrescriberID  string          `json:"prescriber_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: "Prescription",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(actorID string, p *Prescription) *Event {
	e.ActorID = actorID
	if p != nil {
		e.PatientID = p.PatientID
		e.PrescriberID = p.PrescriberID
		e.Version = p.Version
	}
	return e
}

// StatusChangedData is the payload of lifecycle transition events
type StatusChangedData struct {
	PrescriptionID string    `json:"prescription_id"`
	From           Status    `json:"from,omitempty"`
	To             Status    `json:"to"`
	Reason         string    `json:"reason,omitempty"`
	WarehouseID    string    `json:"warehouse_id,omitempty"`
	At             time.Time `json:"at"`
}

// RegistrySyncedData is the payload of EventRegistrySynced
type RegistrySyncedData struct {
	PrescriptionID string    `json:"prescription_id"`
	RegistryID     string    `json:"registry_id"`
	SyncedAt       time.Time `json:"synced_at"`
}

// SignatureVerifiedData is the payload of EventSignatureVerified
type SignatureVerifiedData struct {
	SignatureID    string    `json:"signature_id"`
	PrescriptionID string    `json:"prescription_id"`
	Verified       bool      `json:"verified"`
	Result         string    `json:"result"`
	VerifiedAt     time.Time `json:"verified_at"`
}
