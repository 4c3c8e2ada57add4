package prescription

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrExpired           = errors.New("prescription expired")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("conflict")
	ErrSyncFailure       = errors.New("registry sync failed")
)

// InputError lists the fields that made a create request malformed.
type InputError struct {
	Fields []string
}

func (e *InputError) Error() string {
	return "invalid input: " + strings.Join(e.Fields, "; ")
}

func (e *InputError) Is(target error) bool { return target == ErrInvalidInput }

// StateError is returned when an operation is not legal for the current status.
type StateError struct {
	Op     string
	Status Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s prescription in status %s", e.Op, e.Status)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// ExpiredError is returned when a dispense observes a past expiry date.
type ExpiredError struct {
	ID         string
	ExpiryDate time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("prescription %s expired on %s", e.ID, e.ExpiryDate.Format(time.RFC3339))
}

func (e *ExpiredError) Is(target error) bool { return target == ErrExpired }

// StockError names the first medication line that could not be covered.
// Unknown is set when availability could not be determined (timeout, checker error).
type StockError struct {
	ProductID   string
	Name        string
	WarehouseID string
	Unknown     bool
	Cause       error
}

func (e *StockError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("stock unknown for %s (%s) at warehouse %s: %v", e.Name, e.ProductID, e.WarehouseID, e.Cause)
	}
	return fmt.Sprintf("insufficient stock for %s (%s) at warehouse %s", e.Name, e.ProductID, e.WarehouseID)
}

func (e *StockError) Is(target error) bool { return target == ErrInsufficientStock }

func (e *StockError) Unwrap() error { return e.Cause }

// SyncError wraps a failed registry submission.
type SyncError struct {
	ID    string
	Cause error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("registry sync for %s failed: %v", e.ID, e.Cause)
}

func (e *SyncError) Is(target error) bool { return target == ErrSyncFailure }

func (e *SyncError) Unwrap() error { return e.Cause }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError describes a failed compare-and-swap or uniqueness violation.
type ConflictError struct {
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.ID, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
