package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory resolves prescribers and patients from local reference tables
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory creates a directory over the prescribers and patients tables
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// IsPrescriberAuthorized reports whether the prescriber exists and is active
func (d *Directory) IsPrescriberAuthorized(ctx context.Context, prescriberID string) (bool, error) {
	var active bool
	err := d.pool.QueryRow(ctx, `SELECT active FROM prescribers WHERE id = $1`, prescriberID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query prescriber: %w", err)
	}
	return active, nil
}

// Exists reports whether the patient is registered
func (d *Directory) Exists(ctx context.Context, patientID string) (bool, error) {
	var ok bool
	if err := d.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, patientID).Scan(&ok); err != nil {
		return false, fmt.Errorf("query patient: %w", err)
	}
	return ok, nil
}
