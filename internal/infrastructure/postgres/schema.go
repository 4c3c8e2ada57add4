package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS prescriptions (
		id                     TEXT PRIMARY KEY,
		prescription_number    TEXT NOT NULL UNIQUE,
		version                INTEGER NOT NULL DEFAULT 1,
		patient_id             TEXT NOT NULL,
		patient_name           TEXT NOT NULL,
		patient_ci             TEXT NOT NULL DEFAULT '',
		prescriber_id          TEXT NOT NULL,
		prescriber_name        TEXT NOT NULL,
		prescriber_license     TEXT NOT NULL,
		prescription_date      TIMESTAMPTZ NOT NULL,
		expiry_date            TIMESTAMPTZ NOT NULL,
		medications            JSONB NOT NULL,
		status                 TEXT NOT NULL,
		signature_id           TEXT NOT NULL DEFAULT '',
		signature_data         TEXT NOT NULL DEFAULT '',
		signature_algorithm    TEXT NOT NULL DEFAULT '',
		signed_at              TIMESTAMPTZ,
		validated_at           TIMESTAMPTZ,
		validated_by           TEXT NOT NULL DEFAULT '',
		validation_message     TEXT NOT NULL DEFAULT '',
		dispensed_at           TIMESTAMPTZ,
		dispensed_by           TEXT NOT NULL DEFAULT '',
		dispensed_warehouse_id TEXT NOT NULL DEFAULT '',
		seniat_prescription_id TEXT NOT NULL DEFAULT '',
		seniat_synced_at       TIMESTAMPTZ,
		notes                  TEXT NOT NULL DEFAULT '',
		created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS prescriptions_patient_idx ON prescriptions (patient_id)`,
	`CREATE INDEX IF NOT EXISTS prescriptions_prescriber_idx ON prescriptions (prescriber_id)`,
	`CREATE INDEX IF NOT EXISTS prescriptions_status_expiry_idx ON prescriptions (status, expiry_date)`,
	`CREATE TABLE IF NOT EXISTS validation_records (
		seq                   BIGSERIAL PRIMARY KEY,
		id                    TEXT NOT NULL UNIQUE,
		prescription_id       TEXT NOT NULL REFERENCES prescriptions (id),
		signature_valid       BOOLEAN NOT NULL,
		not_expired           BOOLEAN NOT NULL,
		not_dispensed         BOOLEAN NOT NULL,
		prescriber_authorized BOOLEAN NOT NULL,
		patient_exists        BOOLEAN NOT NULL,
		seniat_valid          BOOLEAN NOT NULL,
		seniat_response       TEXT NOT NULL DEFAULT '',
		is_valid              BOOLEAN NOT NULL,
		message               TEXT NOT NULL,
		validated_by          TEXT NOT NULL,
		validated_by_name     TEXT NOT NULL DEFAULT '',
		validated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS validation_records_prescription_idx ON validation_records (prescription_id, seq DESC)`,
	`CREATE TABLE IF NOT EXISTS digital_signatures (
		id                  TEXT PRIMARY KEY,
		prescription_id     TEXT NOT NULL,
		signer_id           TEXT NOT NULL,
		algorithm           TEXT NOT NULL,
		signature_data      TEXT NOT NULL,
		payload             BYTEA NOT NULL,
		signed_at           TIMESTAMPTZ NOT NULL,
		verified            BOOLEAN NOT NULL DEFAULT FALSE,
		verified_at         TIMESTAMPTZ,
		verification_result TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS inventory (
		warehouse_id TEXT NOT NULL,
		product_id   TEXT NOT NULL,
		quantity     INTEGER NOT NULL CHECK (quantity >= 0),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (warehouse_id, product_id)
	)`,
	`CREATE TABLE IF NOT EXISTS prescribers (
		id      TEXT PRIMARY KEY,
		name    TEXT NOT NULL,
		license TEXT NOT NULL,
		active  BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS patients (
		id   TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		ci   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS outbox (
		id             BIGSERIAL PRIMARY KEY,
		aggregate_id   TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		kafka_topic    TEXT NOT NULL,
		kafka_key      TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at   TIMESTAMPTZ,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		last_error     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (created_at) WHERE processed_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS inbox (
		idempotency_key TEXT PRIMARY KEY,
		handler_name    TEXT NOT NULL,
		status          TEXT NOT NULL,
		payload         JSONB,
		result          JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at      TIMESTAMPTZ
	)`,
}

// Migrate creates every table the service uses. It is safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}
