package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlife/internal/domain/prescription"
)

var _ prescription.Store = (*Store)(nil)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const prescriptionColumns = `id, prescription_number, version,
	patient_id, patient_name, patient_ci,
	prescriber_id, prescriber_name, prescriber_license,
	prescription_date, expiry_date, medications, status,
	signature_id, signature_data, signature_algorithm, signed_at,
	validated_at, validated_by, validation_message,
	dispensed_at, dispensed_by, dispensed_warehouse_id,
	seniat_prescription_id, seniat_synced_at,
	notes, created_at, updated_at`

// Store persists prescriptions in PostgreSQL. Status changes use an
// optimistic lock on (status, version).
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStore creates a PostgreSQL-backed prescription store
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger, tracer: otel.Tracer("postgres-store")}
}

// Create inserts a new prescription at version 1
func (s *Store) Create(ctx context.Context, p *prescription.Prescription) error {
	ctx, span := s.tracer.Start(ctx, "store.create", trace.WithAttributes(attribute.String("prescription_id", p.ID)))
	defer span.End()

	meds, err := json.Marshal(p.Medications)
	if err != nil {
		return fmt.Errorf("encode medications: %w", err)
	}

	query := `
		INSERT INTO prescriptions (` + prescriptionColumns + `)
		VALUES ($1, $2, 1, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
	`
	_, err = s.pool.Exec(ctx, query,
		p.ID, p.PrescriptionNumber,
		p.PatientID, p.PatientName, p.PatientCI,
		p.PrescriberID, p.PrescriberName, p.PrescriberLicense,
		p.PrescriptionDate, p.ExpiryDate, meds, p.Status,
		p.SignatureID, p.SignatureData, p.SignatureAlgorithm, p.SignedAt,
		p.ValidatedAt, p.ValidatedBy, p.ValidationMessage,
		p.DispensedAt, p.DispensedBy, p.DispensedWarehouseID,
		p.SeniatPrescriptionID, p.SeniatSyncedAt,
		p.Notes, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		if isPgCode(err, pgUniqueViolation) {
			return &prescription.ConflictError{ID: p.ID, Reason: "prescription id or number " + p.PrescriptionNumber + " already in use"}
		}
		return fmt.Errorf("insert prescription: %w", err)
	}
	p.Version = 1
	return nil
}

// Get returns the prescription with the given id
func (s *Store) Get(ctx context.Context, id string) (*prescription.Prescription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+prescriptionColumns+` FROM prescriptions WHERE id = $1`, id)
	p, err := scanPrescription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &prescription.NotFoundError{Kind: "prescription", ID: id}
	}
	return p, err
}

// GetByNumber looks a prescription up by its human-facing number
func (s *Store) GetByNumber(ctx context.Context, number string) (*prescription.Prescription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+prescriptionColumns+` FROM prescriptions WHERE prescription_number = $1`, number)
	p, err := scanPrescription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &prescription.NotFoundError{Kind: "prescription number", ID: number}
	}
	return p, err
}

// List returns prescriptions matching the filter, oldest first
func (s *Store) List(ctx context.Context, f prescription.Filter) ([]*prescription.Prescription, error) {
	where, args := filterClause(f)
	query := `SELECT ` + prescriptionColumns + ` FROM prescriptions` + where + ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query prescriptions: %w", err)
	}
	defer rows.Close()

	out := make([]*prescription.Prescription, 0)
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func filterClause(f prescription.Filter) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.PrescriberID != "" {
		add("prescriber_id = $%d", f.PrescriberID)
	}
	if len(f.Statuses) > 0 {
		names := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			names[i] = string(st)
		}
		add("status = ANY($%d)", names)
	}
	if !f.IssuedFrom.IsZero() {
		add("prescription_date >= $%d", f.IssuedFrom)
	}
	if !f.IssuedTo.IsZero() {
		add("prescription_date <= $%d", f.IssuedTo)
	}
	if !f.ExpiresAfter.IsZero() {
		add("expiry_date > $%d", f.ExpiresAfter)
	}
	if !f.ExpiresUntil.IsZero() {
		add("expiry_date <= $%d", f.ExpiresUntil)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// UpdateIfStatus writes the mutable fields of next iff the stored row still
// has the expected status and next.Version. Number, medications and
// created_at are never rewritten.
func (s *Store) UpdateIfStatus(ctx context.Context, id string, expected prescription.Status, next *prescription.Prescription) (*prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "store.update_if_status", trace.WithAttributes(
		attribute.String("prescription_id", id),
		attribute.String("expected_status", string(expected)),
		attribute.String("next_status", string(next.Status)),
	))
	defer span.End()

	query := `
		UPDATE prescriptions SET
			status = $4,
			signature_id = $5, signature_data = $6, signature_algorithm = $7, signed_at = $8,
			validated_at = $9, validated_by = $10, validation_message = $11,
			dispensed_at = $12, dispensed_by = $13, dispensed_warehouse_id = $14,
			notes = $15,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND status = $2 AND version = $3
		RETURNING ` + prescriptionColumns

	row := s.pool.QueryRow(ctx, query,
		id, expected, next.Version,
		next.Status,
		next.SignatureID, next.SignatureData, next.SignatureAlgorithm, next.SignedAt,
		next.ValidatedAt, next.ValidatedBy, next.ValidationMessage,
		next.DispensedAt, next.DispensedBy, next.DispensedWarehouseID,
		next.Notes,
	)
	updated, err := scanPrescription(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		return nil, fmt.Errorf("update prescription: %w", err)
	}

	var (
		status  prescription.Status
		version int
	)
	err = s.pool.QueryRow(ctx, `SELECT status, version FROM prescriptions WHERE id = $1`, id).Scan(&status, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &prescription.NotFoundError{Kind: "prescription", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("read prescription status: %w", err)
	}
	s.logger.Debug("compare-and-swap lost",
		zap.String("id", id),
		zap.String("expected", string(expected)),
		zap.String("actual", string(status)),
		zap.Int("version", version))
	if status != expected {
		return nil, &prescription.ConflictError{ID: id, Reason: "status is " + string(status) + ", expected " + string(expected)}
	}
	return nil, &prescription.ConflictError{ID: id, Reason: "record modified concurrently"}
}

// SetRegistrySync stamps the registry trace without touching status
func (s *Store) SetRegistrySync(ctx context.Context, id, registryID string, at time.Time) (*prescription.Prescription, error) {
	query := `
		UPDATE prescriptions
		SET seniat_prescription_id = $2, seniat_synced_at = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + prescriptionColumns

	p, err := scanPrescription(s.pool.QueryRow(ctx, query, id, registryID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &prescription.NotFoundError{Kind: "prescription", ID: id}
	}
	return p, err
}

// AppendValidation inserts an immutable validation record
func (s *Store) AppendValidation(ctx context.Context, r *prescription.ValidationRecord) error {
	query := `
		INSERT INTO validation_records (
			id, prescription_id, signature_valid, not_expired, not_dispensed,
			prescriber_authorized, patient_exists, seniat_valid, seniat_response,
			is_valid, message, validated_by, validated_by_name, validated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.PrescriptionID, r.SignatureValid, r.NotExpired, r.NotDispensed,
		r.PrescriberAuthorized, r.PatientExists, r.SeniatValid, r.SeniatResponse,
		r.IsValid, r.Message, r.ValidatedBy, r.ValidatedByName, r.ValidatedAt,
	)
	if isPgCode(err, pgForeignKeyViolation) {
		return &prescription.NotFoundError{Kind: "prescription", ID: r.PrescriptionID}
	}
	if err != nil {
		return fmt.Errorf("insert validation record: %w", err)
	}
	return nil
}

// ListValidations returns a prescription's validation records, newest first
func (s *Store) ListValidations(ctx context.Context, prescriptionID string) ([]*prescription.ValidationRecord, error) {
	query := `
		SELECT id, prescription_id, signature_valid, not_expired, not_dispensed,
		       prescriber_authorized, patient_exists, seniat_valid, seniat_response,
		       is_valid, message, validated_by, validated_by_name, validated_at
		FROM validation_records
		WHERE prescription_id = $1
		ORDER BY seq DESC
	`
	rows, err := s.pool.Query(ctx, query, prescriptionID)
	if err != nil {
		return nil, fmt.Errorf("query validation records: %w", err)
	}
	defer rows.Close()

	out := make([]*prescription.ValidationRecord, 0)
	for rows.Next() {
		r := &prescription.ValidationRecord{}
		if err := rows.Scan(
			&r.ID, &r.PrescriptionID, &r.SignatureValid, &r.NotExpired, &r.NotDispensed,
			&r.PrescriberAuthorized, &r.PatientExists, &r.SeniatValid, &r.SeniatResponse,
			&r.IsValid, &r.Message, &r.ValidatedBy, &r.ValidatedByName, &r.ValidatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan validation record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveSignature inserts a signature or updates its verification outcome
func (s *Store) SaveSignature(ctx context.Context, sig *prescription.DigitalSignature) error {
	query := `
		INSERT INTO digital_signatures (
			id, prescription_id, signer_id, algorithm, signature_data, payload,
			signed_at, verified, verified_at, verification_result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET verified = EXCLUDED.verified,
		    verified_at = EXCLUDED.verified_at,
		    verification_result = EXCLUDED.verification_result
	`
	_, err := s.pool.Exec(ctx, query,
		sig.ID, sig.PrescriptionID, sig.SignerID, sig.Algorithm, sig.SignatureData, sig.Payload,
		sig.SignedAt, sig.Verified, sig.VerifiedAt, sig.VerificationResult,
	)
	if err != nil {
		return fmt.Errorf("save signature: %w", err)
	}
	return nil
}

// GetSignature returns the signature with the given id
func (s *Store) GetSignature(ctx context.Context, id string) (*prescription.DigitalSignature, error) {
	query := `
		SELECT id, prescription_id, signer_id, algorithm, signature_data, payload,
		       signed_at, verified, verified_at, verification_result
		FROM digital_signatures
		WHERE id = $1
	`
	sig := &prescription.DigitalSignature{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&sig.ID, &sig.PrescriptionID, &sig.SignerID, &sig.Algorithm, &sig.SignatureData, &sig.Payload,
		&sig.SignedAt, &sig.Verified, &sig.VerifiedAt, &sig.VerificationResult,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &prescription.NotFoundError{Kind: "signature", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get signature: %w", err)
	}
	return sig, nil
}

func scanPrescription(row pgx.Row) (*prescription.Prescription, error) {
	var (
		p    prescription.Prescription
		meds []byte
	)
	err := row.Scan(
		&p.ID, &p.PrescriptionNumber, &p.Version,
		&p.PatientID, &p.PatientName, &p.PatientCI,
		&p.PrescriberID, &p.PrescriberName, &p.PrescriberLicense,
		&p.PrescriptionDate, &p.ExpiryDate, &meds, &p.Status,
		&p.SignatureID, &p.SignatureData, &p.SignatureAlgorithm, &p.SignedAt,
		&p.ValidatedAt, &p.ValidatedBy, &p.ValidationMessage,
		&p.DispensedAt, &p.DispensedBy, &p.DispensedWarehouseID,
		&p.SeniatPrescriptionID, &p.SeniatSyncedAt,
		&p.Notes, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meds, &p.Medications); err != nil {
		return nil, fmt.Errorf("decode medications for %s: %w", p.ID, err)
	}
	return &p, nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
