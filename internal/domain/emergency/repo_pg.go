package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/edqueue/internal/platform/db"
)

func notFound(err error, what string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

const patientCols = `id, name, cpf, birth_date, legal_priority, created_at`

func (r *patientRepoPG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.CPF, &p.BirthDate, &p.LegalPriority, &p.CreatedAt)
	return &p, err
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patient (id, name, cpf, birth_date, legal_priority)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		p.ID, p.Name, p.CPF, p.BirthDate, p.LegalPriority).Scan(&p.CreatedAt)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := r.scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "patient", id)
	}
	return p, nil
}

func (r *patientRepoPG) ListUntriaged(ctx context.Context) ([]*Patient, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+patientCols+` FROM patient p
		WHERE NOT EXISTS (SELECT 1 FROM triage_record t WHERE t.patient_id = p.id)
		ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *patientRepoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := conn.Query(ctx, `SELECT `+patientCols+` FROM patient p
		ORDER BY name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

// =========== Triage Repository ===========

type triageRepoPG struct{ pool *pgxpool.Pool }

func NewTriageRepoPG(pool *pgxpool.Pool) TriageRepository { return &triageRepoPG{pool: pool} }

const triageCols = `id, patient_id, acuity, blood_pressure, temperature, heart_rate,
	chief_complaint, triaged_by, triaged_at`

func (r *triageRepoPG) scanTriage(row pgx.Row) (*TriageRecord, error) {
	var t TriageRecord
	err := row.Scan(&t.ID, &t.PatientID, &t.Acuity, &t.BloodPressure, &t.Temperature, &t.HeartRate,
		&t.ChiefComplaint, &t.TriagedBy, &t.TriagedAt)
	return &t, err
}

func (r *triageRepoPG) Create(ctx context.Context, t *TriageRecord) error {
	t.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO triage_record (id, patient_id, acuity, blood_pressure, temperature, heart_rate,
			chief_complaint, triaged_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING triaged_at`,
		t.ID, t.PatientID, t.Acuity, t.BloodPressure, t.Temperature, t.HeartRate,
		t.ChiefComplaint, t.TriagedBy).Scan(&t.TriagedAt)
}

func (r *triageRepoPG) LatestByPatient(ctx context.Context, patientID uuid.UUID) (*TriageRecord, error) {
	t, err := r.scanTriage(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+triageCols+` FROM triage_record
		WHERE patient_id = $1 ORDER BY triaged_at DESC LIMIT 1`, patientID))
	if err != nil {
		return nil, notFound(err, "triage for patient", patientID)
	}
	return t, nil
}

// =========== Queue Repository ===========

type queueRepoPG struct{ pool *pgxpool.Pool }

func NewQueueRepoPG(pool *pgxpool.Pool) QueueRepository { return &queueRepoPG{pool: pool} }

const queueCols = `id, patient_id, triage_id, acuity, status, enqueued_at, called_at, finished_at,
	diagnosis, prescription`

func (r *queueRepoPG) scanQueue(row pgx.Row) (*QueueRecord, error) {
	var q QueueRecord
	err := row.Scan(&q.ID, &q.PatientID, &q.TriageID, &q.Acuity, &q.Status, &q.EnqueuedAt,
		&q.CalledAt, &q.FinishedAt, &q.Diagnosis, &q.Prescription)
	return &q, err
}

func (r *queueRepoPG) Create(ctx context.Context, q *QueueRecord) error {
	q.ID = uuid.New()
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO queue_entry (id, patient_id, triage_id, acuity, status, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		q.ID, q.PatientID, q.TriageID, q.Acuity, q.Status, q.EnqueuedAt)
	return err
}

// Transition moves the patient's active row to status to. Calling stamps
// called_at, going back to waiting clears it, and terminal states stamp
// finished_at.
func (r *queueRepoPG) Transition(ctx context.Context, patientID uuid.UUID, to QueueStatus, at time.Time) error {
	const active = ` WHERE patient_id = $1 AND status IN ('waiting','in_service','immediate')`
	var (
		sql  string
		args = []interface{}{patientID, to}
	)
	switch to {
	case StatusInService:
		sql = `UPDATE queue_entry SET status = $2, called_at = $3`
		args = append(args, at)
	case StatusWaiting:
		sql = `UPDATE queue_entry SET status = $2, called_at = NULL`
	case StatusServed, StatusRemoved:
		sql = `UPDATE queue_entry SET status = $2, finished_at = $3`
		args = append(args, at)
	default:
		return fmt.Errorf("%w: cannot transition to %q", ErrValidation, to)
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, sql+active, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue row for patient %s: %w", patientID, ErrNotFound)
	}
	return nil
}

func (r *queueRepoPG) Finish(ctx context.Context, patientID uuid.UUID, note ServiceNote, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE queue_entry SET status = 'served', finished_at = $2, diagnosis = $3, prescription = $4
		WHERE patient_id = $1 AND status = 'in_service'`,
		patientID, at, note.Diagnosis, note.Prescription)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("in-service row for patient %s: %w", patientID, ErrNotFound)
	}
	return nil
}

func (r *queueRepoPG) ListActive(ctx context.Context) ([]*QueueRecord, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+queueCols+` FROM queue_entry
		WHERE status IN ('waiting','in_service','immediate')
		ORDER BY enqueued_at, patient_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*QueueRecord
	for rows.Next() {
		q, err := r.scanQueue(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, q)
	}
	return items, rows.Err()
}

// =========== Removal Repository ===========

type removalRepoPG struct{ pool *pgxpool.Pool }

func NewRemovalRepoPG(pool *pgxpool.Pool) RemovalRepository { return &removalRepoPG{pool: pool} }

const removalCols = `id, patient_id, reason, removed_by, removed_at`

func (r *removalRepoPG) Create(ctx context.Context, rec *RemovalRecord) error {
	rec.ID = uuid.New()
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO removal_log (id, patient_id, reason, removed_by, removed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.PatientID, rec.Reason, rec.RemovedBy, rec.RemovedAt)
	return err
}

func (r *removalRepoPG) List(ctx context.Context, limit, offset int) ([]*RemovalRecord, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM removal_log`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := conn.Query(ctx, `SELECT `+removalCols+` FROM removal_log
		ORDER BY removed_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*RemovalRecord
	for rows.Next() {
		var rec RemovalRecord
		if err := rows.Scan(&rec.ID, &rec.PatientID, &rec.Reason, &rec.RemovedBy, &rec.RemovedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &rec)
	}
	return items, total, rows.Err()
}
