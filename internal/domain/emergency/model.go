package emergency

import (
	"time"

	"github.com/google/uuid"
)

// QueueStatus is the lifecycle state of a queue record.
type QueueStatus string

const (
	StatusWaiting   QueueStatus = "waiting"
	StatusInService QueueStatus = "in_service"
	StatusImmediate QueueStatus = "immediate"
	StatusServed    QueueStatus = "served"
	StatusRemoved   QueueStatus = "removed"
)

// Active reports whether a record in this status is still held by the queue.
func (s QueueStatus) Active() bool {
	return s == StatusWaiting || s == StatusInService || s == StatusImmediate
}

// Patient maps to the patient table.
type Patient struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	Name          string     `db:"name" json:"name"`
	CPF           string     `db:"cpf" json:"cpf"`
	BirthDate     *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	LegalPriority bool       `db:"legal_priority" json:"legal_priority"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// TriageRecord maps to the triage_record table.
type TriageRecord struct {
	ID             uuid.UUID   `db:"id" json:"id"`
	PatientID      uuid.UUID   `db:"patient_id" json:"patient_id"`
	Acuity         AcuityClass `db:"acuity" json:"acuity"`
	BloodPressure  *string     `db:"blood_pressure" json:"blood_pressure,omitempty"`
	Temperature    *string     `db:"temperature" json:"temperature,omitempty"`
	HeartRate      *string     `db:"heart_rate" json:"heart_rate,omitempty"`
	ChiefComplaint *string     `db:"chief_complaint" json:"chief_complaint,omitempty"`
	TriagedBy      string      `db:"triaged_by" json:"triaged_by"`
	TriagedAt      time.Time   `db:"triaged_at" json:"triaged_at"`
}

// QueueRecord maps to the queue_entry table: the durable side of a
// WaitingEntry.
type QueueRecord struct {
	ID           uuid.UUID   `db:"id" json:"id"`
	PatientID    uuid.UUID   `db:"patient_id" json:"patient_id"`
	TriageID     uuid.UUID   `db:"triage_id" json:"triage_id"`
	Acuity       AcuityClass `db:"acuity" json:"acuity"`
	Status       QueueStatus `db:"status" json:"status"`
	EnqueuedAt   time.Time   `db:"enqueued_at" json:"enqueued_at"`
	CalledAt     *time.Time  `db:"called_at" json:"called_at,omitempty"`
	FinishedAt   *time.Time  `db:"finished_at" json:"finished_at,omitempty"`
	Diagnosis    *string     `db:"diagnosis" json:"diagnosis,omitempty"`
	Prescription *string     `db:"prescription" json:"prescription,omitempty"`
}

// Entry returns the in-memory form of the record.
func (r *QueueRecord) Entry() WaitingEntry {
	return WaitingEntry{ID: r.PatientID, Acuity: r.Acuity, EnqueuedAt: r.EnqueuedAt}
}

// RemovalRecord maps to the removal_log table.
type RemovalRecord struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	Reason    string    `db:"reason" json:"reason"`
	RemovedBy string    `db:"removed_by" json:"removed_by"`
	RemovedAt time.Time `db:"removed_at" json:"removed_at"`
}

// ServiceNote is what the physician records when finishing a consultation.
type ServiceNote struct {
	Diagnosis    *string `json:"diagnosis,omitempty"`
	Prescription *string `json:"prescription,omitempty"`
}
