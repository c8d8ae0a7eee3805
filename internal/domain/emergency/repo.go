package emergency

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	ListUntriaged(ctx context.Context) ([]*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
}

type TriageRepository interface {
	Create(ctx context.Context, t *TriageRecord) error
	LatestByPatient(ctx context.Context, patientID uuid.UUID) (*TriageRecord, error)
}

// QueueRepository persists queue records. Transition and Finish act on the
// patient's active record only.
type QueueRepository interface {
	Create(ctx context.Context, r *QueueRecord) error
	Transition(ctx context.Context, patientID uuid.UUID, to QueueStatus, at time.Time) error
	Finish(ctx context.Context, patientID uuid.UUID, note ServiceNote, at time.Time) error
	ListActive(ctx context.Context) ([]*QueueRecord, error)
}

type RemovalRepository interface {
	Create(ctx context.Context, r *RemovalRecord) error
	List(ctx context.Context, limit, offset int) ([]*RemovalRecord, int, error)
}

// Transactor runs fn so that every repository call made with the context it
// receives commits or rolls back together.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
