package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edqueue/internal/platform/notification"
)

// Service ties the in-memory Queue to durable records. Triage writes its rows
// before placing the patient. Every other transition runs on the queue first,
// since it owns ordering, and is undone there when the matching write fails,
// so a retry sees the same state as the first attempt.
type Service struct {
	core     *Queue
	patients PatientRepository
	triage   TriageRepository
	queue    QueueRepository
	removals RemovalRepository
	tx       Transactor
	pub      notification.Publisher
	logger   zerolog.Logger
}

func NewService(core *Queue, patients PatientRepository, triage TriageRepository, queue QueueRepository, removals RemovalRepository, logger zerolog.Logger) *Service {
	return &Service{
		core:     core,
		patients: patients,
		triage:   triage,
		queue:    queue,
		removals: removals,
		tx:       directTx{},
		pub:      notification.Discard,
		logger:   logger.With().Str("component", "emergency").Logger(),
	}
}

// SetPublisher attaches the sink for queue events.
func (s *Service) SetPublisher(p notification.Publisher) {
	if p == nil {
		p = notification.Discard
	}
	s.pub = p
}

// SetTransactor makes multi-row writes atomic.
func (s *Service) SetTransactor(tx Transactor) {
	if tx == nil {
		tx = directTx{}
	}
	s.tx = tx
}

// Queue returns the scheduling core.
func (s *Service) Queue() *Queue {
	return s.core
}

type directTx struct{}

func (directTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *Service) publish(ctx context.Context, t notification.EventType, e WaitingEntry, data interface{}) {
	ev := notification.Event{Type: t, EntryID: e.ID, Acuity: string(e.Acuity), At: s.core.Now()}
	if data != nil {
		ev = ev.WithData(data)
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.Error().Err(err).Str("type", string(t)).Str("entry_id", e.ID.String()).Msg("publish event failed")
	}
}

func (s *Service) logEntry(op string, e WaitingEntry) *zerolog.Event {
	return s.logger.Info().Str("op", op).Str("entry_id", e.ID.String()).Str("acuity", string(e.Acuity))
}

// -- Reception --

func (s *Service) RegisterPatient(ctx context.Context, p *Patient) error {
	p.Name = strings.TrimSpace(p.Name)
	p.CPF = strings.TrimSpace(p.CPF)
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if p.CPF == "" {
		return fmt.Errorf("%w: cpf is required", ErrValidation)
	}
	if err := s.patients.Create(ctx, p); err != nil {
		return fmt.Errorf("create patient: %w", err)
	}
	s.logger.Info().Str("op", "register").Str("patient_id", p.ID.String()).Bool("legal_priority", p.LegalPriority).Msg("patient registered")
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// ListUntriaged returns registered patients awaiting triage, by name.
func (s *Service) ListUntriaged(ctx context.Context) ([]*Patient, error) {
	return s.patients.ListUntriaged(ctx)
}

// ListPatients pages through every registered patient, by name.
func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, limit, offset)
}

// -- Triage --

// CompleteTriage records the triage and places the patient: in the waiting
// queue, or on the immediate list for the bypass class. Both rows commit
// together, and only then is the patient placed in memory.
func (s *Service) CompleteTriage(ctx context.Context, t *TriageRecord) (*QueueRecord, error) {
	if t.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if strings.TrimSpace(t.TriagedBy) == "" {
		return nil, fmt.Errorf("%w: triaged_by is required", ErrValidation)
	}
	acuity, err := ParseAcuity(string(t.Acuity))
	if err != nil {
		return nil, err
	}
	t.Acuity = acuity

	if _, err := s.patients.GetByID(ctx, t.PatientID); err != nil {
		return nil, fmt.Errorf("triage: %w", err)
	}
	if st, ok := s.core.Status(t.PatientID); ok {
		return nil, fmt.Errorf("triage %s (%s): %w", t.PatientID, st, ErrDuplicateEntry)
	}

	bypass := s.core.Policy().IsBypass(acuity)
	status := StatusWaiting
	if bypass {
		status = StatusImmediate
	}
	rec := &QueueRecord{
		PatientID:  t.PatientID,
		Acuity:     acuity,
		Status:     status,
		EnqueuedAt: s.core.Now(),
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.triage.Create(ctx, t); err != nil {
			return fmt.Errorf("create triage record: %w", err)
		}
		rec.TriageID = t.ID
		if err := s.queue.Create(ctx, rec); err != nil {
			return fmt.Errorf("create queue record: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("op", "triage").Str("entry_id", t.PatientID.String()).Msg("triage not recorded")
		return nil, err
	}

	if _, err := s.core.place(rec.Entry()); err != nil {
		s.logger.Error().Err(err).Str("op", "triage").Str("entry_id", t.PatientID.String()).Msg("triage recorded but patient not placed")
		return nil, fmt.Errorf("place patient: %w", err)
	}

	e := rec.Entry()
	if bypass {
		s.logEntry("triage", e).Msg("patient sent to immediate care")
		s.publish(ctx, notification.EventImmediateCare, e, nil)
	} else {
		s.logEntry("triage", e).Msg("patient enqueued")
		s.publish(ctx, notification.EventEnqueued, e, nil)
	}
	return rec, nil
}

// -- Physician workflow --

// CallNext reserves the next patient and records the call.
func (s *Service) CallNext(ctx context.Context) (WaitingEntry, error) {
	e, err := s.core.CallNext()
	if err != nil {
		return WaitingEntry{}, err
	}
	if err := s.queue.Transition(ctx, e.ID, StatusInService, s.core.Now()); err != nil {
		s.core.uncall(e.ID)
		s.logger.Error().Err(err).Str("op", "call_next").Str("entry_id", e.ID.String()).Msg("call not recorded, patient returned to queue")
		return WaitingEntry{}, fmt.Errorf("record call: %w", err)
	}
	s.logEntry("call_next", e).Msg("patient called")
	s.publish(ctx, notification.EventCalled, e, nil)
	return e, nil
}

// InService returns the patient currently being attended.
func (s *Service) InService() (WaitingEntry, error) {
	e, ok := s.core.InService()
	if !ok {
		return WaitingEntry{}, ErrNoActiveService
	}
	return e, nil
}

// Finish ends the consultation and stores the physician's note.
func (s *Service) Finish(ctx context.Context, note ServiceNote) (WaitingEntry, error) {
	e, err := s.core.Finish()
	if err != nil {
		return WaitingEntry{}, err
	}
	if err := s.queue.Finish(ctx, e.ID, note, s.core.Now()); err != nil {
		back := s.core.reinstate(e, StatusInService)
		s.logger.Error().Err(err).Str("op", "finish").Str("entry_id", e.ID.String()).Bool("reinstated", back).Msg("finish not recorded")
		return WaitingEntry{}, fmt.Errorf("record finish: %w", err)
	}
	s.logEntry("finish", e).Msg("consultation finished")
	s.publish(ctx, notification.EventFinished, e, nil)
	return e, nil
}

// Requeue hands the in-service patient back with their original place.
func (s *Service) Requeue(ctx context.Context) (WaitingEntry, error) {
	e, err := s.core.Requeue()
	if err != nil {
		return WaitingEntry{}, err
	}
	if err := s.queue.Transition(ctx, e.ID, StatusWaiting, s.core.Now()); err != nil {
		back := s.core.recall(e.ID)
		s.logger.Error().Err(err).Str("op", "requeue").Str("entry_id", e.ID.String()).Bool("reinstated", back).Msg("requeue not recorded")
		return WaitingEntry{}, fmt.Errorf("record requeue: %w", err)
	}
	s.logEntry("requeue", e).Msg("patient returned to queue")
	s.publish(ctx, notification.EventRequeued, e, nil)
	return e, nil
}

// Remove takes a patient out of the queue and writes the audit record.
func (s *Service) Remove(ctx context.Context, id uuid.UUID, reason, by string) (WaitingEntry, error) {
	reason = strings.TrimSpace(reason)
	e, from, err := s.core.take(id, reason)
	if err != nil {
		return WaitingEntry{}, err
	}

	at := s.core.Now()
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.queue.Transition(ctx, id, StatusRemoved, at); err != nil {
			return fmt.Errorf("record removal: %w", err)
		}
		return s.removals.Create(ctx, &RemovalRecord{PatientID: id, Reason: reason, RemovedBy: by, RemovedAt: at})
	})
	if err != nil {
		back := s.core.reinstate(e, from)
		s.logger.Error().Err(err).Str("op", "remove").Str("entry_id", id.String()).Bool("reinstated", back).Msg("removal not recorded")
		return WaitingEntry{}, err
	}
	s.logEntry("remove", e).Str("removed_by", by).Msg("patient removed")
	s.publish(ctx, notification.EventRemoved, e, map[string]string{"reason": reason})
	return e, nil
}

// AcknowledgeImmediate closes an immediate-care entry once care has begun.
func (s *Service) AcknowledgeImmediate(ctx context.Context, id uuid.UUID) (WaitingEntry, error) {
	e, err := s.core.ClearImmediate(id)
	if err != nil {
		return WaitingEntry{}, err
	}
	if err := s.queue.Transition(ctx, id, StatusServed, s.core.Now()); err != nil {
		back := s.core.reinstate(e, StatusImmediate)
		s.logger.Error().Err(err).Str("op", "ack_immediate").Str("entry_id", id.String()).Bool("reinstated", back).Msg("acknowledgement not recorded")
		return WaitingEntry{}, fmt.Errorf("record acknowledgement: %w", err)
	}
	s.logEntry("ack_immediate", e).Msg("immediate care started")
	s.publish(ctx, notification.EventFinished, e, nil)
	return e, nil
}

// -- Display --

// BoardEntry is one line of the waiting-room board.
type BoardEntry struct {
	EntryView
	Position      int    `json:"position,omitempty"`
	PatientName   string `json:"patient_name,omitempty"`
	LegalPriority bool   `json:"legal_priority"`
}

// Board is the full queue as shown on display screens.
type Board struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Waiting     []BoardEntry `json:"waiting"`
	InService   *BoardEntry  `json:"in_service,omitempty"`
	Immediate   []BoardEntry `json:"immediate"`
}

// Board renders the queue with patient details. A patient record that cannot
// be read leaves its name blank rather than failing the whole board.
func (s *Service) Board(ctx context.Context) (*Board, error) {
	views := s.core.Views()
	now := s.core.Now()
	policy := s.core.Policy()

	b := &Board{GeneratedAt: now, Waiting: make([]BoardEntry, 0, len(views)), Immediate: []BoardEntry{}}
	for i, v := range views {
		be := s.boardEntry(ctx, v)
		be.Position = i + 1
		b.Waiting = append(b.Waiting, be)
	}
	if e, ok := s.core.InService(); ok {
		be := s.boardEntry(ctx, policy.View(e, now))
		b.InService = &be
	}
	for _, e := range s.core.Immediate() {
		b.Immediate = append(b.Immediate, s.boardEntry(ctx, policy.View(e, now)))
	}
	return b, nil
}

func (s *Service) boardEntry(ctx context.Context, v EntryView) BoardEntry {
	be := BoardEntry{EntryView: v}
	p, err := s.patients.GetByID(ctx, v.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn().Err(err).Str("entry_id", v.ID.String()).Msg("board patient lookup failed")
		}
		return be
	}
	be.PatientName = p.Name
	be.LegalPriority = p.LegalPriority
	return be
}

// -- Startup and audit --

// Restore rebuilds the queue from the active rows in storage and returns how
// many entries were loaded.
func (s *Service) Restore(ctx context.Context) (int, error) {
	rows, err := s.queue.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active queue rows: %w", err)
	}

	var (
		waiting, immediate []WaitingEntry
		inService          *WaitingEntry
	)
	for _, r := range rows {
		e := r.Entry()
		switch r.Status {
		case StatusWaiting:
			waiting = append(waiting, e)
		case StatusImmediate:
			immediate = append(immediate, e)
		case StatusInService:
			if inService != nil {
				return 0, fmt.Errorf("restore: patients %s and %s both in service: %w", inService.ID, e.ID, ErrSlotOccupied)
			}
			inService = &e
		}
	}
	if err := s.core.Restore(waiting, inService, immediate); err != nil {
		return 0, err
	}
	s.logger.Info().Int("waiting", len(waiting)).Int("immediate", len(immediate)).Bool("in_service", inService != nil).Msg("queue restored")
	return len(rows), nil
}

// Removals lists the removal audit log, newest first.
func (s *Service) Removals(ctx context.Context, limit, offset int) ([]*RemovalRecord, int, error) {
	return s.removals.List(ctx, limit, offset)
}
