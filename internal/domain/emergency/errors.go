package emergency

import "errors"

// Queue error kinds. Every failed precondition yields exactly one of these,
// possibly wrapped with context; match them with errors.Is.
var (
	ErrDuplicateEntry  = errors.New("entry already queued")
	ErrEmptyQueue      = errors.New("queue is empty")
	ErrSlotOccupied    = errors.New("a patient is already in service")
	ErrNoActiveService = errors.New("no patient in service")
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("entry not found")

	// ErrImmediateCare is returned when a bypass-class entry is offered to
	// the waiting queue. The caller must start immediate care instead.
	ErrImmediateCare = errors.New("acuity requires immediate care")
)
