package emergency

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// WaitingEntry is one patient held by the queue. All fields are fixed once
// the entry is enqueued; re-triage produces a new entry.
type WaitingEntry struct {
	ID         uuid.UUID   `json:"id"`
	Acuity     AcuityClass `json:"acuity"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// EntryView is a WaitingEntry with its time-derived fields evaluated at a
// single instant. Minutes are whole minutes truncated toward zero.
type EntryView struct {
	WaitingEntry
	Rank             int  `json:"rank"`
	BudgetMinutes    int  `json:"budget_minutes"`
	ElapsedMinutes   int  `json:"elapsed_minutes"`
	RemainingMinutes int  `json:"remaining_minutes"`
	Overdue          bool `json:"overdue"`
}

// ElapsedMinutes returns whole minutes waited at now.
func (e WaitingEntry) ElapsedMinutes(now time.Time) int {
	return int(now.Sub(e.EnqueuedAt) / time.Minute)
}

// View evaluates e at now under p. Bypass entries have no budget and are
// always overdue.
func (p AcuityPolicy) View(e WaitingEntry, now time.Time) EntryView {
	v := EntryView{
		WaitingEntry:   e,
		Rank:           p.Rank(e.Acuity),
		ElapsedMinutes: e.ElapsedMinutes(now),
	}
	b, _ := p.Budget(e.Acuity)
	if b.Immediate {
		v.Overdue = true
		return v
	}
	v.BudgetMinutes = b.Minutes
	v.RemainingMinutes = b.Minutes - v.ElapsedMinutes
	v.Overdue = v.RemainingMinutes <= 0
	return v
}

// servedBefore is the scheduling order. Overdue entries come first, oldest
// first, regardless of class. Everything else goes by rank, then age. The id
// makes the order total.
func servedBefore(a, b EntryView) bool {
	if a.Overdue != b.Overdue {
		return a.Overdue
	}
	if !a.Overdue && a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}
