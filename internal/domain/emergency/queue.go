package emergency

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/edqueue/internal/platform/clock"
)

// Queue is the scheduling core. It holds one bucket per queued acuity class,
// the single in-service slot, and the list of bypass-class patients sent to
// immediate care. All state sits behind one mutex and no method blocks or
// performs I/O, so a Queue can be shared by any number of workstations.
type Queue struct {
	mu        sync.Mutex
	clock     clock.Clock
	policy    AcuityPolicy
	buckets   map[AcuityClass]*bucket
	waiting   map[uuid.UUID]*bucketItem
	inService *WaitingEntry
	immediate map[uuid.UUID]WaitingEntry
}

// NewQueue returns an empty queue scheduling with the canonical policy.
func NewQueue(clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	q := &Queue{clock: clk, policy: CanonicalPolicy()}
	q.reset()
	return q
}

func (q *Queue) reset() {
	q.buckets = make(map[AcuityClass]*bucket)
	for _, c := range q.policy.Queued() {
		q.buckets[c] = &bucket{}
	}
	q.waiting = make(map[uuid.UUID]*bucketItem)
	q.inService = nil
	q.immediate = make(map[uuid.UUID]WaitingEntry)
}

// Policy returns the acuity table the queue schedules with.
func (q *Queue) Policy() AcuityPolicy {
	return q.policy
}

// Now reads the queue's clock.
func (q *Queue) Now() time.Time {
	return q.clock.Now()
}

// Enqueue stamps e with the current time and places it in its class bucket.
// The stored entry is returned so callers can persist the same timestamp.
func (q *Queue) Enqueue(e WaitingEntry) (WaitingEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkQueueable(e); err != nil {
		return WaitingEntry{}, err
	}
	e.EnqueuedAt = q.clock.Now()
	q.push(e)
	return e, nil
}

func (q *Queue) checkQueueable(e WaitingEntry) error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: entry id is required", ErrValidation)
	}
	if !q.policy.Known(e.Acuity) {
		return fmt.Errorf("%w: unknown acuity %q", ErrValidation, e.Acuity)
	}
	if q.policy.IsBypass(e.Acuity) {
		return fmt.Errorf("enqueue %s: %w", e.ID, ErrImmediateCare)
	}
	if _, ok := q.locate(e.ID); ok {
		return fmt.Errorf("enqueue %s: %w", e.ID, ErrDuplicateEntry)
	}
	return nil
}

func (q *Queue) push(e WaitingEntry) {
	it := &bucketItem{entry: e}
	heap.Push(q.buckets[e.Acuity], it)
	q.waiting[e.ID] = it
}

// locate reports where id currently lives. Callers hold q.mu.
func (q *Queue) locate(id uuid.UUID) (QueueStatus, bool) {
	if _, ok := q.waiting[id]; ok {
		return StatusWaiting, true
	}
	if q.inService != nil && q.inService.ID == id {
		return StatusInService, true
	}
	if _, ok := q.immediate[id]; ok {
		return StatusImmediate, true
	}
	return "", false
}

// CallNext reserves the next patient: the oldest overdue entry if any,
// otherwise the head of the most urgent non-empty class. The check, removal
// and slot reservation happen in one critical section.
func (q *Queue) CallNext() (WaitingEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inService != nil {
		return WaitingEntry{}, ErrSlotOccupied
	}

	now := q.clock.Now()
	var (
		best     EntryView
		bestFrom *bucket
	)
	for _, c := range q.policy.Queued() {
		b := q.buckets[c]
		it, ok := b.head()
		if !ok {
			continue
		}
		v := q.policy.View(it.entry, now)
		if bestFrom == nil || servedBefore(v, best) {
			best, bestFrom = v, b
		}
	}
	if bestFrom == nil {
		return WaitingEntry{}, ErrEmptyQueue
	}

	heap.Pop(bestFrom)
	delete(q.waiting, best.ID)
	e := best.WaitingEntry
	q.inService = &e
	return e, nil
}

// Finish releases the slot for good; the entry is served.
func (q *Queue) Finish() (WaitingEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inService == nil {
		return WaitingEntry{}, ErrNoActiveService
	}
	e := *q.inService
	q.inService = nil
	return e, nil
}

// Requeue hands the in-service entry back to its bucket with its original
// enqueue time, so the patient keeps their place.
func (q *Queue) Requeue() (WaitingEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inService == nil {
		return WaitingEntry{}, ErrNoActiveService
	}
	e := *q.inService
	q.inService = nil
	q.push(e)
	return e, nil
}

// Remove takes id out of the queue wherever it is. A reason is mandatory;
// recording it is the caller's job.
func (q *Queue) Remove(id uuid.UUID, reason string) (WaitingEntry, error) {
	e, _, err := q.take(id, reason)
	return e, err
}

// take is Remove that also reports where the entry was, so a failed durable
// write can put it back.
func (q *Queue) take(id uuid.UUID, reason string) (WaitingEntry, QueueStatus, error) {
	if strings.TrimSpace(reason) == "" {
		return WaitingEntry{}, "", fmt.Errorf("%w: removal reason is required", ErrValidation)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e, from, ok := q.withdraw(id)
	if !ok {
		return WaitingEntry{}, "", fmt.Errorf("remove %s: %w", id, ErrNotFound)
	}
	return e, from, nil
}

// withdraw drops id from whichever container holds it. Callers hold q.mu.
func (q *Queue) withdraw(id uuid.UUID) (WaitingEntry, QueueStatus, bool) {
	if it, ok := q.waiting[id]; ok {
		heap.Remove(q.buckets[it.entry.Acuity], it.index)
		delete(q.waiting, id)
		return it.entry, StatusWaiting, true
	}
	if q.inService != nil && q.inService.ID == id {
		e := *q.inService
		q.inService = nil
		return e, StatusInService, true
	}
	if e, ok := q.immediate[id]; ok {
		delete(q.immediate, id)
		return e, StatusImmediate, true
	}
	return WaitingEntry{}, "", false
}

// place admits an entry whose durable record already exists, keeping its
// EnqueuedAt. Bypass entries go to the immediate list.
func (q *Queue) place(e WaitingEntry) (WaitingEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.clock.Now()
	}
	if q.policy.IsBypass(e.Acuity) {
		if err := q.checkImmediate(e); err != nil {
			return WaitingEntry{}, err
		}
		q.immediate[e.ID] = e
		return e, nil
	}
	if err := q.checkQueueable(e); err != nil {
		return WaitingEntry{}, err
	}
	q.push(e)
	return e, nil
}

// uncall returns id to its bucket if it still holds the slot. Used when the
// durable record of a call could not be written.
func (q *Queue) uncall(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inService == nil || q.inService.ID != id {
		return false
	}
	e := *q.inService
	q.inService = nil
	q.push(e)
	return true
}

// recall moves id from its bucket back into a free slot, undoing a Requeue
// whose durable write failed.
func (q *Queue) recall(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.waiting[id]
	if !ok || q.inService != nil {
		return false
	}
	heap.Remove(q.buckets[it.entry.Acuity], it.index)
	delete(q.waiting, id)
	e := it.entry
	q.inService = &e
	return true
}

// reinstate puts e back where it was before a Finish or Remove whose durable
// write failed. It refuses when the id has reappeared or the slot is taken.
func (q *Queue) reinstate(e WaitingEntry, where QueueStatus) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.locate(e.ID); ok {
		return false
	}
	switch where {
	case StatusWaiting:
		if q.checkQueueable(e) != nil {
			return false
		}
		q.push(e)
	case StatusInService:
		if q.inService != nil {
			return false
		}
		q.inService = &e
	case StatusImmediate:
		if q.checkImmediate(e) != nil {
			return false
		}
		q.immediate[e.ID] = e
	default:
		return false
	}
	return true
}

// Snapshot returns the waiting entries in the order CallNext would serve
// them. The in-service and immediate entries are not included.
func (q *Queue) Snapshot() []WaitingEntry {
	views := q.Views()
	out := make([]WaitingEntry, len(views))
	for i, v := range views {
		out[i] = v.WaitingEntry
	}
	return out
}

// Views is Snapshot with each entry's elapsed and remaining minutes, all
// evaluated at the same instant used to order them.
func (q *Queue) Views() []EntryView {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.viewsAt(q.clock.Now())
}

func (q *Queue) viewsAt(now time.Time) []EntryView {
	views := make([]EntryView, 0, len(q.waiting))
	for _, it := range q.waiting {
		views = append(views, q.policy.View(it.entry, now))
	}
	sort.Slice(views, func(i, j int) bool {
		return servedBefore(views[i], views[j])
	})
	return views
}

// InService returns the entry holding the slot, if any.
func (q *Queue) InService() (WaitingEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inService == nil {
		return WaitingEntry{}, false
	}
	return *q.inService, true
}

// MarkImmediate records a bypass-class patient sent straight to care. The
// entry never enters a bucket but still counts for duplicate detection.
func (q *Queue) MarkImmediate(e WaitingEntry) (WaitingEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkImmediate(e); err != nil {
		return WaitingEntry{}, err
	}
	e.EnqueuedAt = q.clock.Now()
	q.immediate[e.ID] = e
	return e, nil
}

func (q *Queue) checkImmediate(e WaitingEntry) error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: entry id is required", ErrValidation)
	}
	if !q.policy.IsBypass(e.Acuity) {
		return fmt.Errorf("%w: acuity %q does not bypass the queue", ErrValidation, e.Acuity)
	}
	if _, ok := q.locate(e.ID); ok {
		return fmt.Errorf("mark immediate %s: %w", e.ID, ErrDuplicateEntry)
	}
	return nil
}

// ClearImmediate drops id from the immediate list once care has begun.
func (q *Queue) ClearImmediate(id uuid.UUID) (WaitingEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.immediate[id]
	if !ok {
		return WaitingEntry{}, fmt.Errorf("clear immediate %s: %w", id, ErrNotFound)
	}
	delete(q.immediate, id)
	return e, nil
}

// Immediate lists bypass-class patients awaiting care, oldest first.
func (q *Queue) Immediate() []WaitingEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]WaitingEntry, 0, len(q.immediate))
	for _, e := range q.immediate {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Len returns the number of waiting entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Status reports where id currently is.
func (q *Queue) Status(id uuid.UUID) (QueueStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.locate(id)
}

// Restore replaces the whole queue state with entries loaded from storage,
// keeping their stored timestamps. Nothing changes if any entry is invalid.
func (q *Queue) Restore(waiting []WaitingEntry, inService *WaitingEntry, immediate []WaitingEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	staged := &Queue{clock: q.clock, policy: q.policy}
	staged.reset()

	for _, e := range waiting {
		if err := staged.checkQueueable(e); err != nil {
			return fmt.Errorf("restore waiting: %w", err)
		}
		staged.push(e)
	}
	if inService != nil {
		if err := staged.checkQueueable(*inService); err != nil {
			return fmt.Errorf("restore in service: %w", err)
		}
		e := *inService
		staged.inService = &e
	}
	for _, e := range immediate {
		if err := staged.checkImmediate(e); err != nil {
			return fmt.Errorf("restore immediate: %w", err)
		}
		staged.immediate[e.ID] = e
	}

	q.buckets = staged.buckets
	q.waiting = staged.waiting
	q.inService = staged.inService
	q.immediate = staged.immediate
	return nil
}
