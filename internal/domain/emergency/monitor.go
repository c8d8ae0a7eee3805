package emergency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edqueue/internal/platform/notification"
)

// Monitor watches the waiting queue and announces each entry once, the
// first time it is seen overdue. An entry that leaves the queue is
// forgotten, so one that is requeued while overdue is announced again.
type Monitor struct {
	core     *Queue
	pub      notification.Publisher
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	notified map[uuid.UUID]struct{}
}

func NewMonitor(core *Queue, pub notification.Publisher, interval time.Duration, logger zerolog.Logger) *Monitor {
	if pub == nil {
		pub = notification.Discard
	}
	return &Monitor{
		core:     core,
		pub:      pub,
		interval: interval,
		logger:   logger.With().Str("component", "overdue_monitor").Logger(),
		notified: make(map[uuid.UUID]struct{}),
	}
}

type overdueData struct {
	ElapsedMinutes   int `json:"elapsed_minutes"`
	BudgetMinutes    int `json:"budget_minutes"`
	RemainingMinutes int `json:"remaining_minutes"`
}

// Check publishes an entry_overdue event for every newly overdue entry and
// returns how many were published. A failed publish is retried on the
// next check.
func (m *Monitor) Check(ctx context.Context) int {
	views := m.core.Views()
	now := m.core.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	present := make(map[uuid.UUID]struct{}, len(views))
	var fresh []EntryView
	for _, v := range views {
		present[v.ID] = struct{}{}
		if !v.Overdue {
			continue
		}
		if _, seen := m.notified[v.ID]; seen {
			continue
		}
		m.notified[v.ID] = struct{}{}
		fresh = append(fresh, v)
	}
	for id := range m.notified {
		if _, ok := present[id]; !ok {
			delete(m.notified, id)
		}
	}

	published := 0
	for _, v := range fresh {
		ev := notification.Event{
			Type:    notification.EventEntryOverdue,
			EntryID: v.ID,
			Acuity:  string(v.Acuity),
			At:      now,
		}.WithData(overdueData{
			ElapsedMinutes:   v.ElapsedMinutes,
			BudgetMinutes:    v.BudgetMinutes,
			RemainingMinutes: v.RemainingMinutes,
		})
		if err := m.pub.Publish(ctx, ev); err != nil {
			m.logger.Error().Err(err).Str("entry_id", v.ID.String()).Msg("publish overdue event failed")
			delete(m.notified, v.ID)
			continue
		}
		published++
		m.logger.Warn().Str("entry_id", v.ID.String()).Str("acuity", string(v.Acuity)).
			Int("elapsed_minutes", v.ElapsedMinutes).Msg("entry overdue")
	}
	return published
}

// Run checks the queue every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", m.interval).Msg("overdue monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("overdue monitor stopped")
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
