// Package notification carries queue events from the service layer to
// display boards, optionally through Redis so every instance sees them.
package notification

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a queue state change.
type EventType string

const (
	EventEnqueued      EventType = "enqueued"
	EventCalled        EventType = "called"
	EventFinished      EventType = "finished"
	EventRequeued      EventType = "requeued"
	EventRemoved       EventType = "removed"
	EventImmediateCare EventType = "immediate_care"
	EventEntryOverdue  EventType = "entry_overdue"
)

// Event is one queue state change as seen by subscribers.
type Event struct {
	Type    EventType       `json:"type"`
	EntryID uuid.UUID       `json:"entry_id"`
	Acuity  string          `json:"acuity,omitempty"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// WithData returns e with v marshalled into Data. Values that fail to
// marshal leave Data empty.
func (e Event) WithData(v interface{}) Event {
	if b, err := json.Marshal(v); err == nil {
		e.Data = b
	}
	return e
}

// Publisher delivers events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })
