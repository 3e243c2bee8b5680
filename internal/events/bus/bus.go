// Package bus provides the event bus the edge worker components communicate
// over: an in-memory implementation for single-process deployments and a NATS
// implementation when an external broker is configured.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the wire shape both bus implementations carry. Payload fields live
// in Data so subscribers can decode what they need without a schema per type.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an event with a fresh id and the current UTC time. Source
// names the component that produced it. A nil data map is replaced with an
// empty one so callers can add fields afterwards.
func NewEvent(kind, source string, data map[string]interface{}) *Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Event{
		ID:        uuid.NewString(),
		Type:      kind,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler receives one delivered event. Returning an error only logs it;
// there is no redelivery.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live registration that can be released independently of
// the bus.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the one-way fan-out the worker's components publish over.
// Subjects use NATS semantics, so subscribers can follow one session by
// exact subject or a whole category by wildcard.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close releases all subscriptions; the bus is unusable afterwards.
	Close()
	IsConnected() bool
}
