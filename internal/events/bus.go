// Package events carries the domain events the entity processor emits
// as records flow through the write path, including the
// indexing-requested events the pipeline consumes.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened to an entity.
type EventType string

const (
	RecordCreated            EventType = "record.created"
	RecordContentUpdated     EventType = "record.content_updated"
	RecordMetadataUpdated    EventType = "record.metadata_updated"
	RecordPermissionsUpdated EventType = "record.permissions_updated"
	RecordDeleted            EventType = "record.deleted"
	RecordIndexingRequested  EventType = "record.indexing_requested"

	SyncStarted   EventType = "sync.started"
	SyncCompleted EventType = "sync.completed"
	SyncFailed    EventType = "sync.failed"
)

// Event is one domain event.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	Timestamp   time.Time         `json:"timestamp"`
	ConnectorID string            `json:"connector_id"`
	OrgID       string            `json:"org_id"`
	RecordID    string            `json:"record_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Handler consumes events. Handlers run synchronously on the publisher
// goroutine; slow consumers should hand off internally.
type Handler func(Event)

// Bus is a minimal in-process publish/subscribe fan-out.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]subscription
}

type subscription struct {
	types   map[EventType]bool
	handler Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string]subscription)}
}

// Subscribe registers a handler for the given event types (all types
// when none are given) and returns an unsubscribe func.
func (b *Bus) Subscribe(handler Handler, types ...EventType) func() {
	id := uuid.NewString()
	sub := subscription{handler: handler}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.handlers[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish delivers the event to all matching subscribers.
func (b *Bus) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.handlers))
	for _, sub := range b.handlers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types == nil || sub.types[event.Type] {
			sub.handler(event)
		}
	}
}
