package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxRecentEvents is the size of the per-bus event history ring.
const maxRecentEvents = 100

// Event is one emission on the bus. Data and Metadata are owned by the
// emitter and must not be mutated by handlers.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	EmittedAt time.Time              `json:"emittedAt"`
}

// EventHandler consumes one event. A returned error is logged, never
// propagated to the emitter or to sibling handlers.
type EventHandler func(ctx context.Context, event Event) error

// EventBus is an in-memory pub/sub for trigger events. It decouples the
// components that notice things (context monitor, hardware feeds, handlers)
// from the autonomy engine that reacts to them.
//
// Emission is fan-out: every handler for the type runs on its own goroutine
// and Emit returns only when all of them settle. A panicking or failing
// handler never takes down its siblings.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string]map[string]EventHandler // eventType → subID → handler
	recent   []Event                            // FIFO ring, newest last
	now      func() time.Time
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[string]map[string]EventHandler),
		now:      time.Now,
	}
}

// On registers a handler for an event type and returns the subscription id
// used to remove it later.
func (b *EventBus) On(eventType string, handler EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	subID := uuid.New().String()
	if _, ok := b.handlers[eventType]; !ok {
		b.handlers[eventType] = make(map[string]EventHandler)
	}
	b.handlers[eventType][subID] = handler

	log.Printf("[EVENT-BUS] Subscribe: type=%s sub=%s (total=%d)", eventType, subID, len(b.handlers[eventType]))
	return subID
}

// Off removes a subscription. Unknown ids are a no-op.
func (b *EventBus) Off(eventType, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.handlers[eventType]; ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(b.handlers, eventType)
		}
		log.Printf("[EVENT-BUS] Unsubscribe: type=%s sub=%s (remaining=%d)", eventType, subID, len(subs))
	}
}

// Emit dispatches an event to every handler registered for its type and
// blocks until all of them finish. Handler errors and panics are recovered
// and logged; an event with no subscribers is still recorded in the history
// ring.
func (b *EventBus) Emit(ctx context.Context, eventType string, data, metadata map[string]interface{}) Event {
	event := Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Data:      data,
		Metadata:  metadata,
		EmittedAt: b.now(),
	}

	b.mu.Lock()
	b.recent = append(b.recent, event)
	if len(b.recent) > maxRecentEvents {
		b.recent = b.recent[len(b.recent)-maxRecentEvents:]
	}
	subs := make([]EventHandler, 0, len(b.handlers[eventType]))
	ids := make([]string, 0, len(b.handlers[eventType]))
	for id, h := range b.handlers[eventType] {
		subs = append(subs, h)
		ids = append(ids, id)
	}
	b.mu.Unlock()

	if len(subs) == 0 {
		return event
	}

	var wg sync.WaitGroup
	for i, handler := range subs {
		wg.Add(1)
		go func(subID string, h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("⚠️ [EVENT-BUS] Handler panic: type=%s sub=%s: %v", eventType, subID, r)
				}
			}()
			if err := h(ctx, event); err != nil {
				log.Printf("⚠️ [EVENT-BUS] Handler error: type=%s sub=%s: %v", eventType, subID, err)
			}
		}(ids[i], handler)
	}
	wg.Wait()

	return event
}

// RecentEvents returns up to limit events of the given type, newest first.
// An empty type matches everything.
func (b *EventBus) RecentEvents(eventType string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for i := len(b.recent) - 1; i >= 0; i-- {
		if eventType != "" && b.recent[i].Type != eventType {
			continue
		}
		out = append(out, b.recent[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// SubscriberCount returns the number of handlers registered for a type.
func (b *EventBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// String implements fmt.Stringer for debug logging.
func (b *EventBus) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("EventBus(types=%d, recent=%d)", len(b.handlers), len(b.recent))
}
