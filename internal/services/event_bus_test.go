package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestEventBusFanOut(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()

	var calls int32
	for i := 0; i < 3; i++ {
		bus.On("battery.low", func(_ context.Context, event Event) error {
			atomic.AddInt32(&calls, 1)
			if event.Type != "battery.low" {
				t.Errorf("Handler received wrong type %q", event.Type)
			}
			return nil
		})
	}

	event := bus.Emit(ctx, "battery.low", map[string]interface{}{"level": 12.0}, nil)
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 handler calls, got %d", got)
	}
	if event.ID == "" || event.EmittedAt.IsZero() {
		t.Errorf("Emitted event missing identity: %+v", event)
	}
}

func TestEventBusHandlerIsolation(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()

	var healthyRan bool
	var mu sync.Mutex

	bus.On("companion.checkin", func(context.Context, Event) error {
		panic("boom")
	})
	bus.On("companion.checkin", func(context.Context, Event) error {
		return fmt.Errorf("handler failed")
	})
	bus.On("companion.checkin", func(context.Context, Event) error {
		mu.Lock()
		healthyRan = true
		mu.Unlock()
		return nil
	})

	// Must not panic and must still run the healthy sibling.
	bus.Emit(ctx, "companion.checkin", nil, nil)

	mu.Lock()
	defer mu.Unlock()
	if !healthyRan {
		t.Error("Healthy handler was not run alongside failing siblings")
	}
}

func TestEventBusOff(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()

	var calls int32
	subID := bus.On("user.message", func(context.Context, Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if bus.SubscriberCount("user.message") != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", bus.SubscriberCount("user.message"))
	}

	bus.Off("user.message", subID)
	if bus.SubscriberCount("user.message") != 0 {
		t.Errorf("Expected 0 subscribers after Off, got %d", bus.SubscriberCount("user.message"))
	}

	bus.Emit(ctx, "user.message", nil, nil)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("Removed handler was still called %d time(s)", got)
	}

	// Unknown ids are a no-op.
	bus.Off("user.message", "nope")
	bus.Off("never.seen", "nope")
}

func TestEventBusRecordsWithoutSubscribers(t *testing.T) {
	bus := NewEventBus()
	bus.Emit(context.Background(), "sensor.reading", map[string]interface{}{"temp": 21.5}, nil)

	recent := bus.RecentEvents("sensor.reading", 0)
	if len(recent) != 1 {
		t.Fatalf("Expected 1 recorded event, got %d", len(recent))
	}
}

func TestEventBusRecentEvents(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		bus.Emit(ctx, "tick", map[string]interface{}{"n": i}, nil)
	}
	bus.Emit(ctx, "tock", nil, nil)

	tests := []struct {
		name      string
		eventType string
		limit     int
		expected  int
	}{
		{"typed filter", "tick", 0, 5},
		{"typed filter with limit", "tick", 2, 2},
		{"all types", "", 0, 6},
		{"unknown type", "gong", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bus.RecentEvents(tt.eventType, tt.limit)
			if len(got) != tt.expected {
				t.Errorf("Expected %d events, got %d", tt.expected, len(got))
			}
		})
	}

	// Newest first.
	newest := bus.RecentEvents("tick", 1)
	if n, ok := newest[0].Data["n"].(int); !ok || n != 4 {
		t.Errorf("Expected newest tick first, got %+v", newest[0].Data)
	}
}

func TestEventBusHistoryRing(t *testing.T) {
	bus := NewEventBus()
	ctx := context.Background()

	for i := 0; i < maxRecentEvents+25; i++ {
		bus.Emit(ctx, "tick", map[string]interface{}{"n": i}, nil)
	}

	all := bus.RecentEvents("", 0)
	if len(all) != maxRecentEvents {
		t.Fatalf("Expected ring capped at %d, got %d", maxRecentEvents, len(all))
	}
	// Oldest surviving entry is the 26th emission.
	oldest := all[len(all)-1]
	if n, ok := oldest.Data["n"].(int); !ok || n != 25 {
		t.Errorf("Expected oldest surviving event n=25, got %+v", oldest.Data)
	}
}
