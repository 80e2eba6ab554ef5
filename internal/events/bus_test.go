package events

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	bus := NewEventBus()
	received := make(chan Event, 1)

	bus.Subscribe(EventPositionUpdated, func(e Event) {
		received <- e
	})

	bus.Publish(Event{
		Type: EventPositionUpdated,
		Data: map[string]interface{}{"symbol": "NQU25-CME"},
	})

	select {
	case e := <-received:
		if e.Type != EventPositionUpdated {
			t.Errorf("expected %s, got %s", EventPositionUpdated, e.Type)
		}
		if e.Data["symbol"] != "NQU25-CME" {
			t.Errorf("expected symbol NQU25-CME, got %v", e.Data["symbol"])
		}
		if e.Timestamp.IsZero() {
			t.Error("expected timestamp to be set on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received event")
	}
}

func TestSubscriberDoesNotReceiveOtherTypes(t *testing.T) {
	bus := NewEventBus()
	received := make(chan Event, 1)

	bus.Subscribe(EventEmergencyStop, func(e Event) {
		received <- e
	})

	bus.Publish(Event{Type: EventMarketDataUpdated, Data: map[string]interface{}{}})

	select {
	case e := <-received:
		t.Fatalf("subscriber received unexpected event: %s", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var got []EventType
	done := make(chan struct{}, 2)

	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.Publish(Event{Type: EventTradingStateChanged, Data: map[string]interface{}{}})
	bus.Publish(Event{Type: EventRiskViolation, Data: map[string]interface{}{}})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("all-events subscriber missed an event")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Errorf("expected 2 events, got %d", len(got))
	}
}

func TestPublishedCount(t *testing.T) {
	bus := NewEventBus()
	if bus.PublishedCount() != 0 {
		t.Fatalf("expected 0 published, got %d", bus.PublishedCount())
	}

	bus.PublishEmergencyStop("test reason")
	bus.PublishTradingStateChanged("FLAT", "LONG")

	if bus.PublishedCount() != 2 {
		t.Errorf("expected 2 published, got %d", bus.PublishedCount())
	}
}

func TestHelperPublishersCarryData(t *testing.T) {
	bus := NewEventBus()
	received := make(chan Event, 1)

	bus.Subscribe(EventCircuitBreakerUpdate, func(e Event) {
		received <- e
	})

	bus.PublishCircuitBreakerUpdate(true, "tripped", "daily loss")

	select {
	case e := <-received:
		if e.Data["active"] != true {
			t.Errorf("expected active=true, got %v", e.Data["active"])
		}
		if e.Data["reason"] != "daily loss" {
			t.Errorf("expected reason 'daily loss', got %v", e.Data["reason"])
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received event")
	}
}
