package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPositionUpdated       EventType = "position_updated"
	EventTradingStateChanged   EventType = "trading_state_changed"
	EventRiskParametersUpdated EventType = "risk_parameters_updated"
	EventSystemConfigUpdated   EventType = "system_config_updated"
	EventSystemStateChanged    EventType = "system_state_changed"
	EventEmergencyStop         EventType = "emergency_stop"
	EventMarketDataUpdated     EventType = "market_data_updated"
	EventCircuitBreakerUpdate  EventType = "circuit_breaker_update"
	EventRiskViolation         EventType = "risk_violation"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
	published   uint64
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run in their own
// goroutines so a slow callback never blocks the publisher.
func (eb *EventBus) Publish(event Event) {
	eb.mu.Lock()
	eb.published++
	eb.mu.Unlock()

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishedCount returns the total number of events published so far
func (eb *EventBus) PublishedCount() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.published
}

// PublishPositionUpdated publishes a position updated event
func (eb *EventBus) PublishPositionUpdated(symbol, side string, quantity int64, currentPrice, unrealizedPnL float64, tradingState string) {
	eb.Publish(Event{
		Type: EventPositionUpdated,
		Data: map[string]interface{}{
			"symbol":         symbol,
			"side":           side,
			"quantity":       quantity,
			"current_price":  currentPrice,
			"unrealized_pnl": unrealizedPnL,
			"trading_state":  tradingState,
		},
	})
}

// PublishTradingStateChanged publishes a trading state transition
func (eb *EventBus) PublishTradingStateChanged(oldState, newState string) {
	eb.Publish(Event{
		Type: EventTradingStateChanged,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
		},
	})
}

// PublishSystemStateChanged publishes a system lifecycle transition
func (eb *EventBus) PublishSystemStateChanged(oldState, newState string) {
	eb.Publish(Event{
		Type: EventSystemStateChanged,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
		},
	})
}

// PublishEmergencyStop publishes an emergency stop event
func (eb *EventBus) PublishEmergencyStop(reason string) {
	eb.Publish(Event{
		Type: EventEmergencyStop,
		Data: map[string]interface{}{
			"reason":   reason,
			"severity": "EMERGENCY",
		},
	})
}

// PublishMarketDataUpdated publishes a market tick event
func (eb *EventBus) PublishMarketDataUpdated(symbol string, close float64, source string) {
	eb.Publish(Event{
		Type: EventMarketDataUpdated,
		Data: map[string]interface{}{
			"symbol": symbol,
			"close":  close,
			"source": source,
		},
	})
}

// PublishCircuitBreakerUpdate publishes a circuit breaker state change
func (eb *EventBus) PublishCircuitBreakerUpdate(active bool, action, reason string) {
	eb.Publish(Event{
		Type: EventCircuitBreakerUpdate,
		Data: map[string]interface{}{
			"active": active,
			"action": action,
			"reason": reason,
		},
	})
}

// PublishRiskViolation publishes a recorded risk violation
func (eb *EventBus) PublishRiskViolation(level, message, ruleType string) {
	eb.Publish(Event{
		Type: EventRiskViolation,
		Data: map[string]interface{}{
			"level":     level,
			"message":   message,
			"rule_type": ruleType,
		},
	})
}
