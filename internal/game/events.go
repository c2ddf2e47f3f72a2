package game

import (
	"sync"
	"time"
)

// EventType represents an engine event type with type safety
type EventType string

// EventType constants for session lifecycle events
const (
	EventTypeSessionCreated   EventType = "session_created"
	EventTypeBetPlaced        EventType = "bet_placed"
	EventTypeSessionSettled   EventType = "session_settled"
	EventTypeSessionCancelled EventType = "session_cancelled"
)

// String returns the string representation of the event type
func (et EventType) String() string {
	return string(et)
}

// GameEvent represents anything the engine announces about a session
type GameEvent interface {
	EventType() EventType
	Timestamp() time.Time
}

// SessionCreatedEvent is published when a new session opens
type SessionCreatedEvent struct {
	Session   SessionView
	timestamp time.Time
}

func (e SessionCreatedEvent) EventType() EventType { return EventTypeSessionCreated }
func (e SessionCreatedEvent) Timestamp() time.Time { return e.timestamp }

// BetPlacedEvent is published after a bet has been stored
type BetPlacedEvent struct {
	SessionID string
	UserID    string
	Bet       Bet
	timestamp time.Time
}

func (e BetPlacedEvent) EventType() EventType { return EventTypeBetPlaced }
func (e BetPlacedEvent) Timestamp() time.Time { return e.timestamp }

// SessionSettledEvent is published once a spin has been resolved and stored
type SessionSettledEvent struct {
	Result    SpinResult
	timestamp time.Time
}

func (e SessionSettledEvent) EventType() EventType { return EventTypeSessionSettled }
func (e SessionSettledEvent) Timestamp() time.Time { return e.timestamp }

// SessionCancelledEvent is published when an ACTIVE session is cancelled
type SessionCancelledEvent struct {
	SessionID string
	UserID    string
	Reason    string
	timestamp time.Time
}

func (e SessionCancelledEvent) EventType() EventType { return EventTypeSessionCancelled }
func (e SessionCancelledEvent) Timestamp() time.Time { return e.timestamp }

// EventSubscriber receives engine events
type EventSubscriber interface {
	OnEvent(event GameEvent)
}

// EventSubscriberFunc adapts a function to EventSubscriber
type EventSubscriberFunc func(event GameEvent)

func (f EventSubscriberFunc) OnEvent(event GameEvent) { f(event) }

// EventBus manages event publishing and subscription
type EventBus interface {
	Subscribe(subscriber EventSubscriber)
	Unsubscribe(subscriber EventSubscriber)
	Publish(event GameEvent)
}

// SimpleEventBus is a synchronous in-memory event bus. Subscribers are called
// on the publishing goroutine, outside the bus lock.
type SimpleEventBus struct {
	mu          sync.RWMutex
	subscribers []EventSubscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *SimpleEventBus {
	return &SimpleEventBus{
		subscribers: make([]EventSubscriber, 0),
	}
}

// Subscribe adds a subscriber to receive events
func (bus *SimpleEventBus) Subscribe(subscriber EventSubscriber) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.subscribers = append(bus.subscribers, subscriber)
}

// Unsubscribe removes a subscriber from receiving events. Subscribers must be
// comparable; function adapters cannot be removed.
func (bus *SimpleEventBus) Unsubscribe(subscriber EventSubscriber) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	for i, sub := range bus.subscribers {
		if sub == subscriber {
			bus.subscribers = append(bus.subscribers[:i:i], bus.subscribers[i+1:]...)
			break
		}
	}
}

// Publish sends an event to all subscribers
func (bus *SimpleEventBus) Publish(event GameEvent) {
	bus.mu.RLock()
	subs := bus.subscribers
	bus.mu.RUnlock()

	for _, subscriber := range subs {
		subscriber.OnEvent(event)
	}
}
