package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingSubscriber struct {
	count int
}

func (c *countingSubscriber) OnEvent(GameEvent) { c.count++ }

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	a := &countingSubscriber{}
	b := &countingSubscriber{}

	bus.Subscribe(a)
	bus.Subscribe(b)
	bus.Publish(SessionCancelledEvent{SessionID: "ses_1", timestamp: time.Now()})
	assert.Equal(t, 1, a.count)
	assert.Equal(t, 1, b.count)

	bus.Unsubscribe(a)
	bus.Publish(BetPlacedEvent{SessionID: "ses_1", timestamp: time.Now()})
	assert.Equal(t, 1, a.count)
	assert.Equal(t, 2, b.count)
}

func TestEventTypes(t *testing.T) {
	now := time.Now()
	tests := []struct {
		event GameEvent
		want  EventType
	}{
		{SessionCreatedEvent{timestamp: now}, EventTypeSessionCreated},
		{BetPlacedEvent{timestamp: now}, EventTypeBetPlaced},
		{SessionSettledEvent{timestamp: now}, EventTypeSessionSettled},
		{SessionCancelledEvent{timestamp: now}, EventTypeSessionCancelled},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.event.EventType())
		assert.Equal(t, now, tt.event.Timestamp())
		assert.Equal(t, string(tt.want), tt.want.String())
	}
}

func TestMachineTransitions(t *testing.T) {
	m := newMachine(StatusActive)
	assert.True(t, m.Can(eventSpin))
	assert.True(t, m.Can(eventCancel))
	assert.False(t, m.Can(eventSettle))

	status, err := fire(t.Context(), m, eventSpin)
	assert.NoError(t, err)
	assert.Equal(t, StatusSpinning, status)

	_, err = fire(t.Context(), m, eventCancel)
	assert.ErrorIs(t, err, ErrSessionNotActive, "cancel is only reachable from ACTIVE")

	status, err = fire(t.Context(), m, eventSettle)
	assert.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.True(t, status.Terminal())
}
