package game

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelIdleSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 30 * time.Minute
	h := newHarnessWithConfig(t, cfg)
	ctx := context.Background()

	idle := h.create(t, "alice", "")
	busy := h.create(t, "bob", "")

	h.clock.Advance(20 * time.Minute).MustWait(ctx)
	h.bet(t, busy.ID, "bob", "EVEN_ODD", "even", 5)
	assert.Zero(t, h.engine.CancelIdleSessions(ctx))

	h.clock.Advance(11 * time.Minute).MustWait(ctx)
	assert.Equal(t, 1, h.engine.CancelIdleSessions(ctx))

	view, err := h.engine.GetSession(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, view.Status)
	assert.Equal(t, CancelReasonIdle, view.CancelReason)

	view, err = h.engine.GetSession(ctx, busy.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, view.Status)

	cancelled := h.events.ofType(EventTypeSessionCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, idle.ID, cancelled[0].(SessionCancelledEvent).SessionID)
}

func TestRunSweepsOnTicker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 2 * time.Minute
	cfg.SweepInterval = time.Minute
	h := newHarnessWithConfig(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := h.create(t, "alice", "")

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.clock.Advance(time.Minute)
		view, err := h.engine.GetSession(context.Background(), s.ID)
		return err == nil && view.Status == StatusCancelled
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := h.create(t, "alice", "")
	done := h.create(t, "bob", "")
	_, err := h.engine.Spin(ctx, done.ID, "bob")
	require.NoError(t, err)

	// A second engine over the same store picks up the ACTIVE session only.
	restarted := NewEngine(h.store, DefaultConfig(), WithClock(h.clock), WithLogger(testLogger()))
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusActive, restarted.cachedStatus(s.ID))

	_, err = restarted.Spin(ctx, s.ID, "alice")
	require.NoError(t, err)
}
