package guard

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
}

func amount(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestRateLimiterRejectsTwentyFirstBet(t *testing.T) {
	ctx := context.Background()
	clk := quartz.NewMock(t)
	rl := NewRateLimiter(DefaultConfig(), clk)

	for i := 0; i < 20; i++ {
		require.NoError(t, rl.Allow("alice", "10.0.0.1", ActionBet), "bet %d", i+1)
		clk.Advance(time.Second).MustWait(ctx)
	}

	err := rl.Allow("alice", "10.0.0.1", ActionBet)
	require.ErrorIs(t, err, ErrRateLimited)

	var rej *Rejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, KindRateLimit, rej.Kind)
	assert.Equal(t, ActionBet, rej.Action)
	assert.Equal(t, time.Minute, rej.RetryAfter)

	assert.NoError(t, rl.Allow("bob", "10.0.0.1", ActionBet), "other users are unaffected")
	assert.NoError(t, rl.Allow("alice", "10.0.0.1", ActionSpin), "other actions are unaffected")

	// still cooling down
	clk.Advance(30 * time.Second).MustWait(ctx)
	err = rl.Allow("alice", "10.0.0.1", ActionBet)
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, 30*time.Second, rej.RetryAfter)

	clk.Advance(30 * time.Second).MustWait(ctx)
	assert.NoError(t, rl.Allow("alice", "10.0.0.1", ActionBet))
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	clk := quartz.NewMock(t)
	cfg := DefaultConfig()
	cfg.Windows[ActionSpin] = Window{Limit: 3, Period: time.Minute}
	rl := NewRateLimiter(cfg, clk)

	require.NoError(t, rl.Allow("alice", "", ActionSpin))
	clk.Advance(20 * time.Second).MustWait(ctx)
	require.NoError(t, rl.Allow("alice", "", ActionSpin))
	clk.Advance(20 * time.Second).MustWait(ctx)
	require.NoError(t, rl.Allow("alice", "", ActionSpin))

	// The first entry leaves the window at 60s, just after this point.
	clk.Advance(21 * time.Second).MustWait(ctx)
	assert.NoError(t, rl.Allow("alice", "", ActionSpin))
}

func TestRateLimiterIPLimit(t *testing.T) {
	clk := quartz.NewMock(t)
	cfg := DefaultConfig()
	cfg.Windows[ActionSessionCreate] = Window{Limit: 2, Period: time.Minute}
	rl := NewRateLimiter(cfg, clk)

	// five users from one address share an IP budget of 2*5
	for _, user := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, rl.Allow(user, "192.0.2.7", ActionSessionCreate))
		require.NoError(t, rl.Allow(user, "192.0.2.7", ActionSessionCreate))
	}
	err := rl.Allow("f", "192.0.2.7", ActionSessionCreate)
	assert.ErrorIs(t, err, ErrRateLimited)

	assert.NoError(t, rl.Allow("f", "192.0.2.8", ActionSessionCreate))
}

func TestRateLimiterRejectedAttemptsAreNotRecorded(t *testing.T) {
	clk := quartz.NewMock(t)
	cfg := DefaultConfig()
	cfg.Windows[ActionBet] = Window{Limit: 1, Period: time.Minute}
	cfg.IPMultiplier = 1
	rl := NewRateLimiter(cfg, clk)

	require.NoError(t, rl.Allow("alice", "192.0.2.1", ActionBet))
	// alice is over her limit, so bob's IP key must not be charged
	require.Error(t, rl.Allow("alice", "192.0.2.2", ActionBet))
	assert.NoError(t, rl.Allow("bob", "192.0.2.2", ActionBet))
}

func TestRateLimiterUnknownAction(t *testing.T) {
	rl := NewRateLimiter(DefaultConfig(), quartz.NewMock(t))
	for i := 0; i < 1000; i++ {
		require.NoError(t, rl.Allow("alice", "", Action("unthrottled")))
	}
}

func TestRejectionError(t *testing.T) {
	r := &Rejection{Kind: KindPattern, Action: ActionBet, Reason: "too fast", RetryAfter: 90 * time.Second}
	assert.ErrorIs(t, r, ErrSuspiciousPattern)
	assert.NotErrorIs(t, r, ErrRateLimited)
	assert.Contains(t, r.Error(), "too fast")
	assert.Contains(t, r.Error(), "1m30s")
}
