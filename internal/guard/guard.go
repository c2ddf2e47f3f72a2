// Package guard throttles and screens player actions before they reach the
// engine: a sliding-window rate limiter keyed by user and by IP, and a
// pattern detector that looks for bot-like betting.
package guard

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/shopspring/decimal"
)

// Action names a throttled operation.
type Action string

const (
	ActionBet           Action = "bet"
	ActionSessionCreate Action = "session_create"
	ActionSpin          Action = "spin"
	ActionWSMessage     Action = "ws_message"
)

var (
	ErrRateLimited       = errors.New("rate limited")
	ErrSuspiciousPattern = errors.New("suspicious betting pattern")
)

// Kind says which check rejected an action.
type Kind string

const (
	KindRateLimit Kind = "rate_limit"
	KindPattern   Kind = "pattern"
)

// Rejection is returned when an action is refused. It unwraps to
// ErrRateLimited or ErrSuspiciousPattern.
type Rejection struct {
	Kind       Kind
	Action     Action
	Reason     string
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", r.Unwrap(), r.Reason, r.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%s: %s", r.Unwrap(), r.Reason)
}

func (r *Rejection) Unwrap() error {
	if r.Kind == KindPattern {
		return ErrSuspiciousPattern
	}
	return ErrRateLimited
}

// Window is a sliding-window limit.
type Window struct {
	Limit  int
	Period time.Duration
}

// PatternConfig tunes the pattern detector.
type PatternConfig struct {
	History       int
	RapidCount    int
	RapidWindow   time.Duration
	IdenticalRun  int
	MinIntervals  int
	MaxTimingCV   float64
	Strikes       int
	StrikeWindow  time.Duration
	BlockDuration time.Duration
	// Cooldown is the retry hint for hits that do not expire on their own.
	Cooldown time.Duration
}

// Config configures a Guard.
type Config struct {
	Windows      map[Action]Window
	IPMultiplier int
	Cooldown     time.Duration
	Pattern      PatternConfig
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Windows: map[Action]Window{
			ActionBet:           {Limit: 20, Period: time.Minute},
			ActionSessionCreate: {Limit: 10, Period: 5 * time.Minute},
			ActionSpin:          {Limit: 15, Period: time.Minute},
			ActionWSMessage:     {Limit: 100, Period: time.Minute},
		},
		IPMultiplier: 5,
		Cooldown:     time.Minute,
		Pattern: PatternConfig{
			History:       50,
			RapidCount:    10,
			RapidWindow:   30 * time.Second,
			IdenticalRun:  20,
			MinIntervals:  10,
			MaxTimingCV:   0.1,
			Strikes:       3,
			StrikeWindow:  10 * time.Minute,
			BlockDuration: 15 * time.Minute,
			Cooldown:      30 * time.Second,
		},
	}
}

// Guard combines the rate limiter and the pattern detector.
type Guard struct {
	limiter  *RateLimiter
	patterns *PatternGuard
	logger   *log.Logger
}

// New creates a guard. A nil logger discards output.
func New(cfg Config, clock quartz.Clock, logger *log.Logger) *Guard {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Guard{
		limiter:  NewRateLimiter(cfg, clock),
		patterns: NewPatternGuard(cfg.Pattern, clock),
		logger:   logger.WithPrefix("guard"),
	}
}

// Admit applies the rate limit for action.
func (g *Guard) Admit(userID, ip string, action Action) error {
	if err := g.limiter.Allow(userID, ip, action); err != nil {
		g.logger.Warn("Action rejected", "user", userID, "ip", ip, "action", action, "error", err)
		return err
	}
	return nil
}

// AdmitBet applies the bet rate limit and the pattern checks to a candidate bet.
func (g *Guard) AdmitBet(userID, ip string, amount decimal.Decimal) error {
	if err := g.Admit(userID, ip, ActionBet); err != nil {
		return err
	}
	if err := g.patterns.Check(userID, amount); err != nil {
		g.logger.Warn("Bet flagged", "user", userID, "ip", ip, "amount", amount, "error", err)
		return err
	}
	return nil
}

// RecordBet feeds an accepted bet to the pattern detector.
func (g *Guard) RecordBet(userID string, amount decimal.Decimal) {
	g.patterns.Observe(userID, amount)
}
