package guard

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
)

type severity int

const (
	severityMedium severity = iota
	severityHigh
)

type hit struct {
	name       string
	severity   severity
	retryAfter time.Duration
}

type observedBet struct {
	at     time.Time
	amount decimal.Decimal
}

// PatternGuard looks at a user's recent accepted bets for rapid-fire betting,
// machine-regular timing and long runs of identical amounts. Repeated high
// severity hits escalate into a block.
type PatternGuard struct {
	mu      sync.Mutex
	clock   quartz.Clock
	cfg     PatternConfig
	history *cache.Cache
	strikes *cache.Cache
	blocks  *cache.Cache
}

// NewPatternGuard creates a detector from cfg.
func NewPatternGuard(cfg PatternConfig, clock quartz.Clock) *PatternGuard {
	return &PatternGuard{
		clock:   clock,
		cfg:     cfg,
		history: cache.New(time.Hour, 10*time.Minute),
		strikes: cache.New(cfg.StrikeWindow, 10*time.Minute),
		blocks:  cache.New(cfg.BlockDuration, 10*time.Minute),
	}
}

// Check screens a candidate bet of amount by userID.
func (p *PatternGuard) Check(userID string, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if v, ok := p.blocks.Get(userID); ok {
		if until := v.(time.Time); now.Before(until) {
			return &Rejection{Kind: KindPattern, Action: ActionBet, Reason: "blocked for suspicious betting", RetryAfter: until.Sub(now)}
		}
	}

	h := p.detect(p.bets(userID), amount, now)
	if h == nil {
		return nil
	}

	if h.severity == severityHigh && p.strike(userID, now) {
		until := now.Add(p.cfg.BlockDuration)
		p.blocks.Set(userID, until, p.cfg.BlockDuration)
		p.strikes.Delete(userID)
		return &Rejection{
			Kind:       KindPattern,
			Action:     ActionBet,
			Reason:     fmt.Sprintf("%s, blocked after %d strikes", h.name, p.cfg.Strikes),
			RetryAfter: p.cfg.BlockDuration,
		}
	}
	return &Rejection{Kind: KindPattern, Action: ActionBet, Reason: h.name, RetryAfter: p.retryHint(h)}
}

// retryHint never returns zero so every rejection carries a cooldown.
func (p *PatternGuard) retryHint(h *hit) time.Duration {
	switch {
	case h.retryAfter > 0:
		return h.retryAfter
	case p.cfg.Cooldown > 0:
		return p.cfg.Cooldown
	default:
		return time.Second
	}
}

// Observe records an accepted bet.
func (p *PatternGuard) Observe(userID string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bets := append(p.bets(userID), observedBet{at: p.clock.Now(), amount: amount})
	if n := p.cfg.History; n > 0 && len(bets) > n {
		bets = bets[len(bets)-n:]
	}
	p.history.Set(userID, bets, cache.DefaultExpiration)
}

func (p *PatternGuard) bets(userID string) []observedBet {
	v, ok := p.history.Get(userID)
	if !ok {
		return nil
	}
	src := v.([]observedBet)
	out := make([]observedBet, len(src), len(src)+1)
	copy(out, src)
	return out
}

// strike records a high severity hit and reports whether the user has now
// reached the strike limit inside the strike window.
func (p *PatternGuard) strike(userID string, now time.Time) bool {
	var recent []time.Time
	if v, ok := p.strikes.Get(userID); ok {
		for _, t := range v.([]time.Time) {
			if now.Sub(t) < p.cfg.StrikeWindow {
				recent = append(recent, t)
			}
		}
	}
	recent = append(recent, now)
	p.strikes.Set(userID, recent, p.cfg.StrikeWindow)
	return len(recent) >= p.cfg.Strikes
}

func (p *PatternGuard) detect(history []observedBet, amount decimal.Decimal, now time.Time) *hit {
	if h := p.rapidFire(history, now); h != nil {
		return h
	}
	if h := p.regularTiming(history, now); h != nil {
		return h
	}
	return p.identicalAmounts(history, amount)
}

func (p *PatternGuard) rapidFire(history []observedBet, now time.Time) *hit {
	if p.cfg.RapidCount <= 0 {
		return nil
	}
	var (
		count  int
		oldest time.Time
	)
	for _, b := range history {
		if now.Sub(b.at) <= p.cfg.RapidWindow {
			if count == 0 {
				oldest = b.at
			}
			count++
		}
	}
	if count < p.cfg.RapidCount {
		return nil
	}
	return &hit{
		name:       fmt.Sprintf("%d bets within %s", count, p.cfg.RapidWindow),
		severity:   severityHigh,
		retryAfter: oldest.Add(p.cfg.RapidWindow).Sub(now),
	}
}

// regularTiming flags bet intervals, the candidate's included, whose
// coefficient of variation is below MaxTimingCV.
func (p *PatternGuard) regularTiming(history []observedBet, now time.Time) *hit {
	if p.cfg.MinIntervals <= 0 || len(history) < p.cfg.MinIntervals {
		return nil
	}

	intervals := make([]float64, 0, len(history))
	for i := 1; i < len(history); i++ {
		intervals = append(intervals, history[i].at.Sub(history[i-1].at).Seconds())
	}
	intervals = append(intervals, now.Sub(history[len(history)-1].at).Seconds())

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		return nil
	}

	var sq float64
	for _, v := range intervals {
		sq += (v - mean) * (v - mean)
	}
	cv := math.Sqrt(sq/float64(len(intervals))) / mean
	if cv >= p.cfg.MaxTimingCV {
		return nil
	}
	return &hit{
		name:     fmt.Sprintf("regular bet timing (cv %.3f over %d intervals)", cv, len(intervals)),
		severity: severityHigh,
	}
}

func (p *PatternGuard) identicalAmounts(history []observedBet, amount decimal.Decimal) *hit {
	run := p.cfg.IdenticalRun
	if run <= 1 || len(history) < run-1 {
		return nil
	}
	for _, b := range history[len(history)-(run-1):] {
		if !b.amount.Equal(amount) {
			return nil
		}
	}
	return &hit{
		name:     fmt.Sprintf("%d identical bet amounts in a row", run),
		severity: severityMedium,
	}
}
