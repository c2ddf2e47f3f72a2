package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/patrickmn/go-cache"
)

// RateLimiter keeps a sliding-window log of timestamps per (user, action) and
// per (ip, action). A key that exceeds its window is blocked for the cooldown.
//
// Decisions use the injected clock; the caches only evict idle keys.
type RateLimiter struct {
	mu       sync.Mutex
	clock    quartz.Clock
	windows  map[Action]Window
	ipMult   int
	cooldown time.Duration
	hits     *cache.Cache
	blocks   *cache.Cache
}

// NewRateLimiter creates a limiter from cfg.
func NewRateLimiter(cfg Config, clock quartz.Clock) *RateLimiter {
	windows := make(map[Action]Window, len(cfg.Windows))
	for a, w := range cfg.Windows {
		windows[a] = w
	}
	mult := cfg.IPMultiplier
	if mult < 1 {
		mult = 1
	}
	return &RateLimiter{
		clock:    clock,
		windows:  windows,
		ipMult:   mult,
		cooldown: cfg.Cooldown,
		hits:     cache.New(10*time.Minute, 5*time.Minute),
		blocks:   cache.New(cfg.Cooldown, 5*time.Minute),
	}
}

type limitKey struct {
	key   string
	limit int
}

// Allow records the action for userID and ip if both are under their limits.
// Either key being over its limit rejects the action and records nothing.
func (r *RateLimiter) Allow(userID, ip string, action Action) error {
	w, ok := r.windows[action]
	if !ok || w.Limit <= 0 || w.Period <= 0 {
		return nil
	}

	keys := make([]limitKey, 0, 2)
	if userID != "" {
		keys = append(keys, limitKey{key: fmt.Sprintf("user:%s:%s", userID, action), limit: w.Limit})
	}
	if ip != "" {
		keys = append(keys, limitKey{key: fmt.Sprintf("ip:%s:%s", ip, action), limit: w.Limit * r.ipMult})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	cutoff := now.Add(-w.Period)
	logs := make([][]time.Time, len(keys))

	for i, k := range keys {
		if until, ok := r.blockedUntil(k.key); ok && now.Before(until) {
			return &Rejection{
				Kind:       KindRateLimit,
				Action:     action,
				Reason:     "cooling down",
				RetryAfter: until.Sub(now),
			}
		}

		logs[i] = r.window(k.key, cutoff)
		if len(logs[i]) >= k.limit {
			until := now.Add(r.cooldown)
			r.blocks.Set(k.key, until, r.cooldown)
			r.hits.Set(k.key, logs[i], w.Period)
			return &Rejection{
				Kind:       KindRateLimit,
				Action:     action,
				Reason:     fmt.Sprintf("more than %d %s actions in %s", k.limit, action, w.Period),
				RetryAfter: r.cooldown,
			}
		}
	}

	for i, k := range keys {
		r.hits.Set(k.key, append(logs[i], now), w.Period)
	}
	return nil
}

func (r *RateLimiter) blockedUntil(key string) (time.Time, bool) {
	v, ok := r.blocks.Get(key)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// window returns the entries for key newer than cutoff.
func (r *RateLimiter) window(key string, cutoff time.Time) []time.Time {
	v, ok := r.hits.Get(key)
	if !ok {
		return nil
	}
	entries := v.([]time.Time)
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	out := make([]time.Time, len(entries)-i, len(entries)-i+1)
	copy(out, entries[i:])
	return out
}
