package game

import (
	"context"
	"errors"
	"fmt"
)

// CancelIdleSessions cancels every cached ACTIVE session that has seen no bet
// for IdleTimeout and returns how many it cancelled.
func (e *Engine) CancelIdleSessions(ctx context.Context) int {
	if e.cfg.IdleTimeout <= 0 {
		return 0
	}

	e.mu.Lock()
	candidates := make([]string, 0, len(e.live))
	for id := range e.live {
		candidates = append(candidates, id)
	}
	e.mu.Unlock()

	now := e.clock.Now()
	stillBusy := func(ls *liveSession) bool {
		return now.Sub(ls.lastActivity) < e.cfg.IdleTimeout
	}

	cancelled := 0
	for _, id := range candidates {
		before := e.cachedStatus(id)
		if before != StatusActive {
			continue
		}
		err := e.cancel(ctx, id, "", CancelReasonIdle, stillBusy)
		switch {
		case err == nil:
			if e.cachedStatus(id) == "" {
				cancelled++
			}
		case errors.Is(err, ErrSessionNotActive), errors.Is(err, ErrSessionNotFound):
			// settled or cancelled since the snapshot
		default:
			e.logger.Warn("Idle cancel failed", "session", id, "error", err)
		}
	}
	return cancelled
}

// cachedStatus returns the status of a cached session, or "" when it is not
// cached.
func (e *Engine) cachedStatus(id string) Status {
	e.mu.Lock()
	ls, ok := e.live[id]
	e.mu.Unlock()
	if !ok {
		return ""
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return Status(ls.machine.Current())
}

// Run sweeps idle sessions every SweepInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.IdleTimeout <= 0 || e.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := e.clock.NewTicker(e.cfg.SweepInterval, "engine", "sweep")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.CancelIdleSessions(ctx); n > 0 {
				e.logger.Info("Cancelled idle sessions", "count", n)
			}
		}
	}
}

// Restore loads every ACTIVE session from the store into the live cache so
// the sweeper sees them after a restart.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	sessions, err := e.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	restored := 0
	for _, s := range sessions {
		if _, ok := e.live[s.ID]; ok {
			continue
		}
		e.live[s.ID] = newLiveSession(s)
		restored++
	}
	if restored > 0 {
		e.logger.Info("Restored active sessions", "count", restored)
	}
	return restored, nil
}
