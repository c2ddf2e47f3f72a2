package room

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/lox/cryptoroulette/internal/game"
	"github.com/lox/cryptoroulette/internal/protocol"
	"github.com/shopspring/decimal"
)

const (
	closeDelay = time.Second
	slowDelay  = time.Second
)

// OnEvent implements game.EventSubscriber. It is called synchronously from
// the engine, so it never blocks on a sequence.
func (m *Manager) OnEvent(event game.GameEvent) {
	switch ev := event.(type) {
	case game.SessionSettledEvent:
		m.startSequence(ev.Result)
	case game.SessionCancelledEvent:
		m.sessionCancelled(ev.SessionID, ev.Reason)
	}
}

func (m *Manager) startSequence(result game.SpinResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	r, ok := m.rooms[result.SessionID]
	if !ok {
		return
	}

	r.mu.Lock()
	r.cancelSequenceLocked()
	ctx, cancel := context.WithCancel(m.ctx)
	r.seqCancel = cancel
	r.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		if err := m.RunSpinSequence(ctx, result.SessionID, result.Number); err != nil {
			m.logger.Debug("Spin sequence stopped", "session", result.SessionID, "error", err)
			return
		}
		m.AnnounceResults(result)
	}()
}

// RunSpinSequence stages the spin for a room's viewers: betting_closed, one
// second, wheel_spinning, the rest of the spin, wheel_slowing, one second.
// It returns early with the context's error if the room goes away.
func (m *Manager) RunSpinSequence(ctx context.Context, sessionID string, number int) error {
	r := m.room(sessionID)
	if r == nil {
		return ErrRoomNotFound
	}

	spinning := m.cfg.SpinDuration - closeDelay - slowDelay
	if spinning < 0 {
		spinning = 0
	}

	stages := []struct {
		tags  []string
		delay time.Duration
		build func(pending []protocol.LiveBet) (protocol.MessageType, any)
	}{
		{
			tags:  []string{"room", "betting_closed"},
			delay: closeDelay,
			build: func(pending []protocol.LiveBet) (protocol.MessageType, any) {
				total := decimal.Zero
				for _, b := range pending {
					total = total.Add(b.Amount)
				}
				return protocol.TypeBettingClosed, protocol.BettingClosed{SessionID: sessionID, TotalBets: len(pending), TotalAmount: total}
			},
		},
		{
			tags:  []string{"room", "wheel_spinning"},
			delay: spinning,
			build: func(pending []protocol.LiveBet) (protocol.MessageType, any) {
				return protocol.TypeWheelSpinning, protocol.WheelSpinning{
					SessionID:     sessionID,
					WinningNumber: number,
					PendingBets:   pending,
					DurationMS:    m.cfg.SpinDuration.Milliseconds(),
				}
			},
		},
		{
			tags:  []string{"room", "wheel_slowing"},
			delay: slowDelay,
			build: func([]protocol.LiveBet) (protocol.MessageType, any) {
				return protocol.TypeWheelSlowing, protocol.WheelSlowing{SessionID: sessionID}
			},
		},
	}

	for _, stage := range stages {
		// The timer exists before anyone can observe the broadcast.
		timer := m.clock.NewTimer(stage.delay, stage.tags...)

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			timer.Stop()
			return context.Canceled
		}
		t, data := stage.build(append([]protocol.LiveBet{}, r.pending...))
		var failed []string
		if msg := m.message(t, data); msg != nil {
			failed = r.broadcastLocked(msg, "")
		}
		r.mu.Unlock()
		m.drop(failed)

		if err := wait(ctx, timer); err != nil {
			return err
		}
	}
	return nil
}

func wait(ctx context.Context, timer *quartz.Timer) error {
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// AnnounceResults records result in the room's statistics, broadcasts
// game_results and sends each bet owner a personal_result.
func (m *Manager) AnnounceResults(result game.SpinResult) {
	r := m.room(result.SessionID)
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.stats.record(result)

	var winners []protocol.Winner
	byUser := make(map[string][]game.Bet)
	var owners []string
	for _, b := range result.Bets {
		if b.IsWinner {
			winners = append(winners, protocol.Winner{UserID: b.UserID, BetID: b.ID, BetType: string(b.Type), Payout: b.ActualPayout})
		}
		if _, seen := byUser[b.UserID]; !seen {
			owners = append(owners, b.UserID)
		}
		byUser[b.UserID] = append(byUser[b.UserID], b)
	}

	var failed []string
	results := protocol.GameResults{
		SessionID:       result.SessionID,
		WinningNumber:   result.Number,
		WinningCrypto:   result.Crypto,
		WinningSymbol:   result.Symbol,
		WinningColor:    result.Color,
		WinningCategory: result.Category,
		ResultHash:      result.Hash,
		ServerSeedHash:  result.Session.ServerSeedHash,
		ClientSeed:      result.Session.ClientSeed,
		Nonce:           result.Nonce,
		TotalBets:       len(result.Bets),
		TotalWagered:    result.TotalBet,
		TotalPayout:     result.TotalWinnings,
		Winners:         winners,
		Verified:        result.Verified,
		Stats:           r.stats.snapshot(result.SessionID, len(r.members)),
	}
	if msg := m.message(protocol.TypeGameResults, results); msg != nil {
		failed = r.broadcastLocked(msg, "")
	}

	for _, userID := range owners {
		personal := protocol.PersonalResult{
			SessionID:     result.SessionID,
			WinningNumber: result.Number,
			Bets:          byUser[userID],
			TotalBet:      decimal.Zero,
			TotalPayout:   decimal.Zero,
		}
		for _, b := range personal.Bets {
			personal.TotalBet = personal.TotalBet.Add(b.Amount)
			personal.TotalPayout = personal.TotalPayout.Add(b.ActualPayout)
			personal.Won = personal.Won || b.IsWinner
		}
		personal.Net = personal.TotalPayout.Sub(personal.TotalBet)
		if msg := m.message(protocol.TypePersonalResult, personal); msg != nil {
			failed = append(failed, r.sendToUserLocked(userID, msg)...)
		}
	}
	r.pending = nil
	r.seqCancel = nil
	r.mu.Unlock()

	m.logger.Info("Results announced", "session", result.SessionID, "number", result.Number, "winners", len(winners))
	m.drop(failed)
}

func (m *Manager) sessionCancelled(sessionID, reason string) {
	r := m.room(sessionID)
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.cancelSequenceLocked()
	r.pending = nil
	var failed []string
	if msg := m.message(protocol.TypeSessionCancelled, protocol.SessionCancelled{SessionID: sessionID, Reason: reason}); msg != nil {
		failed = r.broadcastLocked(msg, "")
	}
	r.mu.Unlock()
	m.drop(failed)
}
