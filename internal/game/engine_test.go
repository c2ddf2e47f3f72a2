package game

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/lox/cryptoroulette/internal/fairness"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
}

func withResolver(f func(serverSeed, clientSeed string, nonce uint64) fairness.Result) Option {
	return func(e *Engine) { e.resolve = f }
}

type harness struct {
	engine *Engine
	store  *MemoryStore
	clock  *quartz.Mock
	wallet *recordingWallet
	events *eventRecorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	return newHarnessWithConfig(t, DefaultConfig(), opts...)
}

func newHarnessWithConfig(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:  NewMemoryStore(),
		clock:  quartz.NewMock(t),
		wallet: newRecordingWallet(),
		events: &eventRecorder{},
	}
	base := []Option{WithClock(h.clock), WithLogger(testLogger()), WithWallet(h.wallet)}
	h.engine = NewEngine(h.store, cfg, append(base, opts...)...)
	h.engine.Events().Subscribe(h.events)
	return h
}

func (h *harness) create(t *testing.T, userID, clientSeedInput string) SessionView {
	t.Helper()
	s, err := h.engine.CreateSession(context.Background(), userID, "", clientSeedInput)
	require.NoError(t, err)
	return s
}

func (h *harness) bet(t *testing.T, sessionID, userID, betType, value string, amount int64) Bet {
	t.Helper()
	b, err := h.engine.PlaceBet(context.Background(), sessionID, userID, BetRequest{
		Type:   betType,
		Value:  value,
		Amount: decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
	return b
}

// seedForNumber finds a server seed that lands on want for the triple.
func seedForNumber(t *testing.T, clientSeed string, nonce uint64, want int) string {
	t.Helper()
	for i := 0; i < 20_000; i++ {
		seed := fairness.HashServerSeed(fmt.Sprintf("seed-%d", i))
		if fairness.Resolve(seed, clientSeed, nonce).Number == want {
			return seed
		}
	}
	t.Fatalf("no seed found for number %d", want)
	return ""
}

func fixedSeed(seed string) Option {
	return WithServerSeedSource(func() (string, error) { return seed, nil })
}

type eventRecorder struct {
	mu     sync.Mutex
	events []GameEvent
}

func (r *eventRecorder) OnEvent(event GameEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) ofType(et EventType) []GameEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []GameEvent
	for _, ev := range r.events {
		if ev.EventType() == et {
			out = append(out, ev)
		}
	}
	return out
}

type walletEntry struct {
	userID string
	amount decimal.Decimal
	reason string
}

type recordingWallet struct {
	mu      sync.Mutex
	debits  map[string]walletEntry
	credits map[string]walletEntry
	fail    error
}

func newRecordingWallet() *recordingWallet {
	return &recordingWallet{
		debits:  make(map[string]walletEntry),
		credits: make(map[string]walletEntry),
	}
}

func (w *recordingWallet) Debit(_ context.Context, userID string, amount decimal.Decimal, reason, ref string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.debits[ref] = walletEntry{userID, amount, reason}
	return nil
}

func (w *recordingWallet) Credit(_ context.Context, userID string, amount decimal.Decimal, reason, ref string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.credits[ref] = walletEntry{userID, amount, reason}
	return nil
}

func (w *recordingWallet) calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.debits) + len(w.credits)
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s := h.create(t, "alice", "abc123")
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, DefaultGameType, s.GameType)
	assert.Equal(t, uint64(1), s.Nonce)
	assert.Len(t, s.ServerSeedHash, 64)
	assert.Equal(t, fairness.HashServerSeed("abc123")[:16], s.ClientSeed)
	assert.True(t, s.TotalBetAmount.IsZero())
	assert.Equal(t, PayoutNone, s.PayoutStatus)
	assert.Nil(t, s.WinningNumber)

	_, err := h.engine.CreateSession(ctx, "alice", "", "")
	assert.ErrorIs(t, err, ErrActiveSessionExists)

	active, err := h.engine.GetActiveSessionForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, s.ID, active.ID)

	_, err = h.engine.GetActiveSessionForUser(ctx, "bob")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.Len(t, h.events.ofType(EventTypeSessionCreated), 1)
}

func TestGetOrCreateActiveSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, created, err := h.engine.GetOrCreateActiveSession(ctx, "alice", "", "")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := h.engine.GetOrCreateActiveSession(ctx, "alice", "", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}

func TestPlaceBetValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBet = decimal.NewFromInt(100)
	cfg.MaxSessionStake = decimal.NewFromInt(150)
	cfg.MaxBetsPerSession = 3
	h := newHarnessWithConfig(t, cfg)
	ctx := context.Background()
	s := h.create(t, "alice", "")

	tests := []struct {
		name    string
		req     BetRequest
		wantErr error
	}{
		{"unknown type", BetRequest{Type: "SPLIT", Value: "1", Amount: decimal.NewFromInt(5)}, ErrInvalidBet},
		{"bad value", BetRequest{Type: "CRYPTO_COLOR", Value: "green", Amount: decimal.NewFromInt(5)}, ErrInvalidBet},
		{"zero amount", BetRequest{Type: "EVEN_ODD", Value: "odd", Amount: decimal.Zero}, ErrInvalidBet},
		{"negative amount", BetRequest{Type: "EVEN_ODD", Value: "odd", Amount: decimal.NewFromInt(-5)}, ErrInvalidBet},
		{"below minimum", BetRequest{Type: "EVEN_ODD", Value: "odd", Amount: decimal.RequireFromString("0.5")}, ErrInvalidBet},
		{"above maximum", BetRequest{Type: "EVEN_ODD", Value: "odd", Amount: decimal.NewFromInt(101)}, ErrInvalidBet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.PlaceBet(ctx, s.ID, "alice", tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("not owner", func(t *testing.T) {
		_, err := h.engine.PlaceBet(ctx, s.ID, "mallory", BetRequest{Type: "EVEN_ODD", Value: "odd", Amount: decimal.NewFromInt(5)})
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := h.engine.PlaceBet(ctx, "ses_missing", "alice", BetRequest{Type: "EVEN_ODD", Value: "odd", Amount: decimal.NewFromInt(5)})
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("stake and count limits", func(t *testing.T) {
		bet := h.bet(t, s.ID, "alice", "single_crypto", " Ethereum ", 100)
		assert.Equal(t, "ethereum", bet.Value)
		assert.Equal(t, int64(35), bet.Odds)
		assert.True(t, decimal.NewFromInt(3600).Equal(bet.PotentialPayout))

		_, err := h.engine.PlaceBet(ctx, s.ID, "alice", BetRequest{Type: "EVEN_ODD", Value: "odd", Amount: decimal.NewFromInt(51)})
		assert.ErrorIs(t, err, ErrInvalidBet, "stake limit")

		h.bet(t, s.ID, "alice", "EVEN_ODD", "odd", 25)
		h.bet(t, s.ID, "alice", "EVEN_ODD", "odd", 25)
		_, err = h.engine.PlaceBet(ctx, s.ID, "alice", BetRequest{Type: "EVEN_ODD", Value: "odd", Amount: decimal.NewFromInt(1)})
		assert.ErrorIs(t, err, ErrInvalidBet, "bet count limit")
	})

	view, err := h.engine.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, view.Bets, 3)
	assert.True(t, decimal.NewFromInt(150).Equal(view.TotalBetAmount))
	assert.Len(t, h.events.ofType(EventTypeBetPlaced), 3)
}

func TestBitcoinScenario(t *testing.T) {
	ctx := context.Background()

	check := func(t *testing.T, h *harness) {
		s := h.create(t, "alice", "abc123")
		h.bet(t, s.ID, "alice", "SINGLE_CRYPTO", "bitcoin", 50)

		res, err := h.engine.Spin(ctx, s.ID, "alice")
		require.NoError(t, err)
		require.Len(t, res.Bets, 1)
		assert.True(t, res.Verified)

		bet := res.Bets[0]
		if res.Number == 0 {
			assert.True(t, bet.IsWinner)
			assert.True(t, decimal.NewFromInt(1800).Equal(bet.ActualPayout), bet.ActualPayout.String())
			assert.True(t, decimal.NewFromInt(1800).Equal(res.TotalWinnings))
			assert.Equal(t, "bitcoin", res.Crypto)
			assert.Equal(t, "green", res.Color)
		} else {
			assert.False(t, bet.IsWinner)
			assert.True(t, bet.ActualPayout.IsZero())
			assert.True(t, res.TotalWinnings.IsZero())
		}

		view, err := h.engine.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, view.Status)
		require.NotNil(t, view.WinningNumber)
		assert.Equal(t, res.Number, *view.WinningNumber)
		assert.NotNil(t, view.CompletedAt)
	}

	clientSeed, err := fairness.DeriveClientSeed("abc123")
	require.NoError(t, err)

	t.Run("random seed", func(t *testing.T) {
		check(t, newHarness(t))
	})

	t.Run("winning seed", func(t *testing.T) {
		h := newHarness(t, fixedSeed(seedForNumber(t, clientSeed, 1, 0)))
		check(t, h)

		// stake debited, payout credited
		assert.Len(t, h.wallet.debits, 1)
		require.Len(t, h.wallet.credits, 1)
		for ref, c := range h.wallet.credits {
			assert.True(t, strings.HasSuffix(ref, ":payout"))
			assert.True(t, decimal.NewFromInt(1800).Equal(c.amount))
			assert.Equal(t, "payout", c.reason)
		}
	})

	t.Run("losing seed", func(t *testing.T) {
		h := newHarness(t, fixedSeed(seedForNumber(t, clientSeed, 1, 17)))
		check(t, h)
		assert.Len(t, h.wallet.debits, 1)
		assert.Empty(t, h.wallet.credits)
	})
}

func TestSpinSettlesEveryBetType(t *testing.T) {
	clientSeed, err := fairness.DeriveClientSeed("columns")
	require.NoError(t, err)
	// 17: black, odd, low, second dozen, second column
	h := newHarness(t, fixedSeed(seedForNumber(t, clientSeed, 1, 17)))
	ctx := context.Background()

	s := h.create(t, "alice", "columns")
	h.bet(t, s.ID, "alice", "CRYPTO_COLOR", "black", 10)
	h.bet(t, s.ID, "alice", "CRYPTO_COLOR", "red", 10)
	h.bet(t, s.ID, "alice", "EVEN_ODD", "odd", 10)
	h.bet(t, s.ID, "alice", "HIGH_LOW", "low", 10)
	h.bet(t, s.ID, "alice", "DOZEN", "2", 10)
	h.bet(t, s.ID, "alice", "COLUMN", "2", 10)
	h.bet(t, s.ID, "alice", "COLUMN", "3", 10)

	res, err := h.engine.Spin(ctx, s.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, 17, res.Number)

	winners := 0
	for _, b := range res.Bets {
		if b.IsWinner {
			winners++
		}
	}
	assert.Equal(t, 5, winners)
	// 20 + 20 + 20 + 30 + 30
	assert.True(t, decimal.NewFromInt(120).Equal(res.TotalWinnings), res.TotalWinnings.String())
	assert.True(t, decimal.NewFromInt(70).Equal(res.TotalBet))
	assert.Equal(t, PayoutPaid, res.PayoutStatus)
}

func TestNoBetAcceptedAfterSpinStarts(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		h := newHarness(t)
		s := h.create(t, "alice", "")

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted []string
			result   SpinResult
			spinErr  error
		)
		start := make(chan struct{})

		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				bet, err := h.engine.PlaceBet(ctx, s.ID, "alice", BetRequest{
					Type: "EVEN_ODD", Value: "even", Amount: decimal.NewFromInt(1),
				})
				if err != nil {
					assert.ErrorIs(t, err, ErrSessionNotActive)
					return
				}
				mu.Lock()
				accepted = append(accepted, bet.ID)
				mu.Unlock()
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			result, spinErr = h.engine.Spin(ctx, s.ID, "alice")
		}()

		close(start)
		wg.Wait()
		require.NoError(t, spinErr)

		settled := make(map[string]bool, len(result.Bets))
		for _, b := range result.Bets {
			settled[b.ID] = true
		}
		require.Len(t, result.Bets, len(accepted))
		for _, id := range accepted {
			assert.True(t, settled[id], "accepted bet %s missing from settlement", id)
		}
		assert.True(t, decimal.NewFromInt(int64(len(accepted))).Equal(result.TotalBet))

		_, err := h.engine.PlaceBet(ctx, s.ID, "alice", BetRequest{Type: "EVEN_ODD", Value: "even", Amount: decimal.NewFromInt(1)})
		assert.ErrorIs(t, err, ErrSessionNotActive)
	}
}

func TestNoBetAcceptedAfterCancel(t *testing.T) {
	ctx := context.Background()
	cancels := map[string]func(h *harness, id string) error{
		"owner": func(h *harness, id string) error { return h.engine.CancelOwned(ctx, id, "alice") },
		"idle":  func(h *harness, id string) error { return h.engine.Cancel(ctx, id, CancelReasonIdle) },
	}

	for name, cancel := range cancels {
		t.Run(name, func(t *testing.T) {
			for round := 0; round < 20; round++ {
				h := newHarness(t)
				s := h.create(t, "alice", "")

				var (
					wg        sync.WaitGroup
					mu        sync.Mutex
					accepted  []string
					cancelErr error
				)
				start := make(chan struct{})

				for i := 0; i < 16; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						bet, err := h.engine.PlaceBet(ctx, s.ID, "alice", BetRequest{
							Type: "EVEN_ODD", Value: "odd", Amount: decimal.NewFromInt(1),
						})
						if err != nil {
							assert.ErrorIs(t, err, ErrSessionNotActive)
							return
						}
						mu.Lock()
						accepted = append(accepted, bet.ID)
						mu.Unlock()
					}()
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					cancelErr = cancel(h, s.ID)
				}()

				close(start)
				wg.Wait()
				require.NoError(t, cancelErr)

				stored, err := h.store.GetSession(ctx, s.ID)
				require.NoError(t, err)
				assert.Equal(t, StatusCancelled, stored.Status)
				recorded := make(map[string]bool, len(stored.Bets))
				for _, b := range stored.Bets {
					recorded[b.ID] = true
				}
				require.Len(t, stored.Bets, len(accepted), "only bets placed before the cancel are recorded")
				for _, id := range accepted {
					assert.True(t, recorded[id], "accepted bet %s missing from cancelled session", id)
				}

				_, err = h.engine.PlaceBet(ctx, s.ID, "alice", BetRequest{Type: "EVEN_ODD", Value: "odd", Amount: decimal.NewFromInt(1)})
				assert.ErrorIs(t, err, ErrSessionNotActive)
				after, err := h.store.GetSession(ctx, s.ID)
				require.NoError(t, err)
				assert.Len(t, after.Bets, len(accepted))
			}
		})
	}
}

func TestUserLocksReleased(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for i := 0; i < 50; i++ {
		user := fmt.Sprintf("user-%d", i)
		s := h.create(t, user, "")
		h.bet(t, s.ID, user, "EVEN_ODD", "odd", 1)
		_, err := h.engine.Spin(ctx, s.ID, user)
		require.NoError(t, err)
		_, err = h.engine.RevealServerSeed(ctx, s.ID, user)
		require.NoError(t, err)
	}
	assert.Zero(t, h.engine.userLockCount())
}

func TestSpinTwiceFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, "alice", "")

	_, err := h.engine.Spin(ctx, s.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = h.engine.Spin(ctx, s.ID, "alice")
	require.NoError(t, err)

	_, err = h.engine.Spin(ctx, s.ID, "alice")
	assert.ErrorIs(t, err, ErrSessionNotActive)

	assert.Len(t, h.events.ofType(EventTypeSessionSettled), 1)
}

func TestLineageNonceContinuityAndReveal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.create(t, "alice", "lucky")
	_, err := h.engine.RevealServerSeed(ctx, first.ID, "alice")
	assert.ErrorIs(t, err, ErrSessionNotComplete, "active session cannot be revealed")

	res1, err := h.engine.Spin(ctx, first.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res1.Nonce)

	second := h.create(t, "alice", "")
	assert.Equal(t, first.ServerSeedHash, second.ServerSeedHash, "same commitment")
	assert.Equal(t, first.ClientSeed, second.ClientSeed)
	assert.Equal(t, uint64(2), second.Nonce)

	_, err = h.engine.RevealServerSeed(ctx, first.ID, "alice")
	assert.ErrorIs(t, err, ErrSeedInUse)

	_, err = h.engine.RevealServerSeed(ctx, first.ID, "bob")
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = h.engine.Spin(ctx, second.ID, "alice")
	require.NoError(t, err)

	reveal, err := h.engine.RevealServerSeed(ctx, first.ID, "alice")
	require.NoError(t, err)
	assert.True(t, reveal.Verified)
	assert.Equal(t, first.ServerSeedHash, fairness.HashServerSeed(reveal.ServerSeed))
	require.NotNil(t, reveal.WinningNumber)
	assert.True(t, fairness.Verify(reveal.ServerSeed, reveal.ClientSeed, reveal.Nonce, reveal.ResultHash, *reveal.WinningNumber))

	// revealing again is idempotent
	again, err := h.engine.RevealServerSeed(ctx, second.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, reveal.ServerSeed, again.ServerSeed)
	assert.Equal(t, uint64(2), again.Nonce)

	third := h.create(t, "alice", "")
	assert.NotEqual(t, first.ServerSeedHash, third.ServerSeedHash, "revealed seed is never reused")
	assert.Equal(t, uint64(1), third.Nonce)
}

func TestNewClientSeedStartsNewLineage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.create(t, "alice", "one")
	_, err := h.engine.Spin(ctx, first.ID, "alice")
	require.NoError(t, err)

	same := h.create(t, "alice", "one")
	assert.Equal(t, first.ServerSeedHash, same.ServerSeedHash)
	assert.Equal(t, uint64(2), same.Nonce)
	require.NoError(t, h.engine.Cancel(ctx, same.ID, "test"))

	other := h.create(t, "alice", "two")
	assert.NotEqual(t, first.ServerSeedHash, other.ServerSeedHash)
	assert.NotEqual(t, first.ClientSeed, other.ClientSeed)
	assert.Equal(t, uint64(1), other.Nonce)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, "alice", "")
	h.bet(t, s.ID, "alice", "EVEN_ODD", "odd", 10)

	assert.ErrorIs(t, h.engine.CancelOwned(ctx, s.ID, "bob"), ErrNotOwner)
	require.NoError(t, h.engine.CancelOwned(ctx, s.ID, "alice"))

	view, err := h.engine.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, view.Status)
	assert.Equal(t, CancelReasonUser, view.CancelReason)
	assert.Nil(t, view.WinningNumber)
	assert.Zero(t, h.wallet.calls(), "cancelled bets never reach the wallet")

	_, err = h.engine.PlaceBet(ctx, s.ID, "alice", BetRequest{Type: "EVEN_ODD", Value: "odd", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrSessionNotActive)
	_, err = h.engine.Spin(ctx, s.ID, "alice")
	assert.ErrorIs(t, err, ErrSessionNotActive)
	assert.ErrorIs(t, h.engine.Cancel(ctx, s.ID, "again"), ErrSessionNotActive)

	_, err = h.engine.AuditSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotComplete)

	reveal, err := h.engine.RevealServerSeed(ctx, s.ID, "alice")
	require.NoError(t, err)
	assert.False(t, reveal.Verified)
	assert.Equal(t, s.ServerSeedHash, fairness.HashServerSeed(reveal.ServerSeed))

	cancelled := h.events.ofType(EventTypeSessionCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, CancelReasonUser, cancelled[0].(SessionCancelledEvent).Reason)

	// a cancelled session no longer blocks a new one
	next := h.create(t, "alice", "")
	assert.NotEqual(t, s.ID, next.ID)
}

func TestSelfCheckFailureHaltsLineage(t *testing.T) {
	corrupt := func(serverSeed, clientSeed string, nonce uint64) fairness.Result {
		r := fairness.Resolve(serverSeed, clientSeed, nonce)
		r.Hash = strings.Repeat("0", 64)
		return r
	}
	h := newHarness(t, withResolver(corrupt))
	ctx := context.Background()

	s := h.create(t, "alice", "")
	h.bet(t, s.ID, "alice", "EVEN_ODD", "odd", 10)

	res, err := h.engine.Spin(ctx, s.ID, "alice")
	require.NoError(t, err, "spin itself never fails on a self-check mismatch")
	assert.False(t, res.Verified)
	assert.Equal(t, PayoutHeld, res.PayoutStatus)
	assert.Zero(t, h.wallet.calls())

	stored, err := h.store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	lineage, err := h.store.GetLineage(ctx, stored.LineageID)
	require.NoError(t, err)
	assert.True(t, lineage.Halted)
	assert.Equal(t, uint64(2), lineage.NextNonce)

	audit, err := h.engine.AuditSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.False(t, audit.Match)
	assert.True(t, audit.LineageHalted)
	assert.True(t, audit.CommitmentValid)

	// Later sessions on the halted lineage settle but keep payouts held.
	h.engine.resolve = fairness.Resolve
	next := h.create(t, "alice", "")
	assert.Equal(t, s.ServerSeedHash, next.ServerSeedHash)
	h.bet(t, next.ID, "alice", "EVEN_ODD", "odd", 10)

	res, err = h.engine.Spin(ctx, next.ID, "alice")
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, PayoutHeld, res.PayoutStatus)
	assert.Zero(t, h.wallet.calls())
}

func TestAuditSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, "alice", "")

	_, err := h.engine.AuditSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotComplete)

	res, err := h.engine.Spin(ctx, s.ID, "alice")
	require.NoError(t, err)

	audit, err := h.engine.AuditSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, audit.Match)
	assert.Equal(t, res.Number, audit.ExpectedNumber)
	assert.Equal(t, res.Hash, audit.ExpectedHash)
	assert.False(t, audit.LineageHalted)
}

func TestWalletFailureMarksPayoutFailed(t *testing.T) {
	h := newHarness(t)
	h.wallet.fail = errors.New("wallet offline")
	ctx := context.Background()

	s := h.create(t, "alice", "")
	h.bet(t, s.ID, "alice", "EVEN_ODD", "odd", 10)

	res, err := h.engine.Spin(ctx, s.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, PayoutFailed, res.PayoutStatus)

	view, err := h.engine.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, PayoutFailed, view.PayoutStatus)
}

func TestSpinWithoutBets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.create(t, "alice", "")

	res, err := h.engine.Spin(ctx, s.ID, "alice")
	require.NoError(t, err)
	assert.Empty(t, res.Bets)
	assert.Equal(t, PayoutNone, res.PayoutStatus)
	assert.True(t, res.TotalWinnings.IsZero())
}

type flakyStore struct {
	*MemoryStore
	failSettlement atomic.Bool
}

func (f *flakyStore) SaveSettlement(ctx context.Context, s Session, l Lineage) error {
	if f.failSettlement.Load() {
		return errors.New("disk full")
	}
	return f.MemoryStore.SaveSettlement(ctx, s, l)
}

func TestSpinRollsBackWhenSaveFails(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	engine := NewEngine(store, DefaultConfig(), WithClock(quartz.NewMock(t)), WithLogger(testLogger()))
	ctx := context.Background()

	s, err := engine.CreateSession(ctx, "alice", "", "")
	require.NoError(t, err)

	store.failSettlement.Store(true)
	_, err = engine.Spin(ctx, s.ID, "alice")
	require.Error(t, err)

	view, err := engine.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, view.Status)

	_, err = engine.PlaceBet(ctx, s.ID, "alice", BetRequest{Type: "HIGH_LOW", Value: "high", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err, "session still accepts bets after a failed spin")

	store.failSettlement.Store(false)
	res, err := engine.Spin(ctx, s.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Nonce)
	assert.Len(t, res.Bets, 1)
}

func TestGetHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		s := h.create(t, "alice", "")
		ids = append(ids, s.ID)
		_, err := h.engine.Spin(ctx, s.ID, "alice")
		require.NoError(t, err)
		h.clock.Advance(time.Second).MustWait(ctx)
	}
	h.create(t, "bob", "")

	all, err := h.engine.GetHistory(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, ids[4], all[0].ID, "newest first")
	assert.Equal(t, ids[0], all[4].ID)

	page, err := h.engine.GetHistory(ctx, "alice", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)

	clamped, err := h.engine.GetHistory(ctx, "alice", -3, -10)
	require.NoError(t, err)
	assert.Len(t, clamped, 1)

	huge, err := h.engine.GetHistory(ctx, "alice", 1000, 0)
	require.NoError(t, err)
	assert.Len(t, huge, 5)

	empty, err := h.engine.GetHistory(ctx, "alice", 10, 50)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
