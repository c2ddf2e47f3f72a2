package game

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/looplab/fsm"
	"github.com/lox/cryptoroulette/internal/fairness"
	"github.com/lox/cryptoroulette/internal/gameid"
	"github.com/lox/cryptoroulette/internal/wheel"
	"github.com/shopspring/decimal"
)

// Config bounds what a session accepts.
type Config struct {
	MinBet            decimal.Decimal
	MaxBet            decimal.Decimal
	MaxSessionStake   decimal.Decimal
	MaxBetsPerSession int
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MinBet:            decimal.NewFromInt(1),
		MaxBet:            decimal.NewFromInt(10_000),
		MaxSessionStake:   decimal.NewFromInt(50_000),
		MaxBetsPerSession: 50,
		IdleTimeout:       30 * time.Minute,
		SweepInterval:     time.Minute,
	}
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100

	// CancelReasonIdle is recorded on sessions closed by the sweeper.
	CancelReasonIdle = "idle_timeout"
	// CancelReasonUser is recorded when the owner cancels.
	CancelReasonUser = "cancelled_by_user"
)

// liveSession is the in-memory copy of an ACTIVE session. Every mutation of
// data and machine happens under mu.
type liveSession struct {
	mu           sync.Mutex
	userID       string
	data         Session
	machine      *fsm.FSM
	lastActivity time.Time
}

// Engine runs provably-fair roulette sessions.
type Engine struct {
	cfg          Config
	store        Store
	clock        quartz.Clock
	logger       *log.Logger
	bus          EventBus
	wallet       Wallet
	achievements Achievements
	seeds        func() (string, error)
	resolve      func(serverSeed, clientSeed string, nonce uint64) fairness.Result

	mu        sync.Mutex
	live      map[string]*liveSession
	userLocks map[string]*userLock
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for timestamps and the idle sweeper.
func WithClock(c quartz.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithEventBus sets the bus engine events are published on.
func WithEventBus(b EventBus) Option { return func(e *Engine) { e.bus = b } }

// WithWallet sets the wallet debited and credited after settlement.
func WithWallet(w Wallet) Option { return func(e *Engine) { e.wallet = w } }

// WithAchievements sets the achievements collaborator.
func WithAchievements(a Achievements) Option { return func(e *Engine) { e.achievements = a } }

// WithServerSeedSource replaces fairness.NewServerSeed.
func WithServerSeedSource(f func() (string, error)) Option { return func(e *Engine) { e.seeds = f } }

// NewEngine creates an engine over store.
func NewEngine(store Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     store,
		clock:     quartz.NewReal(),
		logger:    log.New(io.Discard),
		bus:       NewEventBus(),
		seeds:     fairness.NewServerSeed,
		resolve:   fairness.Resolve,
		live:      make(map[string]*liveSession),
		userLocks: make(map[string]*userLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithPrefix("engine")
	return e
}

// Events returns the bus engine events are published on.
func (e *Engine) Events() EventBus {
	return e.bus
}

// Config returns the engine limits.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) publish(ev GameEvent) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// userLock serialises one user's session creation and settlement. Entries
// are reference counted and removed once nobody holds or waits on them.
type userLock struct {
	mu     sync.Mutex
	engine *Engine
	userID string
	refs   int
}

// Unlock releases the lock and drops the entry when it was the last holder.
func (l *userLock) Unlock() {
	l.mu.Unlock()

	e := l.engine
	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.userLocks, l.userID)
	}
	e.mu.Unlock()
}

// lockUser returns the user's lock, held. Lock order is user, then session.
func (e *Engine) lockUser(userID string) *userLock {
	e.mu.Lock()
	l, ok := e.userLocks[userID]
	if !ok {
		l = &userLock{engine: e, userID: userID}
		e.userLocks[userID] = l
	}
	l.refs++
	e.mu.Unlock()
	l.mu.Lock()
	return l
}

// userLockCount reports how many users have a lock entry.
func (e *Engine) userLockCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.userLocks)
}

// load returns the live entry for id, reading through to the store. Only
// ACTIVE sessions are cached; terminal sessions get a throwaway entry whose
// machine rejects every event.
func (e *Engine) load(ctx context.Context, id string) (*liveSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ls, ok := e.live[id]; ok {
		return ls, nil
	}

	s, err := e.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	ls := newLiveSession(s)
	if s.Status == StatusActive {
		e.live[id] = ls
	}
	return ls, nil
}

func newLiveSession(s Session) *liveSession {
	return &liveSession{
		userID:       s.UserID,
		data:         s,
		machine:      newMachine(s.Status),
		lastActivity: s.UpdatedAt,
	}
}

func (e *Engine) evict(id string) {
	e.mu.Lock()
	delete(e.live, id)
	e.mu.Unlock()
}

func (e *Engine) snapshot(ctx context.Context, id string) (Session, error) {
	ls, err := e.load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.data.Clone(), nil
}

// CreateSession opens a new ACTIVE session for userID. A blank
// clientSeedInput keeps the user's current client seed; a different one starts
// a new seed lineage.
func (e *Engine) CreateSession(ctx context.Context, userID, gameType, clientSeedInput string) (SessionView, error) {
	if userID == "" {
		return SessionView{}, errors.New("user id required")
	}

	ul := e.lockUser(userID)
	_, err := e.store.ActiveSessionForUser(ctx, userID)
	switch {
	case err == nil:
		ul.Unlock()
		return SessionView{}, ErrActiveSessionExists
	case !errors.Is(err, ErrSessionNotFound):
		ul.Unlock()
		return SessionView{}, fmt.Errorf("check active session: %w", err)
	}

	s, err := e.createLocked(ctx, userID, gameType, clientSeedInput)
	ul.Unlock()
	if err != nil {
		return SessionView{}, err
	}

	view := s.View()
	e.publish(SessionCreatedEvent{Session: view, timestamp: s.CreatedAt})
	return view, nil
}

// GetOrCreateActiveSession returns the user's ACTIVE session, creating one if
// needed. created reports which happened.
func (e *Engine) GetOrCreateActiveSession(ctx context.Context, userID, gameType, clientSeedInput string) (view SessionView, created bool, err error) {
	if userID == "" {
		return SessionView{}, false, errors.New("user id required")
	}

	ul := e.lockUser(userID)
	active, err := e.store.ActiveSessionForUser(ctx, userID)
	if err == nil {
		ul.Unlock()
		s, err := e.snapshot(ctx, active.ID)
		if err != nil {
			return SessionView{}, false, err
		}
		return s.View(), false, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		ul.Unlock()
		return SessionView{}, false, fmt.Errorf("check active session: %w", err)
	}

	s, err := e.createLocked(ctx, userID, gameType, clientSeedInput)
	ul.Unlock()
	if err != nil {
		return SessionView{}, false, err
	}

	view = s.View()
	e.publish(SessionCreatedEvent{Session: view, timestamp: s.CreatedAt})
	return view, true, nil
}

// createLocked must be called with the user lock held.
func (e *Engine) createLocked(ctx context.Context, userID, gameType, clientSeedInput string) (Session, error) {
	lineage, err := e.lineageFor(ctx, userID, clientSeedInput)
	if err != nil {
		return Session{}, err
	}

	if gameType = strings.TrimSpace(gameType); gameType == "" {
		gameType = DefaultGameType
	}

	now := e.clock.Now().UTC()
	s := Session{
		ID:             gameid.New(gameid.Session),
		UserID:         userID,
		GameType:       gameType,
		Status:         StatusActive,
		LineageID:      lineage.ID,
		ServerSeedHash: lineage.ServerSeedHash,
		ClientSeed:     lineage.ClientSeed,
		Nonce:          lineage.NextNonce,
		TotalBetAmount: decimal.Zero,
		TotalWinnings:  decimal.Zero,
		Bets:           []Bet{},
		CreatedAt:      now,
		UpdatedAt:      now,
		PayoutStatus:   PayoutNone,
	}

	if err := e.store.SaveSession(ctx, s); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}

	e.mu.Lock()
	e.live[s.ID] = newLiveSession(s.Clone())
	e.mu.Unlock()

	e.logger.Info("Session created", "session", s.ID, "user", userID, "lineage", lineage.ID, "nonce", s.Nonce)
	return s, nil
}

// lineageFor returns the lineage the user's next session draws from, starting
// a new one when there is none, the current one has been revealed, or the
// caller supplied a different client seed.
func (e *Engine) lineageFor(ctx context.Context, userID, clientSeedInput string) (Lineage, error) {
	input := strings.TrimSpace(clientSeedInput)

	cur, err := e.store.CurrentLineage(ctx, userID)
	switch {
	case err == nil:
		if input == "" {
			return cur, nil
		}
		derived, err := fairness.DeriveClientSeed(input)
		if err != nil {
			return Lineage{}, err
		}
		if derived == cur.ClientSeed {
			return cur, nil
		}
	case !errors.Is(err, ErrLineageNotFound):
		return Lineage{}, fmt.Errorf("current lineage: %w", err)
	}

	serverSeed, err := e.seeds()
	if err != nil {
		return Lineage{}, fmt.Errorf("server seed: %w", err)
	}
	clientSeed, err := fairness.DeriveClientSeed(input)
	if err != nil {
		return Lineage{}, err
	}

	now := e.clock.Now().UTC()
	l := Lineage{
		ID:             gameid.New(gameid.Lineage),
		UserID:         userID,
		ServerSeed:     serverSeed,
		ServerSeedHash: fairness.HashServerSeed(serverSeed),
		ClientSeed:     clientSeed,
		NextNonce:      1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.SaveLineage(ctx, l); err != nil {
		return Lineage{}, fmt.Errorf("save lineage: %w", err)
	}

	e.logger.Debug("Seed lineage started", "lineage", l.ID, "user", userID, "commitment", l.ServerSeedHash)
	return l, nil
}

func (e *Engine) validateBet(req BetRequest) (wheel.BetType, string, error) {
	bt, err := wheel.ParseBetType(req.Type)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidBet, err)
	}
	value, err := wheel.NormalizeBetValue(bt, req.Value)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidBet, err)
	}
	if !req.Amount.IsPositive() {
		return "", "", fmt.Errorf("%w: amount must be positive", ErrInvalidBet)
	}
	if req.Amount.LessThan(e.cfg.MinBet) {
		return "", "", fmt.Errorf("%w: amount %s below minimum %s", ErrInvalidBet, req.Amount, e.cfg.MinBet)
	}
	if e.cfg.MaxBet.IsPositive() && req.Amount.GreaterThan(e.cfg.MaxBet) {
		return "", "", fmt.Errorf("%w: amount %s above maximum %s", ErrInvalidBet, req.Amount, e.cfg.MaxBet)
	}
	return bt, value, nil
}

// PlaceBet records a bet on an ACTIVE session owned by userID.
func (e *Engine) PlaceBet(ctx context.Context, sessionID, userID string, req BetRequest) (Bet, error) {
	bt, value, err := e.validateBet(req)
	if err != nil {
		return Bet{}, err
	}

	ls, err := e.load(ctx, sessionID)
	if err != nil {
		return Bet{}, err
	}
	if ls.userID != userID {
		return Bet{}, ErrNotOwner
	}

	ls.mu.Lock()
	if status := Status(ls.machine.Current()); status != StatusActive {
		ls.mu.Unlock()
		return Bet{}, fmt.Errorf("session %s is %s: %w", sessionID, status, ErrSessionNotActive)
	}
	if e.cfg.MaxBetsPerSession > 0 && len(ls.data.Bets) >= e.cfg.MaxBetsPerSession {
		ls.mu.Unlock()
		return Bet{}, fmt.Errorf("%w: session already holds %d bets", ErrInvalidBet, len(ls.data.Bets))
	}
	total := ls.data.TotalBetAmount.Add(req.Amount)
	if e.cfg.MaxSessionStake.IsPositive() && total.GreaterThan(e.cfg.MaxSessionStake) {
		ls.mu.Unlock()
		return Bet{}, fmt.Errorf("%w: session stake would reach %s, limit %s", ErrInvalidBet, total, e.cfg.MaxSessionStake)
	}

	now := e.clock.Now().UTC()
	odds := wheel.PayoutOdds(bt)
	bet := Bet{
		ID:              gameid.New(gameid.Bet),
		SessionID:       sessionID,
		UserID:          userID,
		Type:            bt,
		Value:           value,
		Amount:          req.Amount,
		Odds:            odds,
		PotentialPayout: wheel.PayoutAt(odds, req.Amount),
		ActualPayout:    decimal.Zero,
		PlacedAt:        now,
	}

	working := ls.data.Clone()
	working.Bets = append(working.Bets, bet)
	working.TotalBetAmount = total
	working.UpdatedAt = now

	if err := e.store.SaveSession(ctx, working); err != nil {
		ls.mu.Unlock()
		return Bet{}, fmt.Errorf("save bet: %w", err)
	}
	ls.data = working
	ls.lastActivity = now
	ls.mu.Unlock()

	e.logger.Debug("Bet placed", "session", sessionID, "bet", bet.ID, "type", bt, "value", value, "amount", req.Amount)
	e.publish(BetPlacedEvent{SessionID: sessionID, UserID: userID, Bet: bet, timestamp: now})
	return bet, nil
}

// Spin freezes the bet list, resolves the winning number, settles every bet
// and marks the session COMPLETED. A failed self-check never fails the spin;
// it halts the lineage and holds the payout instead.
func (e *Engine) Spin(ctx context.Context, sessionID, userID string) (SpinResult, error) {
	ls, err := e.load(ctx, sessionID)
	if err != nil {
		return SpinResult{}, err
	}
	if ls.userID != userID {
		return SpinResult{}, ErrNotOwner
	}

	ul := e.lockUser(userID)
	ls.mu.Lock()
	result, settled, err := e.spinLocked(ctx, ls)
	ls.mu.Unlock()
	ul.Unlock()
	if err != nil {
		return SpinResult{}, err
	}

	e.evict(sessionID)
	e.logger.Info("Session settled",
		"session", sessionID,
		"number", result.Number,
		"crypto", result.Crypto,
		"bets", len(result.Bets),
		"winnings", result.TotalWinnings,
		"verified", result.Verified)
	e.publish(SessionSettledEvent{Result: result, timestamp: *settled.CompletedAt})

	status := e.settlePayouts(ctx, settled)
	result.PayoutStatus = status
	result.Session.PayoutStatus = status
	e.notifyAchievements(ctx, settled)
	return result, nil
}

// spinLocked must be called with the user and session locks held.
func (e *Engine) spinLocked(ctx context.Context, ls *liveSession) (SpinResult, Session, error) {
	id := ls.data.ID
	prev := ls.machine.Current()
	revert := func() { ls.machine.SetState(prev) }

	if _, err := fire(ctx, ls.machine, eventSpin); err != nil {
		return SpinResult{}, Session{}, fmt.Errorf("spin session %s: %w", id, err)
	}
	working := ls.data.Clone()
	working.Status = StatusSpinning

	lineage, err := e.store.GetLineage(ctx, working.LineageID)
	if err != nil {
		revert()
		return SpinResult{}, Session{}, fmt.Errorf("load lineage %s: %w", working.LineageID, err)
	}
	if lineage.Revealed {
		revert()
		return SpinResult{}, Session{}, fmt.Errorf("lineage %s already revealed: %w", lineage.ID, ErrSeedInUse)
	}
	if working.Nonce != lineage.NextNonce {
		panic(fmt.Sprintf("nonce regression: session %s holds nonce %d but lineage %s is at %d",
			id, working.Nonce, lineage.ID, lineage.NextNonce))
	}

	res := e.resolve(lineage.ServerSeed, lineage.ClientSeed, working.Nonce)
	pos, err := wheel.PositionOf(res.Number)
	if err != nil {
		revert()
		return SpinResult{}, Session{}, fmt.Errorf("resolve session %s: %w", id, err)
	}

	n := res.Number
	working.WinningNumber = &n
	working.WinningCrypto = pos.Crypto
	working.WinningCategory = string(pos.Category)
	working.WinningColor = string(pos.Color)
	working.ResultHash = res.Hash

	winnings := decimal.Zero
	for i := range working.Bets {
		b := &working.Bets[i]
		b.IsWinner = wheel.IsWinner(b.Type, b.Value, n)
		b.ActualPayout = decimal.Zero
		if b.IsWinner {
			b.ActualPayout = wheel.PayoutAt(b.Odds, b.Amount)
			winnings = winnings.Add(b.ActualPayout)
		}
	}
	working.TotalWinnings = winnings

	status, err := fire(ctx, ls.machine, eventSettle)
	if err != nil {
		revert()
		return SpinResult{}, Session{}, fmt.Errorf("settle session %s: %w", id, err)
	}
	now := e.clock.Now().UTC()
	working.Status = status
	working.CompletedAt = &now
	working.UpdatedAt = now

	verified := fairness.VerifyCommitment(lineage.ServerSeed, working.ServerSeedHash) &&
		fairness.Verify(lineage.ServerSeed, lineage.ClientSeed, working.Nonce, working.ResultHash, n)

	switch {
	case !verified:
		lineage.Halted = true
		working.PayoutStatus = PayoutHeld
		e.logger.Error("Fairness self-check failed, lineage halted",
			"integrity", true,
			"session", id,
			"lineage", lineage.ID,
			"nonce", working.Nonce)
	case lineage.Halted:
		working.PayoutStatus = PayoutHeld
		e.logger.Warn("Payout held on halted lineage", "session", id, "lineage", lineage.ID)
	case len(working.Bets) == 0:
		working.PayoutStatus = PayoutNone
	default:
		working.PayoutStatus = PayoutPending
	}

	lineage.NextNonce++
	lineage.UpdatedAt = now
	if err := e.store.SaveSettlement(ctx, working, lineage); err != nil {
		revert()
		return SpinResult{}, Session{}, fmt.Errorf("save settlement for session %s: %w", id, err)
	}
	ls.data = working

	return SpinResult{
		SessionID:     id,
		Number:        n,
		Crypto:        pos.Crypto,
		Symbol:        pos.Symbol,
		Color:         string(pos.Color),
		Category:      string(pos.Category),
		Hash:          res.Hash,
		Nonce:         working.Nonce,
		TotalBet:      working.TotalBetAmount,
		TotalWinnings: winnings,
		Bets:          append([]Bet(nil), working.Bets...),
		Verified:      verified,
		PayoutStatus:  working.PayoutStatus,
		Session:       working.View(),
	}, working.Clone(), nil
}

// settlePayouts debits every stake and credits every winner. It only runs for
// sessions whose payout is pending and returns the resulting status.
func (e *Engine) settlePayouts(ctx context.Context, s Session) PayoutStatus {
	if s.PayoutStatus != PayoutPending || e.wallet == nil {
		return s.PayoutStatus
	}

	status := PayoutPaid
	for _, b := range s.Bets {
		if err := e.wallet.Debit(ctx, s.UserID, b.Amount, reasonBet, b.ID); err != nil {
			e.logger.Error("Wallet debit failed", "session", s.ID, "bet", b.ID, "error", err)
			status = PayoutFailed
			break
		}
	}
	if status == PayoutPaid {
		for _, b := range s.Bets {
			if !b.IsWinner {
				continue
			}
			if err := e.wallet.Credit(ctx, s.UserID, b.ActualPayout, reasonPayout, payoutReference(b.ID)); err != nil {
				e.logger.Error("Wallet credit failed", "session", s.ID, "bet", b.ID, "error", err)
				status = PayoutFailed
				break
			}
		}
	}

	ul := e.lockUser(s.UserID)
	defer ul.Unlock()
	cur, err := e.store.GetSession(ctx, s.ID)
	if err != nil {
		e.logger.Error("Reload settled session failed", "session", s.ID, "error", err)
		return status
	}
	// An audit may have held the payout in the meantime.
	if cur.PayoutStatus != PayoutPending {
		return cur.PayoutStatus
	}
	cur.PayoutStatus = status
	if err := e.store.SaveSession(ctx, cur); err != nil {
		e.logger.Error("Save payout status failed", "session", s.ID, "error", err)
	}
	return status
}

func (e *Engine) notifyAchievements(ctx context.Context, s Session) {
	if e.achievements == nil || s.WinningNumber == nil {
		return
	}
	data := map[string]any{
		"session_id":       s.ID,
		"winning_number":   *s.WinningNumber,
		"winning_crypto":   s.WinningCrypto,
		"total_bet_amount": s.TotalBetAmount.String(),
		"total_winnings":   s.TotalWinnings.String(),
		"won":              s.TotalWinnings.IsPositive(),
		"bets":             len(s.Bets),
	}
	if err := e.achievements.Check(ctx, s.UserID, TriggerSpinSettled, data); err != nil {
		e.logger.Warn("Achievements check failed", "session", s.ID, "user", s.UserID, "error", err)
	}
}

// Cancel moves an ACTIVE session to CANCELLED. No bet is settled and the wallet
// is never touched.
func (e *Engine) Cancel(ctx context.Context, sessionID, reason string) error {
	return e.cancel(ctx, sessionID, "", reason, nil)
}

// CancelOwned cancels on behalf of the session owner.
func (e *Engine) CancelOwned(ctx context.Context, sessionID, userID string) error {
	if userID == "" {
		return ErrNotOwner
	}
	return e.cancel(ctx, sessionID, userID, CancelReasonUser, nil)
}

// cancel checks ownership when userID is set and, when keep is set, leaves the
// session alone if keep reports true under the session lock.
func (e *Engine) cancel(ctx context.Context, sessionID, userID, reason string, keep func(*liveSession) bool) error {
	ls, err := e.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if userID != "" && ls.userID != userID {
		return ErrNotOwner
	}

	ul := e.lockUser(ls.userID)
	ls.mu.Lock()
	if keep != nil && keep(ls) {
		ls.mu.Unlock()
		ul.Unlock()
		return nil
	}

	prev := ls.machine.Current()
	status, err := fire(ctx, ls.machine, eventCancel)
	if err != nil {
		ls.mu.Unlock()
		ul.Unlock()
		return fmt.Errorf("cancel session %s: %w", sessionID, err)
	}

	now := e.clock.Now().UTC()
	working := ls.data.Clone()
	working.Status = status
	working.CancelReason = reason
	working.UpdatedAt = now
	working.PayoutStatus = PayoutNone

	if err := e.store.SaveSession(ctx, working); err != nil {
		ls.machine.SetState(prev)
		ls.mu.Unlock()
		ul.Unlock()
		return fmt.Errorf("save cancelled session %s: %w", sessionID, err)
	}
	ls.data = working
	ls.mu.Unlock()
	ul.Unlock()

	e.evict(sessionID)
	e.logger.Info("Session cancelled", "session", sessionID, "reason", reason, "bets", len(working.Bets))
	e.publish(SessionCancelledEvent{SessionID: sessionID, UserID: working.UserID, Reason: reason, timestamp: now})
	return nil
}

// RevealServerSeed discloses the seeds behind a COMPLETED or CANCELLED session
// and retires its lineage. It fails with ErrSeedInUse while the user's ACTIVE
// session still draws from the same lineage.
func (e *Engine) RevealServerSeed(ctx context.Context, sessionID, userID string) (Reveal, error) {
	s, err := e.snapshot(ctx, sessionID)
	if err != nil {
		return Reveal{}, err
	}
	if s.UserID != userID {
		return Reveal{}, ErrNotOwner
	}
	if !s.Status.Terminal() {
		return Reveal{}, fmt.Errorf("session %s is %s: %w", sessionID, s.Status, ErrSessionNotComplete)
	}

	ul := e.lockUser(userID)
	defer ul.Unlock()

	lineage, err := e.store.GetLineage(ctx, s.LineageID)
	if err != nil {
		return Reveal{}, fmt.Errorf("load lineage %s: %w", s.LineageID, err)
	}

	if !lineage.Revealed {
		active, err := e.store.ActiveSessionForUser(ctx, userID)
		switch {
		case err == nil && active.LineageID == lineage.ID:
			return Reveal{}, fmt.Errorf("session %s: %w", active.ID, ErrSeedInUse)
		case err != nil && !errors.Is(err, ErrSessionNotFound):
			return Reveal{}, fmt.Errorf("check active session: %w", err)
		}

		lineage.Revealed = true
		lineage.UpdatedAt = e.clock.Now().UTC()
		if err := e.store.SaveLineage(ctx, lineage); err != nil {
			return Reveal{}, fmt.Errorf("save lineage %s: %w", lineage.ID, err)
		}
		e.logger.Info("Server seed revealed", "lineage", lineage.ID, "session", sessionID, "user", userID)
	}

	reveal := Reveal{
		SessionID:      s.ID,
		ServerSeed:     lineage.ServerSeed,
		ServerSeedHash: s.ServerSeedHash,
		ClientSeed:     s.ClientSeed,
		Nonce:          s.Nonce,
		ResultHash:     s.ResultHash,
		WinningNumber:  s.WinningNumber,
	}
	if s.WinningNumber != nil {
		reveal.Verified = fairness.VerifyCommitment(lineage.ServerSeed, s.ServerSeedHash) &&
			fairness.Verify(lineage.ServerSeed, s.ClientSeed, s.Nonce, s.ResultHash, *s.WinningNumber)
	}
	return reveal, nil
}

// AuditSession recomputes a COMPLETED session from its stored seeds. A
// mismatch halts the lineage, holds any pending payout and returns
// ErrVerificationFailed alongside the audit.
func (e *Engine) AuditSession(ctx context.Context, sessionID string) (Audit, error) {
	s, err := e.snapshot(ctx, sessionID)
	if err != nil {
		return Audit{}, err
	}
	if s.Status != StatusCompleted || s.WinningNumber == nil {
		return Audit{}, fmt.Errorf("session %s is %s: %w", sessionID, s.Status, ErrSessionNotComplete)
	}

	lineage, err := e.store.GetLineage(ctx, s.LineageID)
	if err != nil {
		return Audit{}, fmt.Errorf("load lineage %s: %w", s.LineageID, err)
	}

	expected := fairness.Resolve(lineage.ServerSeed, s.ClientSeed, s.Nonce)
	a := Audit{
		SessionID:       s.ID,
		StoredNumber:    *s.WinningNumber,
		StoredHash:      s.ResultHash,
		ExpectedNumber:  expected.Number,
		ExpectedHash:    expected.Hash,
		CommitmentValid: fairness.VerifyCommitment(lineage.ServerSeed, s.ServerSeedHash),
		LineageHalted:   lineage.Halted,
		LineageRevealed: lineage.Revealed,
	}
	a.Match = a.CommitmentValid && expected.Hash == s.ResultHash && expected.Number == *s.WinningNumber
	if a.Match {
		return a, nil
	}

	e.logger.Error("Audit mismatch, lineage halted",
		"integrity", true,
		"session", s.ID,
		"lineage", lineage.ID,
		"stored", *s.WinningNumber,
		"expected", expected.Number)

	if err := e.halt(ctx, s.UserID, s.ID, lineage.ID); err != nil {
		return a, fmt.Errorf("halt lineage %s: %w", lineage.ID, err)
	}
	a.LineageHalted = true
	return a, fmt.Errorf("audit session %s: %w", sessionID, ErrVerificationFailed)
}

func (e *Engine) halt(ctx context.Context, userID, sessionID, lineageID string) error {
	ul := e.lockUser(userID)
	defer ul.Unlock()

	lineage, err := e.store.GetLineage(ctx, lineageID)
	if err != nil {
		return err
	}
	if !lineage.Halted {
		lineage.Halted = true
		lineage.UpdatedAt = e.clock.Now().UTC()
		if err := e.store.SaveLineage(ctx, lineage); err != nil {
			return err
		}
	}

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.PayoutStatus == PayoutPending {
		s.PayoutStatus = PayoutHeld
		return e.store.SaveSession(ctx, s)
	}
	return nil
}

// GetSession returns any session by id.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (SessionView, error) {
	s, err := e.snapshot(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return s.View(), nil
}

// GetActiveSessionForUser returns the user's ACTIVE session or
// ErrSessionNotFound.
func (e *Engine) GetActiveSessionForUser(ctx context.Context, userID string) (SessionView, error) {
	active, err := e.store.ActiveSessionForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return SessionView{}, fmt.Errorf("no active session for %s: %w", userID, ErrSessionNotFound)
		}
		return SessionView{}, err
	}
	return e.GetSession(ctx, active.ID)
}

// GetHistory lists the user's sessions newest first. limit is clamped to
// 1..100 (0 means 20) and a negative offset is treated as 0.
func (e *Engine) GetHistory(ctx context.Context, userID string, limit, offset int) ([]SessionView, error) {
	switch {
	case limit == 0:
		limit = defaultHistoryLimit
	case limit < 1:
		limit = 1
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	sessions, err := e.store.ListUserSessions(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.View())
	}
	return out, nil
}
