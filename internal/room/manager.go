// Package room fans engine activity out to the WebSocket connections
// watching a session and stages the spin animation for them.
package room

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/lox/cryptoroulette/internal/game"
	"github.com/lox/cryptoroulette/internal/gameid"
	"github.com/lox/cryptoroulette/internal/protocol"
	"github.com/shopspring/decimal"
)

var (
	ErrManagerClosed     = errors.New("room manager closed")
	ErrRoomNotFound      = errors.New("room not found")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrInvalidChat       = errors.New("invalid chat message")
)

// Sender is the outbound half of a connection. Send must not block.
type Sender interface {
	Send(msg *protocol.Message) error
	Close() error
}

// Engine is the part of the game engine the rooms drive.
type Engine interface {
	PlaceBet(ctx context.Context, sessionID, userID string, req game.BetRequest) (game.Bet, error)
	GetSession(ctx context.Context, sessionID string) (game.SessionView, error)
	GetHistory(ctx context.Context, userID string, limit, offset int) ([]game.SessionView, error)
	Events() game.EventBus
}

// Guard admits bets before they reach the engine.
type Guard interface {
	AdmitBet(userID, ip string, amount decimal.Decimal) error
	RecordBet(userID string, amount decimal.Decimal)
}

// MaxChatLength is the longest chat line, in characters, a room accepts.
const MaxChatLength = 200

// Config tunes the rooms.
type Config struct {
	// SpinDuration is the time between betting_closed+1s and game_results.
	SpinDuration  time.Duration
	ChatMaxLength int
	HistoryLimit  int
}

// DefaultConfig returns the stock room settings.
func DefaultConfig() Config {
	return Config{
		SpinDuration:  5 * time.Second,
		ChatMaxLength: MaxChatLength,
		HistoryLimit:  10,
	}
}

// Manager owns every room. Lock order is mu, then a room's mu.
type Manager struct {
	cfg    Config
	engine Engine
	guard  Guard
	clock  quartz.Clock
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	rooms  map[string]*Room
	conns  map[string]*member
	closed bool
}

// NewManager creates a manager and subscribes it to the engine's events.
func NewManager(cfg Config, engine Engine, g Guard, clock quartz.Clock, logger *log.Logger) *Manager {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		engine: engine,
		guard:  g,
		clock:  clock,
		logger: logger.WithPrefix("rooms"),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*Room),
		conns:  make(map[string]*member),
	}
	engine.Events().Subscribe(m)
	return m
}

func (m *Manager) message(t protocol.MessageType, data any) *protocol.Message {
	msg, err := protocol.NewMessage(t, data, m.clock.Now())
	if err != nil {
		m.logger.Error("Failed to build message", "type", t, "error", err)
		return nil
	}
	return msg
}

// Join attaches sender to the room for sessionID, creating the room if this
// is its first viewer. The joiner receives room_state, everyone else
// user_joined.
func (m *Manager) Join(ctx context.Context, sender Sender, sessionID, userID, ip string) (string, error) {
	view, err := m.engine.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	r, ok := m.rooms[sessionID]
	if !ok {
		r = newRoom(sessionID)
		m.rooms[sessionID] = r
		m.logger.Debug("Room created", "session", sessionID)
	}

	mem := &member{
		id:        gameid.New(gameid.Connection),
		sessionID: sessionID,
		userID:    userID,
		ip:        ip,
		sender:    sender,
	}

	r.mu.Lock()
	state := protocol.RoomState{
		SessionID:    sessionID,
		ConnectionID: mem.id,
		ViewerCount:  len(r.members),
		PendingBets:  append([]protocol.LiveBet{}, r.pending...),
		Stats:        r.stats.snapshot(sessionID, len(r.members)),
		Session:      &view,
	}
	r.members[mem.id] = mem
	m.conns[mem.id] = mem

	var failed []string
	if msg := m.message(protocol.TypeRoomState, state); msg != nil {
		failed = append(failed, r.sendToLocked(mem.id, msg)...)
	}
	joined := protocol.Presence{UserID: userID, ViewerCount: len(r.members)}
	if msg := m.message(protocol.TypeUserJoined, joined); msg != nil {
		failed = append(failed, r.broadcastLocked(msg, mem.id)...)
	}
	r.mu.Unlock()
	m.mu.Unlock()

	m.logger.Info("Viewer joined", "session", sessionID, "user", userID, "conn", mem.id, "viewers", joined.ViewerCount)
	m.drop(failed)

	for _, id := range failed {
		if id == mem.id {
			return "", fmt.Errorf("send room state: %w", ErrUnknownConnection)
		}
	}
	return mem.id, nil
}

// Leave detaches a connection and closes its sender. The last viewer out
// deletes the room and stops any spin sequence it was running.
func (m *Manager) Leave(connID string) {
	m.mu.Lock()
	mem, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, connID)

	var failed []string
	remaining := 0
	if r, ok := m.rooms[mem.sessionID]; ok {
		r.mu.Lock()
		delete(r.members, connID)
		remaining = len(r.members)
		if remaining == 0 {
			r.closed = true
			r.cancelSequenceLocked()
			delete(m.rooms, mem.sessionID)
			m.logger.Debug("Room deleted", "session", mem.sessionID)
		} else if msg := m.message(protocol.TypeUserLeft, protocol.Presence{UserID: mem.userID, ViewerCount: remaining}); msg != nil {
			failed = r.broadcastLocked(msg, "")
		}
		r.mu.Unlock()
	}
	m.mu.Unlock()

	if err := mem.sender.Close(); err != nil {
		m.logger.Debug("Close sender", "conn", connID, "error", err)
	}
	m.logger.Info("Viewer left", "session", mem.sessionID, "user", mem.userID, "conn", connID, "viewers", remaining)
	m.drop(failed)
}

// drop removes connections whose send failed.
func (m *Manager) drop(connIDs []string) {
	for _, id := range connIDs {
		m.logger.Warn("Dropping slow connection", "conn", id)
		m.Leave(id)
	}
}

func (m *Manager) room(sessionID string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[sessionID]
}

func (m *Manager) lookup(connID string) (*member, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.conns[connID]
	return mem, ok
}

// PlaceLiveBet places a bet for the user behind connID. Success is broadcast
// as live_bet_placed with a private bet_confirmed; failure is reported only
// to the placer as bet_error.
func (m *Manager) PlaceLiveBet(ctx context.Context, connID string, req game.BetRequest) (game.Bet, error) {
	mem, ok := m.lookup(connID)
	if !ok {
		return game.Bet{}, ErrUnknownConnection
	}
	return m.placeBet(ctx, mem.sessionID, mem.userID, mem.ip, connID, req)
}

// PlaceBet places a bet that did not arrive over a room connection. Viewers
// of the session still see it.
func (m *Manager) PlaceBet(ctx context.Context, sessionID, userID, ip string, req game.BetRequest) (game.Bet, error) {
	return m.placeBet(ctx, sessionID, userID, ip, "", req)
}

func (m *Manager) placeBet(ctx context.Context, sessionID, userID, ip, connID string, req game.BetRequest) (game.Bet, error) {
	r := m.room(sessionID)
	if r != nil {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			r = nil
		}
	}

	var bet game.Bet
	err := m.guard.AdmitBet(userID, ip, req.Amount)
	if err == nil {
		bet, err = m.engine.PlaceBet(ctx, sessionID, userID, req)
	}
	if err == nil {
		m.guard.RecordBet(userID, bet.Amount)
	}

	if r == nil {
		return bet, err
	}

	var failed []string
	if err != nil {
		if msg := m.message(protocol.TypeBetError, protocol.ErrorFrom(err)); msg != nil && connID != "" {
			failed = r.sendToLocked(connID, msg)
		}
	} else {
		live := protocol.LiveBetFrom(bet)
		r.pending = append(r.pending, live)
		if msg := m.message(protocol.TypeLiveBetPlaced, live); msg != nil {
			failed = r.broadcastLocked(msg, "")
		}
		if msg := m.message(protocol.TypeBetConfirmed, protocol.BetConfirmed{Bet: bet}); msg != nil && connID != "" {
			failed = append(failed, r.sendToLocked(connID, msg)...)
		}
	}
	r.mu.Unlock()

	m.drop(failed)
	return bet, err
}

// Chat broadcasts a trimmed chat line from the user behind connID.
func (m *Manager) Chat(connID, text string) error {
	text = strings.TrimSpace(text)
	if n := utf8.RuneCountInString(text); n == 0 || n > m.cfg.ChatMaxLength {
		return fmt.Errorf("%w: length must be 1-%d characters", ErrInvalidChat, m.cfg.ChatMaxLength)
	}

	mem, ok := m.lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}
	r := m.room(mem.sessionID)
	if r == nil {
		return ErrRoomNotFound
	}

	msg := m.message(protocol.TypeChatMessage, protocol.ChatOut{UserID: mem.userID, Message: text, SentAt: m.clock.Now()})
	if msg == nil {
		return nil
	}
	r.mu.Lock()
	failed := r.broadcastLocked(msg, "")
	r.mu.Unlock()
	m.drop(failed)
	return nil
}

// SendTo delivers msg to a single connection.
func (m *Manager) SendTo(connID string, msg *protocol.Message) error {
	mem, ok := m.lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}
	if err := mem.sender.Send(msg); err != nil {
		m.drop([]string{connID})
		return err
	}
	return nil
}

// SendError reports err privately to a connection.
func (m *Manager) SendError(connID string, t protocol.MessageType, err error) {
	if msg := m.message(t, protocol.ErrorFrom(err)); msg != nil {
		_ = m.SendTo(connID, msg)
	}
}

// SendStats answers request_room_stats.
func (m *Manager) SendStats(connID string) error {
	mem, ok := m.lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}
	stats, ok := m.Stats(mem.sessionID)
	if !ok {
		return ErrRoomNotFound
	}
	if msg := m.message(protocol.TypeRoomStats, stats); msg != nil {
		return m.SendTo(connID, msg)
	}
	return nil
}

// SendHistory answers request_game_history with the caller's own sessions.
func (m *Manager) SendHistory(ctx context.Context, connID string, limit int) error {
	mem, ok := m.lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}
	if limit <= 0 {
		limit = m.cfg.HistoryLimit
	}
	sessions, err := m.engine.GetHistory(ctx, mem.userID, limit, 0)
	if err != nil {
		return err
	}
	if msg := m.message(protocol.TypeGameHistory, protocol.GameHistory{Sessions: sessions}); msg != nil {
		return m.SendTo(connID, msg)
	}
	return nil
}

// Pong answers a ping.
func (m *Manager) Pong(connID string) error {
	if msg := m.message(protocol.TypePong, nil); msg != nil {
		return m.SendTo(connID, msg)
	}
	return nil
}

// Stats returns the statistics of a room.
func (m *Manager) Stats(sessionID string) (protocol.RoomStats, bool) {
	r := m.room(sessionID)
	if r == nil {
		return protocol.RoomStats{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.snapshot(sessionID, len(r.members)), true
}

// ViewerCount returns the number of connections watching sessionID.
func (m *Manager) ViewerCount(sessionID string) int {
	r := m.room(sessionID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// RoomCount returns the number of live rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Close stops every sequence, closes all connections and waits for running
// sequences to exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var senders []Sender
	for id, r := range m.rooms {
		r.mu.Lock()
		r.closed = true
		r.cancelSequenceLocked()
		r.mu.Unlock()
		delete(m.rooms, id)
	}
	for id, mem := range m.conns {
		senders = append(senders, mem.sender)
		delete(m.conns, id)
	}
	m.mu.Unlock()

	m.engine.Events().Unsubscribe(m)
	m.cancel()
	for _, s := range senders {
		_ = s.Close()
	}
	m.wg.Wait()
	return nil
}
