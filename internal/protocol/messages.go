// Package protocol defines the JSON messages exchanged with spectators and
// players over the room WebSocket.
package protocol

import (
	"time"

	"github.com/lox/cryptoroulette/internal/game"
	"github.com/shopspring/decimal"
)

// MessageType identifies the type of message
type MessageType string

// String returns the string representation of the message type
func (mt MessageType) String() string {
	return string(mt)
}

const (
	// Client -> Server
	TypePlaceLiveBet       MessageType = "place_live_bet"
	TypeChatMessage        MessageType = "chat_message"
	TypeRequestRoomStats   MessageType = "request_room_stats"
	TypeRequestGameHistory MessageType = "request_game_history"
	TypePing               MessageType = "ping"

	// Server -> Client
	TypeRoomState        MessageType = "room_state"
	TypeUserJoined       MessageType = "user_joined"
	TypeUserLeft         MessageType = "user_left"
	TypeBetConfirmed     MessageType = "bet_confirmed"
	TypeBetError         MessageType = "bet_error"
	TypeLiveBetPlaced    MessageType = "live_bet_placed"
	TypeBettingClosed    MessageType = "betting_closed"
	TypeWheelSpinning    MessageType = "wheel_spinning"
	TypeWheelSlowing     MessageType = "wheel_slowing"
	TypeGameResults      MessageType = "game_results"
	TypePersonalResult   MessageType = "personal_result"
	TypeRoomStats        MessageType = "room_stats"
	TypeGameHistory      MessageType = "game_history"
	TypePong             MessageType = "pong"
	TypeError            MessageType = "error"
	TypeSessionCancelled MessageType = "session_cancelled"
)

// Client -> Server Messages

// PlaceLiveBet asks to place a bet on the room's session
type PlaceLiveBet struct {
	BetData game.BetRequest `json:"bet_data"`
}

// ChatIn is an inbound chat line
type ChatIn struct {
	Message string `json:"message"`
}

// RequestGameHistory asks for the sender's recent sessions
type RequestGameHistory struct {
	Limit int `json:"limit,omitempty"`
}

// Server -> Client Messages

// LiveBet is a bet as shown to the whole room
type LiveBet struct {
	BetID           string          `json:"bet_id"`
	UserID          string          `json:"user_id"`
	BetType         string          `json:"bet_type"`
	BetValue        string          `json:"bet_value"`
	Amount          decimal.Decimal `json:"amount"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	PlacedAt        time.Time       `json:"placed_at"`
}

// LiveBetFrom converts an engine bet
func LiveBetFrom(b game.Bet) LiveBet {
	return LiveBet{
		BetID:           b.ID,
		UserID:          b.UserID,
		BetType:         string(b.Type),
		BetValue:        b.Value,
		Amount:          b.Amount,
		PotentialPayout: b.PotentialPayout,
		PlacedAt:        b.PlacedAt,
	}
}

// HotNumber is one bucket of the winning-number histogram
type HotNumber struct {
	Number int `json:"number"`
	Hits   int `json:"hits"`
}

// RoomStats summarises a room since it was created
type RoomStats struct {
	SessionID    string          `json:"session_id"`
	ViewerCount  int             `json:"viewer_count"`
	Rounds       int             `json:"rounds"`
	TotalBets    int             `json:"total_bets"`
	TotalWagered decimal.Decimal `json:"total_wagered"`
	TotalPaidOut decimal.Decimal `json:"total_paid_out"`
	HotNumbers   []HotNumber     `json:"hot_numbers"`
	LastWinners  []int           `json:"last_winners"`
}

// RoomState is the snapshot sent to a joining connection. ViewerCount
// excludes the joiner.
type RoomState struct {
	SessionID    string            `json:"session_id"`
	ConnectionID string            `json:"connection_id"`
	ViewerCount  int               `json:"viewer_count"`
	PendingBets  []LiveBet         `json:"pending_bets"`
	Stats        RoomStats         `json:"stats"`
	Session      *game.SessionView `json:"session,omitempty"`
}

// Presence is sent for user_joined and user_left
type Presence struct {
	UserID      string `json:"user_id"`
	ViewerCount int    `json:"viewer_count"`
}

// BetConfirmed is sent privately to the placer
type BetConfirmed struct {
	Bet game.Bet `json:"bet"`
}

// ErrorData is used for bet_error and error
type ErrorData struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// BettingClosed announces that the session stopped taking bets
type BettingClosed struct {
	SessionID   string          `json:"session_id"`
	TotalBets   int             `json:"total_bets"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// WheelSpinning starts the spin animation
type WheelSpinning struct {
	SessionID     string    `json:"session_id"`
	WinningNumber int       `json:"winning_number"`
	PendingBets   []LiveBet `json:"pending_bets"`
	DurationMS    int64     `json:"duration_ms"`
}

// WheelSlowing is the last stage before results
type WheelSlowing struct {
	SessionID string `json:"session_id"`
}

// Winner is one winning bet in game_results
type Winner struct {
	UserID  string          `json:"user_id"`
	BetID   string          `json:"bet_id"`
	BetType string          `json:"bet_type"`
	Payout  decimal.Decimal `json:"payout"`
}

// GameResults is broadcast when the staged spin finishes
type GameResults struct {
	SessionID       string          `json:"session_id"`
	WinningNumber   int             `json:"winning_number"`
	WinningCrypto   string          `json:"winning_crypto"`
	WinningSymbol   string          `json:"winning_symbol"`
	WinningColor    string          `json:"winning_color"`
	WinningCategory string          `json:"winning_category"`
	ResultHash      string          `json:"result_hash"`
	ServerSeedHash  string          `json:"server_seed_hash"`
	ClientSeed      string          `json:"client_seed"`
	Nonce           uint64          `json:"nonce"`
	TotalBets       int             `json:"total_bets"`
	TotalWagered    decimal.Decimal `json:"total_wagered"`
	TotalPayout     decimal.Decimal `json:"total_payout"`
	Winners         []Winner        `json:"winners"`
	Verified        bool            `json:"verified"`
	Stats           RoomStats       `json:"stats"`
}

// PersonalResult is sent to every connection of a bet owner
type PersonalResult struct {
	SessionID     string          `json:"session_id"`
	WinningNumber int             `json:"winning_number"`
	Bets          []game.Bet      `json:"bets"`
	TotalBet      decimal.Decimal `json:"total_bet"`
	TotalPayout   decimal.Decimal `json:"total_payout"`
	Net           decimal.Decimal `json:"net"`
	Won           bool            `json:"won"`
}

// ChatOut is a chat line broadcast to the room
type ChatOut struct {
	UserID  string    `json:"user_id"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// GameHistory answers request_game_history
type GameHistory struct {
	Sessions []game.SessionView `json:"sessions"`
}

// SessionCancelled is broadcast when the room's session is cancelled
type SessionCancelled struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}
