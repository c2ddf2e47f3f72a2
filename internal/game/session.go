package game

import (
	"time"

	"github.com/lox/cryptoroulette/internal/wheel"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSpinning  Status = "SPINNING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// PayoutStatus tracks what happened to the wallet after settlement.
type PayoutStatus string

const (
	PayoutNone    PayoutStatus = "none"
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
	PayoutHeld    PayoutStatus = "held"
	PayoutFailed  PayoutStatus = "failed"
)

// DefaultGameType is used when a caller does not name one.
const DefaultGameType = "crypto_roulette"

// Bet is one wager inside a session. Odds are captured when the bet is placed.
type Bet struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	UserID          string          `json:"user_id"`
	Type            wheel.BetType   `json:"bet_type"`
	Value           string          `json:"bet_value"`
	Amount          decimal.Decimal `json:"amount"`
	Odds            int64           `json:"payout_odds"`
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	IsWinner        bool            `json:"is_winner"`
	ActualPayout    decimal.Decimal `json:"actual_payout"`
	PlacedAt        time.Time       `json:"placed_at"`
}

// BetRequest is what a player submits.
type BetRequest struct {
	Type   string          `json:"bet_type" validate:"required"`
	Value  string          `json:"bet_value" validate:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// Session is the stored form of a game session, server seed included.
type Session struct {
	ID              string
	UserID          string
	GameType        string
	Status          Status
	LineageID       string
	ServerSeedHash  string
	ClientSeed      string
	Nonce           uint64
	WinningNumber   *int
	WinningCrypto   string
	WinningCategory string
	WinningColor    string
	ResultHash      string
	TotalBetAmount  decimal.Decimal
	TotalWinnings   decimal.Decimal
	Bets            []Bet
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	CancelReason    string
	PayoutStatus    PayoutStatus
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	out := s
	out.Bets = append([]Bet(nil), s.Bets...)
	if s.WinningNumber != nil {
		n := *s.WinningNumber
		out.WinningNumber = &n
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// View is the public rendering of the session.
func (s Session) View() SessionView {
	c := s.Clone()
	if c.Bets == nil {
		c.Bets = []Bet{}
	}
	return SessionView{
		ID:              c.ID,
		UserID:          c.UserID,
		GameType:        c.GameType,
		Status:          c.Status,
		ServerSeedHash:  c.ServerSeedHash,
		ClientSeed:      c.ClientSeed,
		Nonce:           c.Nonce,
		WinningNumber:   c.WinningNumber,
		WinningCrypto:   c.WinningCrypto,
		WinningCategory: c.WinningCategory,
		WinningColor:    c.WinningColor,
		ResultHash:      c.ResultHash,
		TotalBetAmount:  c.TotalBetAmount,
		TotalWinnings:   c.TotalWinnings,
		Bets:            c.Bets,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		CompletedAt:     c.CompletedAt,
		CancelReason:    c.CancelReason,
		PayoutStatus:    c.PayoutStatus,
	}
}

// SessionView is a session as shown to clients. The server seed never appears
// here; it is only available through RevealServerSeed.
type SessionView struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	GameType        string          `json:"game_type"`
	Status          Status          `json:"status"`
	ServerSeedHash  string          `json:"server_seed_hash"`
	ClientSeed      string          `json:"client_seed"`
	Nonce           uint64          `json:"nonce"`
	WinningNumber   *int            `json:"winning_number,omitempty"`
	WinningCrypto   string          `json:"winning_crypto,omitempty"`
	WinningCategory string          `json:"winning_category,omitempty"`
	WinningColor    string          `json:"winning_color,omitempty"`
	ResultHash      string          `json:"result_hash,omitempty"`
	TotalBetAmount  decimal.Decimal `json:"total_bet_amount"`
	TotalWinnings   decimal.Decimal `json:"total_winnings"`
	Bets            []Bet           `json:"bets"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	PayoutStatus    PayoutStatus    `json:"payout_status"`
}

// Lineage is a server seed commitment shared by consecutive sessions of one
// user. Each spin on the lineage consumes the next nonce.
type Lineage struct {
	ID             string
	UserID         string
	ServerSeed     string
	ServerSeedHash string
	ClientSeed     string
	NextNonce      uint64
	Revealed       bool
	Halted         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SpinResult is returned by Spin.
type SpinResult struct {
	SessionID     string          `json:"session_id"`
	Number        int             `json:"winning_number"`
	Crypto        string          `json:"winning_crypto"`
	Symbol        string          `json:"winning_symbol"`
	Color         string          `json:"winning_color"`
	Category      string          `json:"winning_category"`
	Hash          string          `json:"result_hash"`
	Nonce         uint64          `json:"nonce"`
	TotalBet      decimal.Decimal `json:"total_bet_amount"`
	TotalWinnings decimal.Decimal `json:"total_winnings"`
	Bets          []Bet           `json:"bets"`
	Verified      bool            `json:"verified"`
	PayoutStatus  PayoutStatus    `json:"payout_status"`
	Session       SessionView     `json:"session"`
}

// Reveal discloses the seeds behind a finished session.
type Reveal struct {
	SessionID      string `json:"session_id"`
	ServerSeed     string `json:"server_seed"`
	ServerSeedHash string `json:"server_seed_hash"`
	ClientSeed     string `json:"client_seed"`
	Nonce          uint64 `json:"nonce"`
	ResultHash     string `json:"result_hash,omitempty"`
	WinningNumber  *int   `json:"winning_number,omitempty"`
	Verified       bool   `json:"verified"`
}

// Audit is the outcome of recomputing a completed session from its stored seeds.
type Audit struct {
	SessionID       string `json:"session_id"`
	StoredNumber    int    `json:"stored_number"`
	StoredHash      string `json:"stored_hash"`
	ExpectedNumber  int    `json:"expected_number"`
	ExpectedHash    string `json:"expected_hash"`
	CommitmentValid bool   `json:"commitment_valid"`
	Match           bool   `json:"match"`
	LineageHalted   bool   `json:"lineage_halted"`
	LineageRevealed bool   `json:"lineage_revealed"`
}
