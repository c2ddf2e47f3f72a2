// Package ledger provides in-process implementations of the engine's wallet
// and achievements collaborators.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrMissingReference = errors.New("reference id is required")
	ErrReferenceReused  = errors.New("reference id already used for a different entry")
)

// Kind is the direction of an entry.
type Kind string

const (
	KindDebit  Kind = "debit"
	KindCredit Kind = "credit"
)

// Entry is one applied wallet movement.
type Entry struct {
	UserID      string          `json:"user_id"`
	Kind        Kind            `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	ReferenceID string          `json:"reference_id"`
	Balance     decimal.Decimal `json:"balance"`
	At          time.Time       `json:"at"`
}

// Wallet is a virtual balance per user. Entries are keyed by reference id, so
// a repeated call with the same reference is applied once. Balances may go
// negative; the currency is play money.
type Wallet struct {
	clock  quartz.Clock
	logger *log.Logger

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	entries  map[string]Entry
	journal  map[string][]string
}

// NewWallet creates an empty wallet.
func NewWallet(clock quartz.Clock, logger *log.Logger) *Wallet {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Wallet{
		clock:    clock,
		logger:   logger.WithPrefix("wallet"),
		balances: make(map[string]decimal.Decimal),
		entries:  make(map[string]Entry),
		journal:  make(map[string][]string),
	}
}

// Debit removes amount from the user's balance.
func (w *Wallet) Debit(ctx context.Context, userID string, amount decimal.Decimal, reason, referenceID string) error {
	return w.apply(ctx, KindDebit, userID, amount, reason, referenceID)
}

// Credit adds amount to the user's balance.
func (w *Wallet) Credit(ctx context.Context, userID string, amount decimal.Decimal, reason, referenceID string) error {
	return w.apply(ctx, KindCredit, userID, amount, reason, referenceID)
}

func (w *Wallet) apply(ctx context.Context, kind Kind, userID string, amount decimal.Decimal, reason, referenceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if referenceID == "" {
		return ErrMissingReference
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, ok := w.entries[referenceID]; ok {
		if prev.UserID != userID || prev.Kind != kind || !prev.Amount.Equal(amount) {
			return fmt.Errorf("%w: %s", ErrReferenceReused, referenceID)
		}
		w.logger.Debug("Duplicate entry ignored", "user", userID, "ref", referenceID)
		return nil
	}

	delta := amount
	if kind == KindDebit {
		delta = amount.Neg()
	}
	balance := w.balances[userID].Add(delta)
	w.balances[userID] = balance
	w.entries[referenceID] = Entry{
		UserID:      userID,
		Kind:        kind,
		Amount:      amount,
		Reason:      reason,
		ReferenceID: referenceID,
		Balance:     balance,
		At:          w.clock.Now().UTC(),
	}
	w.journal[userID] = append(w.journal[userID], referenceID)

	w.logger.Debug("Entry applied", "user", userID, "kind", kind, "amount", amount, "reason", reason, "ref", referenceID, "balance", balance)
	return nil
}

// Balance returns the user's current balance.
func (w *Wallet) Balance(userID string) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[userID]
}

// Entries returns the user's entries, oldest first.
func (w *Wallet) Entries(userID string) []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	refs := w.journal[userID]
	out := make([]Entry, 0, len(refs))
	for _, ref := range refs {
		out = append(out, w.entries[ref])
	}
	return out
}
