package game

import (
	"context"

	"github.com/shopspring/decimal"
)

// Wallet moves virtual currency. Implementations must treat referenceID as an
// idempotency key: a repeated call with the same reference is a no-op.
type Wallet interface {
	Debit(ctx context.Context, userID string, amount decimal.Decimal, reason, referenceID string) error
	Credit(ctx context.Context, userID string, amount decimal.Decimal, reason, referenceID string) error
}

// Achievements is notified after every settled spin.
type Achievements interface {
	Check(ctx context.Context, userID, trigger string, data map[string]any) error
}

const (
	reasonBet    = "bet"
	reasonPayout = "payout"

	// TriggerSpinSettled is the achievements trigger sent after settlement.
	TriggerSpinSettled = "spin_settled"
)

func payoutReference(betID string) string {
	return betID + ":" + reasonPayout
}
