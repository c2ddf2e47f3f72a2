package wheel

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// BetType is the closed set of wagers the table accepts.
type BetType string

const (
	SingleCrypto   BetType = "SINGLE_CRYPTO"
	CryptoColor    BetType = "CRYPTO_COLOR"
	CryptoCategory BetType = "CRYPTO_CATEGORY"
	EvenOddBet     BetType = "EVEN_ODD"
	HighLowBet     BetType = "HIGH_LOW"
	DozenBet       BetType = "DOZEN"
	ColumnBet      BetType = "COLUMN"
)

// ErrUnknownBetType is returned for bet types outside the table.
var ErrUnknownBetType = errors.New("unknown bet type")

// ErrInvalidBetValue is returned when a value is not in the bet type's vocabulary.
var ErrInvalidBetValue = errors.New("invalid bet value")

type rule struct {
	odds       int64
	vocabulary []string
	classify   func(n int) string
}

var rules = map[BetType]rule{
	SingleCrypto: {
		odds:     35,
		classify: func(n int) string { return positions[n].Crypto },
	},
	// Zero is green and store_of_value; only a SINGLE_CRYPTO bet can cover it.
	CryptoColor: {
		odds:       1,
		vocabulary: []string{string(Red), string(Black)},
		classify:   func(n int) string { return string(positions[n].Color) },
	},
	CryptoCategory: {
		odds:       2,
		vocabulary: []string{string(Layer1), string(DeFi), string(Payments)},
		classify:   func(n int) string { return string(positions[n].Category) },
	},
	EvenOddBet: {
		odds:       1,
		vocabulary: []string{"even", "odd"},
		classify:   EvenOdd,
	},
	HighLowBet: {
		odds:       1,
		vocabulary: []string{"low", "high"},
		classify:   HighLow,
	},
	DozenBet: {
		odds:       2,
		vocabulary: []string{"1", "2", "3"},
		classify:   Dozen,
	},
	ColumnBet: {
		odds:       2,
		vocabulary: []string{"1", "2", "3"},
		classify:   Column,
	},
}

// BetTypes lists every bet type in a stable order.
func BetTypes() []BetType {
	out := make([]BetType, 0, len(rules))
	for bt := range rules {
		out = append(out, bt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseBetType accepts any casing of a known bet type.
func ParseBetType(s string) (BetType, error) {
	bt := BetType(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := rules[bt]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownBetType, s)
	}
	return bt, nil
}

// Valid reports whether bt is in the table.
func (bt BetType) Valid() bool {
	_, ok := rules[bt]
	return ok
}

// PayoutOdds returns the "to one" odds for bt, or 0 for unknown types.
func PayoutOdds(bt BetType) int64 {
	return rules[bt].odds
}

// CalculatePayout is the total returned on a win at the table's current odds,
// stake included.
func CalculatePayout(bt BetType, amount decimal.Decimal) decimal.Decimal {
	return PayoutAt(PayoutOdds(bt), amount)
}

// PayoutAt is CalculatePayout for odds captured earlier.
func PayoutAt(odds int64, amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(odds + 1))
}

// Vocabulary lists the accepted values for bt.
func Vocabulary(bt BetType) []string {
	v := rules[bt].vocabulary
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// NormalizeBetValue lower-cases and trims value and checks it against the
// vocabulary of bt.
func NormalizeBetValue(bt BetType, value string) (string, error) {
	r, ok := rules[bt]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownBetType, bt)
	}
	value = strings.ToLower(strings.TrimSpace(value))
	for _, v := range r.vocabulary {
		if v == value {
			return value, nil
		}
	}
	return "", fmt.Errorf("%w %q for %s: want one of %s",
		ErrInvalidBetValue, value, bt, strings.Join(r.vocabulary, ", "))
}

// ValidateBetValue reports whether value is acceptable for bt.
func ValidateBetValue(bt BetType, value string) error {
	_, err := NormalizeBetValue(bt, value)
	return err
}

// Classify returns the attribute of number n that bets of type bt match on.
func Classify(bt BetType, n int) string {
	r, ok := rules[bt]
	if !ok || n < 0 || n >= Size {
		return ""
	}
	return r.classify(n)
}

// IsWinner reports whether a normalized value of bt wins on n.
func IsWinner(bt BetType, value string, n int) bool {
	got := Classify(bt, n)
	return got != "" && got != None && got == value
}
