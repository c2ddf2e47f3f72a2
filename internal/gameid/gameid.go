// Package gameid mints prefixed, time-sortable identifiers for sessions, bets,
// seed lineages and connections.
//
// An ID is a short kind prefix, an underscore, and a UUIDv7 encoded as a
// 26-character lowercase Crockford base32 string, e.g.
// "ses_0190f3c6b7e47a1b9c2d3e4f5a".
package gameid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Base32 alphabet used by TypeID (Crockford's base32)
const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

const encodedLen = 26

// Kind is the prefix that says what an ID names.
type Kind string

const (
	Session    Kind = "ses"
	Bet        Kind = "bet"
	Lineage    Kind = "lin"
	Connection Kind = "conn"
)

func (k Kind) valid() bool {
	switch k {
	case Session, Bet, Lineage, Connection:
		return true
	}
	return false
}

// New returns a fresh ID of the given kind.
func New(kind Kind) string {
	return string(kind) + "_" + encodeBase32(uuid.Must(uuid.NewV7()))
}

// encodeBase32 encodes a 128-bit UUID as a 26-character base32 string. The
// value is treated as 130 bits with two leading zero bits, so the first
// character is always 0-7.
func encodeBase32(u uuid.UUID) string {
	result := make([]byte, encodedLen)

	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(u[i])
		lo = lo<<8 | uint64(u[i+8])
	}

	// Emit from the least significant end, five bits at a time.
	for i := encodedLen - 1; i >= 0; i-- {
		result[i] = alphabet[lo&0x1f]
		lo = lo>>5 | hi<<59
		hi >>= 5
	}
	return string(result)
}

// Parse splits an ID into its kind and checks the encoded part.
func Parse(id string) (Kind, error) {
	prefix, body, ok := strings.Cut(id, "_")
	if !ok {
		return "", fmt.Errorf("id %q has no kind prefix", id)
	}
	kind := Kind(prefix)
	if !kind.valid() {
		return "", fmt.Errorf("id %q has unknown kind %q", id, prefix)
	}
	if err := validateBody(body); err != nil {
		return "", fmt.Errorf("id %q: %w", id, err)
	}
	return kind, nil
}

// Validate checks that id is well formed and of the wanted kind.
func Validate(id string, want Kind) error {
	kind, err := Parse(id)
	if err != nil {
		return err
	}
	if kind != want {
		return fmt.Errorf("id %q is a %s id, want %s", id, kind, want)
	}
	return nil
}

func validateBody(body string) error {
	if len(body) != encodedLen {
		return fmt.Errorf("must be exactly %d characters, got %d", encodedLen, len(body))
	}

	// A first character above 7 would need more than 128 bits.
	if body[0] > '7' {
		return fmt.Errorf("first character must be 0-7, got %c", body[0])
	}

	for i, char := range body {
		if !strings.ContainsRune(alphabet, char) {
			return fmt.Errorf("invalid character %c at position %d", char, i)
		}
	}
	return nil
}
