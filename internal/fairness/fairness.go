// Package fairness implements the provably-fair seed lifecycle for the wheel.
//
// The server commits to a secret seed by publishing its SHA-256 hash before any
// bet is accepted. After the round the seed is revealed and anyone can replay
// Resolve with the same (server seed, client seed, nonce) triple to confirm the
// winning number. Everything in this package is pure apart from seed
// generation, which reads crypto/rand.
package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	// WheelSize is the number of pockets on the wheel (0-36).
	WheelSize = 37

	serverSeedBytes = 32
	clientSeedBytes = 8
	clientSeedChars = 16
	hashRounds      = 5
	segmentChars    = 8
	segmentCount    = 3
)

// Result is the outcome of one spin derivation.
type Result struct {
	Number int    `json:"number"`
	Hash   string `json:"hash"`
}

// Commitment is the public half of a seed triple, shown before bets are taken.
type Commitment struct {
	ServerSeedHash string `json:"server_seed_hash"`
	ClientSeed     string `json:"client_seed"`
	Nonce          uint64 `json:"nonce"`
}

// NewServerSeed returns a fresh 64 hex character server seed.
func NewServerSeed() (string, error) {
	var b [serverSeedBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read server seed: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// HashServerSeed returns the hex SHA-256 of the seed. This is the commitment.
func HashServerSeed(seed string) string {
	return sha256Hex(seed)
}

// DeriveClientSeed turns optional player input into a 16 hex character client
// seed. Blank input yields random bytes instead.
func DeriveClientSeed(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input != "" {
		return sha256Hex(input)[:clientSeedChars], nil
	}

	var b [clientSeedBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read client seed: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Resolve derives the winning number for a seed triple.
//
// h0 = sha256(server:client:nonce), then five chained rounds of
// h(i+1) = sha256(h(i):i). The first three 8 hex character segments of the final
// hash are XORed together and reduced modulo the wheel size.
func Resolve(serverSeed, clientSeed string, nonce uint64) Result {
	h := sha256Hex(serverSeed + ":" + clientSeed + ":" + strconv.FormatUint(nonce, 10))
	for i := 0; i < hashRounds; i++ {
		h = sha256Hex(h + ":" + strconv.Itoa(i))
	}

	var acc uint32
	for i := 0; i < segmentCount; i++ {
		segment := h[i*segmentChars : (i+1)*segmentChars]
		v, err := strconv.ParseUint(segment, 16, 32)
		if err != nil {
			// sha256Hex always yields lowercase hex
			panic(fmt.Sprintf("fairness: non-hex segment %q: %v", segment, err))
		}
		acc ^= uint32(v)
	}

	return Result{
		Number: int(acc % WheelSize),
		Hash:   h,
	}
}

// Verify reports whether the claimed hash and number are exactly what Resolve
// produces for the triple.
func Verify(serverSeed, clientSeed string, nonce uint64, claimedHash string, claimedNumber int) bool {
	got := Resolve(serverSeed, clientSeed, nonce)
	hashOK := subtle.ConstantTimeCompare([]byte(got.Hash), []byte(claimedHash)) == 1
	return hashOK && got.Number == claimedNumber
}

// VerifyCommitment reports whether seed hashes to the published commitment.
func VerifyCommitment(seed, commitment string) bool {
	return subtle.ConstantTimeCompare([]byte(HashServerSeed(seed)), []byte(commitment)) == 1
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
