package protocol

import (
	"errors"
	"math"

	"github.com/lox/cryptoroulette/internal/game"
	"github.com/lox/cryptoroulette/internal/guard"
)

// Error codes carried in ErrorData
const (
	CodeInvalidMessage      = "invalid_message"
	CodeInvalidBet          = "invalid_bet"
	CodeSessionNotActive    = "session_not_active"
	CodeSessionNotFound     = "session_not_found"
	CodeNotOwner            = "not_owner"
	CodeSessionNotComplete  = "session_not_complete"
	CodeActiveSessionExists = "active_session_exists"
	CodeSeedInUse           = "seed_in_use"
	CodeRateLimited         = "rate_limited"
	CodeSuspiciousPattern   = "suspicious_pattern"
	CodeVerificationFailed  = "verification_failed"
	CodeChatRejected        = "chat_rejected"
	CodeInternal            = "internal_error"
)

var codes = []struct {
	err  error
	code string
}{
	{game.ErrInvalidBet, CodeInvalidBet},
	{game.ErrSessionNotActive, CodeSessionNotActive},
	{game.ErrSessionNotFound, CodeSessionNotFound},
	{game.ErrNotOwner, CodeNotOwner},
	{game.ErrSessionNotComplete, CodeSessionNotComplete},
	{game.ErrActiveSessionExists, CodeActiveSessionExists},
	{game.ErrSeedInUse, CodeSeedInUse},
	{game.ErrVerificationFailed, CodeVerificationFailed},
	{guard.ErrRateLimited, CodeRateLimited},
	{guard.ErrSuspiciousPattern, CodeSuspiciousPattern},
}

// CodeFor maps an engine or guard error to its wire code
func CodeFor(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ErrorFrom builds an ErrorData for err, carrying Retry-After for rejections
func ErrorFrom(err error) ErrorData {
	d := ErrorData{Code: CodeFor(err), Message: err.Error()}
	if d.Code == CodeInternal {
		d.Message = "internal error"
	}
	var rej *guard.Rejection
	if errors.As(err, &rej) && rej.RetryAfter > 0 {
		d.RetryAfter = int(math.Ceil(rej.RetryAfter.Seconds()))
	}
	return d
}
