package game

import "errors"

// Sentinel errors returned by the Engine. Callers match them with errors.Is;
// the engine wraps them with context.
var (
	ErrInvalidBet          = errors.New("invalid bet")
	ErrSessionNotActive    = errors.New("session not active")
	ErrSessionNotFound     = errors.New("session not found")
	ErrNotOwner            = errors.New("session belongs to another user")
	ErrSessionNotComplete  = errors.New("session not complete")
	ErrVerificationFailed  = errors.New("fairness verification failed")
	ErrActiveSessionExists = errors.New("user already has an active session")
	ErrSeedInUse           = errors.New("server seed still in use by an active session")
	ErrLineageNotFound     = errors.New("seed lineage not found")
)
