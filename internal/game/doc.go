// Package game implements the provably-fair roulette session engine.
//
// A session moves ACTIVE -> SPINNING -> COMPLETED, or ACTIVE -> CANCELLED. Bets
// are accepted only while ACTIVE; the check and the transition to SPINNING run
// under the same per-session lock, so no bet can slip in once a spin starts.
//
// # Seeds
//
// Each user has a seed lineage: a committed server seed, a client seed and the
// next nonce. Sessions draw consecutive nonces from the lineage. Revealing the
// server seed of a finished session retires the lineage and the user's next
// session starts a fresh one.
//
// # Basic Usage
//
//	engine := game.NewEngine(game.NewMemoryStore(), game.DefaultConfig(),
//	    game.WithLogger(logger))
//	s, _ := engine.CreateSession(ctx, "alice", "", "my lucky seed")
//	engine.PlaceBet(ctx, s.ID, "alice", game.BetRequest{
//	    Type: "SINGLE_CRYPTO", Value: "bitcoin", Amount: decimal.NewFromInt(50),
//	})
//	result, _ := engine.Spin(ctx, s.ID, "alice")
//
// Engine events are published on Events(); the room manager subscribes to
// drive its broadcast sequence.
package game
