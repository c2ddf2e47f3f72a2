package sqlite

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/lox/cryptoroulette/internal/game"
	"github.com/lox/cryptoroulette/internal/wheel"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roulette.db")
	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func fixtureSession(now time.Time) (game.Session, game.Lineage) {
	lineage := game.Lineage{
		ID:             "lin_1",
		UserID:         "alice",
		ServerSeed:     "seed",
		ServerSeedHash: "hash",
		ClientSeed:     "client",
		NextNonce:      1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	session := game.Session{
		ID:             "ses_1",
		UserID:         "alice",
		GameType:       game.DefaultGameType,
		Status:         game.StatusActive,
		LineageID:      lineage.ID,
		ServerSeedHash: lineage.ServerSeedHash,
		ClientSeed:     lineage.ClientSeed,
		Nonce:          1,
		TotalBetAmount: decimal.RequireFromString("12.5"),
		TotalWinnings:  decimal.Zero,
		Bets: []game.Bet{
			{
				ID: "bet_1", SessionID: "ses_1", UserID: "alice", Type: wheel.DozenBet, Value: "2",
				Amount: decimal.RequireFromString("12.5"), Odds: 2,
				PotentialPayout: decimal.RequireFromString("37.5"), ActualPayout: decimal.Zero, PlacedAt: now,
			},
		},
		CreatedAt:    now,
		UpdatedAt:    now,
		PayoutStatus: game.PayoutNone,
	}
	return session, lineage
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	assert.Error(t, err)
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := openTempStore(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	session, lineage := fixtureSession(now)

	require.NoError(t, store.SaveLineage(ctx, lineage))
	require.NoError(t, store.SaveSession(ctx, session))

	got, err := store.GetSession(ctx, "ses_1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, game.StatusActive, got.Status)
	assert.Equal(t, uint64(1), got.Nonce)
	assert.Nil(t, got.WinningNumber)
	assert.Nil(t, got.CompletedAt)
	assert.True(t, session.TotalBetAmount.Equal(got.TotalBetAmount))
	require.Len(t, got.Bets, 1)
	assert.Equal(t, wheel.DozenBet, got.Bets[0].Type)
	assert.Equal(t, "ses_1", got.Bets[0].SessionID)
	assert.True(t, decimal.RequireFromString("37.5").Equal(got.Bets[0].PotentialPayout))
	assert.True(t, now.Equal(got.Bets[0].PlacedAt))

	active, err := store.ActiveSessionForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "ses_1", active.ID)

	_, err = store.GetSession(ctx, "ses_missing")
	assert.ErrorIs(t, err, game.ErrSessionNotFound)
	_, err = store.ActiveSessionForUser(ctx, "bob")
	assert.ErrorIs(t, err, game.ErrSessionNotFound)
}

func TestSaveSettlement(t *testing.T) {
	ctx := context.Background()
	store, _ := openTempStore(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	session, lineage := fixtureSession(now)
	require.NoError(t, store.SaveLineage(ctx, lineage))
	require.NoError(t, store.SaveSession(ctx, session))

	n := 14
	done := now.Add(time.Minute)
	session.Status = game.StatusCompleted
	session.WinningNumber = &n
	session.CompletedAt = &done
	session.Bets[0].IsWinner = true
	session.Bets[0].ActualPayout = decimal.RequireFromString("37.5")
	session.TotalWinnings = decimal.RequireFromString("37.5")
	session.PayoutStatus = game.PayoutPending
	lineage.NextNonce = 2
	lineage.UpdatedAt = done

	require.NoError(t, store.SaveSettlement(ctx, session, lineage))

	got, err := store.GetSession(ctx, "ses_1")
	require.NoError(t, err)
	require.NotNil(t, got.WinningNumber)
	assert.Equal(t, 14, *got.WinningNumber)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))
	assert.True(t, got.Bets[0].IsWinner)
	assert.Equal(t, game.PayoutPending, got.PayoutStatus)

	l, err := store.GetLineage(ctx, "lin_1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.NextNonce)

	_, err = store.ActiveSessionForUser(ctx, "alice")
	assert.ErrorIs(t, err, game.ErrSessionNotFound)
	active, err := store.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSaveSettlementRollsBack(t *testing.T) {
	ctx := context.Background()
	store, _ := openTempStore(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	session, lineage := fixtureSession(now)
	require.NoError(t, store.SaveLineage(ctx, lineage))
	require.NoError(t, store.SaveSession(ctx, session))

	other := session.Clone()
	other.ID = "ses_2"
	other.Bets = nil
	require.NoError(t, store.SaveSession(ctx, other))

	// Reusing bet_1 under another session violates the primary key.
	broken := session.Clone()
	broken.ID = "ses_2"
	broken.Status = game.StatusCompleted
	lineage.NextNonce = 5
	err := store.SaveSettlement(ctx, broken, lineage)
	require.ErrorIs(t, err, ErrDuplicate)

	l, err := store.GetLineage(ctx, "lin_1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), l.NextNonce)
	got, err := store.GetSession(ctx, "ses_2")
	require.NoError(t, err)
	assert.Equal(t, game.StatusActive, got.Status)
}

func TestListUserSessions(t *testing.T) {
	ctx := context.Background()
	store, _ := openTempStore(t)
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	_, lineage := fixtureSession(base)
	require.NoError(t, store.SaveLineage(ctx, lineage))

	for i, id := range []string{"ses_a", "ses_b", "ses_c"} {
		s, _ := fixtureSession(base.Add(time.Duration(i) * time.Minute))
		s.ID = id
		s.Bets = nil
		s.Status = game.StatusCancelled
		require.NoError(t, store.SaveSession(ctx, s))
	}

	page, err := store.ListUserSessions(ctx, "alice", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "ses_c", page[0].ID)
	assert.Equal(t, "ses_b", page[1].ID)

	page, err = store.ListUserSessions(ctx, "alice", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "ses_a", page[0].ID)

	page, err = store.ListUserSessions(ctx, "bob", 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, page)
	assert.Empty(t, page)
}

func TestCurrentLineage(t *testing.T) {
	ctx := context.Background()
	store, _ := openTempStore(t)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.CurrentLineage(ctx, "alice")
	assert.ErrorIs(t, err, game.ErrLineageNotFound)

	_, old := fixtureSession(now)
	require.NoError(t, store.SaveLineage(ctx, old))
	newer := old
	newer.ID = "lin_2"
	newer.CreatedAt = now.Add(time.Hour)
	require.NoError(t, store.SaveLineage(ctx, newer))

	cur, err := store.CurrentLineage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "lin_2", cur.ID)

	newer.Revealed = true
	require.NoError(t, store.SaveLineage(ctx, newer))
	cur, err = store.CurrentLineage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "lin_1", cur.ID)

	_, err = store.GetLineage(ctx, "lin_missing")
	assert.ErrorIs(t, err, game.ErrLineageNotFound)
}

func TestEngineSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	store, path := openTempStore(t)
	clk := quartz.NewMock(t)
	logger := log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})

	engine := game.NewEngine(store, game.DefaultConfig(), game.WithClock(clk), game.WithLogger(logger))
	first, err := engine.CreateSession(ctx, "alice", "", "lucky")
	require.NoError(t, err)
	_, err = engine.PlaceBet(ctx, first.ID, "alice", game.BetRequest{Type: "CRYPTO_COLOR", Value: "black", Amount: decimal.NewFromInt(20)})
	require.NoError(t, err)
	result, err := engine.Spin(ctx, first.ID, "alice")
	require.NoError(t, err)
	open, err := engine.CreateSession(ctx, "alice", "", "")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	engine = game.NewEngine(reopened, game.DefaultConfig(), game.WithClock(clk), game.WithLogger(logger))
	restored, err := engine.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	settled, err := engine.GetSession(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, settled.WinningNumber)
	assert.Equal(t, result.Number, *settled.WinningNumber)

	active, err := engine.GetActiveSessionForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, open.ID, active.ID)
	assert.Equal(t, first.Nonce+1, active.Nonce)
	assert.Equal(t, first.ClientSeed, active.ClientSeed)

	_, err = engine.PlaceBet(ctx, active.ID, "alice", game.BetRequest{Type: "EVEN_ODD", Value: "odd", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	_, err = engine.Spin(ctx, active.ID, "alice")
	require.NoError(t, err)
}
