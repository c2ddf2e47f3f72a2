// Package sqlite provides a SQLite-backed game.Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/lox/cryptoroulette/internal/game"
	"github.com/lox/cryptoroulette/internal/storage/sqlite/migrations"
	"github.com/lox/cryptoroulette/internal/wheel"
	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// ErrDuplicate is returned when a bet id is reused across sessions.
var ErrDuplicate = errors.New("duplicate record")

// Store persists sessions, bets and seed lineages in SQLite.
type Store struct {
	sqlDB *sql.DB
}

var _ game.Store = (*Store)(nil)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps settlement transactions serialised.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveSession inserts or replaces a session and its bets.
func (s *Store) SaveSession(ctx context.Context, session game.Session) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return saveSession(ctx, tx, session)
	})
}

// SaveSettlement writes the settled session and the advanced lineage in one
// transaction.
func (s *Store) SaveSettlement(ctx context.Context, session game.Session, lineage game.Lineage) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := saveLineage(ctx, tx, lineage); err != nil {
			return err
		}
		return saveSession(ctx, tx, session)
	})
}

// SaveLineage inserts or replaces a lineage.
func (s *Store) SaveLineage(ctx context.Context, lineage game.Lineage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return saveLineage(ctx, s.sqlDB, lineage)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func saveSession(ctx context.Context, db execer, session game.Session) error {
	var winning sql.NullInt64
	if session.WinningNumber != nil {
		winning = sql.NullInt64{Int64: int64(*session.WinningNumber), Valid: true}
	}
	var completed sql.NullInt64
	if session.CompletedAt != nil {
		completed = sql.NullInt64{Int64: toMillis(*session.CompletedAt), Valid: true}
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (
		   id, user_id, game_type, status, lineage_id, server_seed_hash, client_seed, nonce,
		   winning_number, winning_crypto, winning_category, winning_color, result_hash,
		   total_bet_amount, total_winnings, created_at, updated_at, completed_at,
		   cancel_reason, payout_status
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   status = excluded.status,
		   winning_number = excluded.winning_number,
		   winning_crypto = excluded.winning_crypto,
		   winning_category = excluded.winning_category,
		   winning_color = excluded.winning_color,
		   result_hash = excluded.result_hash,
		   total_bet_amount = excluded.total_bet_amount,
		   total_winnings = excluded.total_winnings,
		   updated_at = excluded.updated_at,
		   completed_at = excluded.completed_at,
		   cancel_reason = excluded.cancel_reason,
		   payout_status = excluded.payout_status`,
		session.ID,
		session.UserID,
		session.GameType,
		string(session.Status),
		session.LineageID,
		session.ServerSeedHash,
		session.ClientSeed,
		int64(session.Nonce),
		winning,
		session.WinningCrypto,
		session.WinningCategory,
		session.WinningColor,
		session.ResultHash,
		session.TotalBetAmount.String(),
		session.TotalWinnings.String(),
		toMillis(session.CreatedAt),
		toMillis(session.UpdatedAt),
		completed,
		session.CancelReason,
		string(session.PayoutStatus),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM bets WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("clear bets for %s: %w", session.ID, err)
	}
	for i, b := range session.Bets {
		_, err := db.ExecContext(ctx,
			`INSERT INTO bets (
			   id, session_id, seq, user_id, bet_type, bet_value, amount, odds,
			   potential_payout, is_winner, actual_payout, placed_at
			 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID,
			session.ID,
			i,
			b.UserID,
			string(b.Type),
			b.Value,
			b.Amount.String(),
			b.Odds,
			b.PotentialPayout.String(),
			b.IsWinner,
			b.ActualPayout.String(),
			toMillis(b.PlacedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("save bet %s: %w", b.ID, ErrDuplicate)
			}
			return fmt.Errorf("save bet %s: %w", b.ID, err)
		}
	}
	return nil
}

func saveLineage(ctx context.Context, db execer, l game.Lineage) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO lineages (
		   id, user_id, server_seed, server_seed_hash, client_seed, next_nonce,
		   revealed, halted, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   next_nonce = excluded.next_nonce,
		   revealed = excluded.revealed,
		   halted = excluded.halted,
		   updated_at = excluded.updated_at`,
		l.ID,
		l.UserID,
		l.ServerSeed,
		l.ServerSeedHash,
		l.ClientSeed,
		int64(l.NextNonce),
		l.Revealed,
		l.Halted,
		toMillis(l.CreatedAt),
		toMillis(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save lineage %s: %w", l.ID, err)
	}
	return nil
}

const sessionColumns = `id, user_id, game_type, status, lineage_id, server_seed_hash, client_seed, nonce,
	winning_number, winning_crypto, winning_category, winning_color, result_hash,
	total_bet_amount, total_winnings, created_at, updated_at, completed_at,
	cancel_reason, payout_status`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (game.Session, error) {
	var (
		s                    game.Session
		status, payout       string
		nonce                int64
		winning, completed   sql.NullInt64
		totalBet, totalWins  string
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.GameType, &status, &s.LineageID, &s.ServerSeedHash, &s.ClientSeed, &nonce,
		&winning, &s.WinningCrypto, &s.WinningCategory, &s.WinningColor, &s.ResultHash,
		&totalBet, &totalWins, &createdAt, &updatedAt, &completed,
		&s.CancelReason, &payout,
	)
	if err != nil {
		return game.Session{}, err
	}
	s.Status = game.Status(status)
	s.PayoutStatus = game.PayoutStatus(payout)
	s.Nonce = uint64(nonce)
	if winning.Valid {
		n := int(winning.Int64)
		s.WinningNumber = &n
	}
	if completed.Valid {
		t := fromMillis(completed.Int64)
		s.CompletedAt = &t
	}
	if s.TotalBetAmount, err = decimal.NewFromString(totalBet); err != nil {
		return game.Session{}, fmt.Errorf("parse total_bet_amount: %w", err)
	}
	if s.TotalWinnings, err = decimal.NewFromString(totalWins); err != nil {
		return game.Session{}, fmt.Errorf("parse total_winnings: %w", err)
	}
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	return s, nil
}

func (s *Store) loadBets(ctx context.Context, session *game.Session) error {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, user_id, bet_type, bet_value, amount, odds, potential_payout,
		        is_winner, actual_payout, placed_at
		   FROM bets WHERE session_id = ? ORDER BY seq`,
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("query bets for %s: %w", session.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b                         game.Bet
			betType                   string
			amount, potential, actual string
			placedAt                  int64
		)
		if err := rows.Scan(&b.ID, &b.UserID, &betType, &b.Value, &amount, &b.Odds, &potential,
			&b.IsWinner, &actual, &placedAt); err != nil {
			return fmt.Errorf("scan bet: %w", err)
		}
		b.SessionID = session.ID
		b.Type = wheel.BetType(betType)
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return fmt.Errorf("parse bet amount: %w", err)
		}
		if b.PotentialPayout, err = decimal.NewFromString(potential); err != nil {
			return fmt.Errorf("parse potential payout: %w", err)
		}
		if b.ActualPayout, err = decimal.NewFromString(actual); err != nil {
			return fmt.Errorf("parse actual payout: %w", err)
		}
		b.PlacedAt = fromMillis(placedAt)
		session.Bets = append(session.Bets, b)
	}
	return rows.Err()
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]game.Session, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	var out []game.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	// Bets are loaded after the cursor is closed: the pool holds one connection.
	_ = rows.Close()

	for i := range out {
		if err := s.loadBets(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) getSession(ctx context.Context, where string, args ...any) (game.Session, error) {
	sessions, err := s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE `+where+` LIMIT 1`, args...)
	if err != nil {
		return game.Session{}, err
	}
	if len(sessions) == 0 {
		return game.Session{}, game.ErrSessionNotFound
	}
	return sessions[0], nil
}

// GetSession returns one session with its bets.
func (s *Store) GetSession(ctx context.Context, id string) (game.Session, error) {
	if err := ctx.Err(); err != nil {
		return game.Session{}, err
	}
	return s.getSession(ctx, `id = ?`, id)
}

// ActiveSessionForUser returns the user's ACTIVE session.
func (s *Store) ActiveSessionForUser(ctx context.Context, userID string) (game.Session, error) {
	if err := ctx.Err(); err != nil {
		return game.Session{}, err
	}
	return s.getSession(ctx, `user_id = ? AND status = ? ORDER BY created_at DESC, id DESC`, userID, string(game.StatusActive))
}

// ListUserSessions returns the user's sessions, newest first.
func (s *Store) ListUserSessions(ctx context.Context, userID string, limit, offset int) ([]game.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sessions, err := s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ?
		  ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []game.Session{}
	}
	return sessions, nil
}

// ListActiveSessions returns every ACTIVE session.
func (s *Store) ListActiveSessions(ctx context.Context) ([]game.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY created_at`,
		string(game.StatusActive),
	)
}

const lineageColumns = `id, user_id, server_seed, server_seed_hash, client_seed, next_nonce,
	revealed, halted, created_at, updated_at`

func (s *Store) getLineage(ctx context.Context, where string, args ...any) (game.Lineage, error) {
	var (
		l                    game.Lineage
		nextNonce            int64
		createdAt, updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `SELECT `+lineageColumns+` FROM lineages WHERE `+where+` LIMIT 1`, args...).Scan(
		&l.ID, &l.UserID, &l.ServerSeed, &l.ServerSeedHash, &l.ClientSeed, &nextNonce,
		&l.Revealed, &l.Halted, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return game.Lineage{}, game.ErrLineageNotFound
	}
	if err != nil {
		return game.Lineage{}, fmt.Errorf("get lineage: %w", err)
	}
	l.NextNonce = uint64(nextNonce)
	l.CreatedAt = fromMillis(createdAt)
	l.UpdatedAt = fromMillis(updatedAt)
	return l, nil
}

// GetLineage returns one lineage.
func (s *Store) GetLineage(ctx context.Context, id string) (game.Lineage, error) {
	if err := ctx.Err(); err != nil {
		return game.Lineage{}, err
	}
	return s.getLineage(ctx, `id = ?`, id)
}

// CurrentLineage returns the user's newest unrevealed lineage.
func (s *Store) CurrentLineage(ctx context.Context, userID string) (game.Lineage, error) {
	if err := ctx.Err(); err != nil {
		return game.Lineage{}, err
	}
	return s.getLineage(ctx, `user_id = ? AND revealed = 0 ORDER BY created_at DESC, id DESC`, userID)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
