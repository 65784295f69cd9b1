// Package sqlite provides an embedded SQLite backend for single-node
// deployments and local development.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/flappy-rocket/internal/domain"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Store persists allowances and scores in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies the schema.
func Open(ctx context.Context, path string, busyTimeout time.Duration, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		filepath.Clean(path), busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; statements queue on the pool instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("sqlite store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ?1 wallet, ?2 username, ?3 grant-1, ?4 now ms, ?5 rolling period ms
const admitPlayQuery = `
	INSERT INTO player_allowances (wallet, username, plays_remaining, last_play_at, created_at, updated_at)
	VALUES (?1, ?2, ?3, ?4, ?4, ?4)
	ON CONFLICT (wallet) DO UPDATE SET
		plays_remaining = CASE
			WHEN ?4 - player_allowances.last_play_at >= ?5 THEN ?3
			ELSE player_allowances.plays_remaining - 1
		END,
		username = CASE WHEN ?2 = '' THEN player_allowances.username ELSE ?2 END,
		last_play_at = ?4,
		updated_at = ?4
	WHERE ?4 - player_allowances.last_play_at >= ?5
		OR player_allowances.plays_remaining > 0
	RETURNING plays_remaining, last_play_at
`

// AdmitPlay applies one play request in a single statement. The rejection
// read shares its transaction so it sees the row that rejected the request.
func (s *Store) AdmitPlay(ctx context.Context, wallet, username string, now time.Time, policy domain.AllowancePolicy) (domain.PlayDecision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PlayDecision{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		remaining int
		lastPlay  int64
		admitted  = true
	)
	err = tx.QueryRowContext(ctx, admitPlayQuery,
		wallet,
		username,
		policy.DailyGrant-1,
		toMillis(now),
		policy.RollingPeriod.Milliseconds(),
	).Scan(&remaining, &lastPlay)
	if errors.Is(err, sql.ErrNoRows) {
		admitted, remaining = false, 0
		err = tx.QueryRowContext(ctx,
			`SELECT last_play_at FROM player_allowances WHERE wallet = ?`, wallet,
		).Scan(&lastPlay)
	}
	if err != nil {
		return domain.PlayDecision{}, fmt.Errorf("admit play: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.PlayDecision{}, fmt.Errorf("commit: %w", err)
	}

	last := fromMillis(lastPlay)
	return domain.PlayDecision{
		Admitted:       admitted,
		PlaysRemaining: remaining,
		LastPlayAt:     last,
		NextReset:      policy.NextReset(last),
	}, nil
}

const allowanceColumns = `wallet, username, plays_remaining, last_play_at, last_earned, total_earned, created_at, updated_at`

func scanAllowance(row *sql.Row) (*domain.PlayerAllowance, error) {
	var (
		a                              domain.PlayerAllowance
		lastPlay, createdAt, updatedAt int64
	)
	if err := row.Scan(&a.Wallet, &a.Username, &a.PlaysRemaining, &lastPlay, &a.LastEarned, &a.TotalEarned, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.LastPlayAt = fromMillis(lastPlay)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

// GetAllowance loads a wallet's allowance record.
func (s *Store) GetAllowance(ctx context.Context, wallet string) (*domain.PlayerAllowance, error) {
	a, err := scanAllowance(s.db.QueryRowContext(ctx,
		`SELECT `+allowanceColumns+` FROM player_allowances WHERE wallet = ?`, wallet))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("get allowance: %w", err)
	}
	return a, nil
}

// RecordEarnings sets last_earned and adds amount to total_earned, once per
// transaction hash.
func (s *Store) RecordEarnings(ctx context.Context, wallet, txHash string, amount float64, now time.Time) (*domain.PlayerAllowance, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO applied_payouts (tx_hash, wallet, amount, applied_at)
		SELECT ?2, ?1, ?3, ?4
		WHERE EXISTS (SELECT 1 FROM player_allowances WHERE wallet = ?1)
		ON CONFLICT (tx_hash) DO NOTHING`,
		wallet, txHash, amount, toMillis(now))
	if err != nil {
		return nil, false, fmt.Errorf("claim payout: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("claim payout: %w", err)
	}

	var a *domain.PlayerAllowance
	if claimed == 1 {
		a, err = scanAllowance(tx.QueryRowContext(ctx, `
			UPDATE player_allowances
			SET last_earned = ?2, total_earned = total_earned + ?2, updated_at = ?3
			WHERE wallet = ?1
			RETURNING `+allowanceColumns,
			wallet, amount, toMillis(now)))
	} else {
		a, err = scanAllowance(tx.QueryRowContext(ctx,
			`SELECT `+allowanceColumns+` FROM player_allowances WHERE wallet = ?`, wallet))
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, domain.ErrPlayerNotFound
		}
		return nil, false, fmt.Errorf("record earnings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return a, claimed == 1, nil
}

// submitScoreQuery replaces the best score only when the new one is greater.
// revision counts updates, so a returned revision of 0 marks a new record.
// No row comes back when the score did not improve.
//
// ?1 wallet, ?2 username, ?3 score, ?4 now ms
const submitScoreQuery = `
	INSERT INTO score_records (wallet, username, best_score, created_at, updated_at)
	VALUES (?1, ?2, ?3, ?4, ?4)
	ON CONFLICT (wallet) DO UPDATE SET
		best_score = excluded.best_score,
		username = excluded.username,
		updated_at = excluded.updated_at,
		revision = score_records.revision + 1
	WHERE excluded.best_score > score_records.best_score
	RETURNING wallet, username, best_score, created_at, updated_at, revision = 0
`

// SubmitBestScore inserts or raises a wallet's best score in one statement.
func (s *Store) SubmitBestScore(ctx context.Context, wallet, username string, score int64, now time.Time) (domain.ScoreResult, error) {
	var (
		rec                  domain.ScoreRecord
		createdAt, updatedAt int64
		created              bool
	)
	err := s.db.QueryRowContext(ctx, submitScoreQuery, wallet, username, score, toMillis(now)).
		Scan(&rec.Wallet, &rec.Username, &rec.BestScore, &createdAt, &updatedAt, &created)
	if err == nil {
		rec.CreatedAt = fromMillis(createdAt)
		rec.UpdatedAt = fromMillis(updatedAt)
		return domain.ScoreResult{Record: rec, Improved: true, Created: created}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.ScoreResult{}, fmt.Errorf("upsert best score: %w", err)
	}

	current, err := s.GetScore(ctx, wallet)
	if err != nil {
		return domain.ScoreResult{}, fmt.Errorf("read unchanged score: %w", err)
	}
	return domain.ScoreResult{Record: *current}, nil
}

func scanScore(row *sql.Row) (*domain.ScoreRecord, error) {
	var (
		rec                  domain.ScoreRecord
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.Wallet, &rec.Username, &rec.BestScore, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}

// TopScores returns the leaderboard, earlier records first on ties.
func (s *Store) TopScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wallet, username, best_score
		FROM score_records
		ORDER BY best_score DESC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top scores: %w", err)
	}
	defer rows.Close()

	entries := []domain.LeaderboardEntry{}
	for rows.Next() {
		entry := domain.LeaderboardEntry{Rank: int64(len(entries) + 1)}
		if err := rows.Scan(&entry.Wallet, &entry.Username, &entry.Score); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top scores: %w", err)
	}
	return entries, nil
}

// GetScore loads a wallet's best score record.
func (s *Store) GetScore(ctx context.Context, wallet string) (*domain.ScoreRecord, error) {
	rec, err := scanScore(s.db.QueryRowContext(ctx,
		`SELECT wallet, username, best_score, created_at, updated_at FROM score_records WHERE wallet = ?`, wallet))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrScoreNotFound
		}
		return nil, fmt.Errorf("get score: %w", err)
	}
	return rec, nil
}

// CountScores returns the number of wallets with a score.
func (s *Store) CountScores(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM score_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count scores: %w", err)
	}
	return count, nil
}
