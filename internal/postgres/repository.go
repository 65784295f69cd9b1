package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flappy-rocket/internal/config"
	"github.com/flappy-rocket/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL-based allowance and score storage
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	return connect(context.Background(), poolConfig, logger)
}

// NewRepositoryFromDSN creates a repository from a connection string
func NewRepositoryFromDSN(ctx context.Context, dsn string, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	return connect(ctx, poolConfig, logger)
}

func connect(ctx context.Context, poolConfig *pgxpool.Config, logger *slog.Logger) (*Repository, error) {
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// Ping checks database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS player_allowances (
			wallet VARCHAR(42) PRIMARY KEY,
			username VARCHAR(64) NOT NULL,
			plays_remaining INT NOT NULL,
			last_play_at TIMESTAMPTZ NOT NULL,
			last_earned NUMERIC(36, 18) NOT NULL DEFAULT 0,
			total_earned NUMERIC(36, 18) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK (plays_remaining >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS score_records (
			id BIGSERIAL PRIMARY KEY,
			wallet VARCHAR(42) NOT NULL UNIQUE,
			username VARCHAR(64) NOT NULL,
			best_score BIGINT NOT NULL CHECK (best_score >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS applied_payouts (
			tx_hash VARCHAR(66) PRIMARY KEY,
			wallet VARCHAR(42) NOT NULL REFERENCES player_allowances(wallet),
			amount NUMERIC(36, 18) NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_player_allowances_last_play ON player_allowances(last_play_at)`,
		`CREATE INDEX IF NOT EXISTS idx_score_records_best ON score_records(best_score DESC, id ASC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// admitPlayQuery collapses create, reset, decrement and reject into one
// statement. The row lock taken by ON CONFLICT serializes callers for the same
// wallet; when the WHERE clause fails nothing is written and no row returns.
//
// $1 wallet, $2 username, $3 daily grant, $4 now, $5 rolling period seconds
const admitPlayQuery = `
	INSERT INTO player_allowances (wallet, username, plays_remaining, last_play_at, created_at, updated_at)
	VALUES ($1, $2, $3 - 1, $4, $4, $4)
	ON CONFLICT (wallet) DO UPDATE SET
		plays_remaining = CASE
			WHEN $4::timestamptz - player_allowances.last_play_at >= make_interval(secs => $5)
				THEN $3 - 1
			ELSE player_allowances.plays_remaining - 1
		END,
		username = CASE WHEN $2 = '' THEN player_allowances.username ELSE EXCLUDED.username END,
		last_play_at = $4,
		updated_at = $4
	WHERE $4::timestamptz - player_allowances.last_play_at >= make_interval(secs => $5)
		OR player_allowances.plays_remaining > 0
	RETURNING plays_remaining, last_play_at
`

// AdmitPlay applies one play request atomically.
//
// A rejected upsert still locks the conflicting row, so the follow-up read in
// the same transaction reports the state that caused the rejection.
func (r *Repository) AdmitPlay(ctx context.Context, wallet, username string, now time.Time, policy domain.AllowancePolicy) (domain.PlayDecision, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.PlayDecision{}, fmt.Errorf("beginning admission: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		remaining int
		lastPlay  time.Time
		admitted  = true
	)
	err = tx.QueryRow(ctx, admitPlayQuery,
		wallet,
		username,
		policy.DailyGrant,
		now,
		policy.RollingPeriod.Seconds(),
	).Scan(&remaining, &lastPlay)
	if errors.Is(err, pgx.ErrNoRows) {
		admitted, remaining = false, 0
		err = tx.QueryRow(ctx,
			`SELECT last_play_at FROM player_allowances WHERE wallet = $1`,
			wallet,
		).Scan(&lastPlay)
	}
	if err != nil {
		return domain.PlayDecision{}, fmt.Errorf("admitting play: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.PlayDecision{}, fmt.Errorf("committing admission: %w", err)
	}

	return domain.PlayDecision{
		Admitted:       admitted,
		PlaysRemaining: remaining,
		LastPlayAt:     lastPlay,
		NextReset:      policy.NextReset(lastPlay),
	}, nil
}

// GetAllowance retrieves a wallet's allowance record
func (r *Repository) GetAllowance(ctx context.Context, wallet string) (*domain.PlayerAllowance, error) {
	query := `
		SELECT wallet, username, plays_remaining, last_play_at,
			last_earned::float8, total_earned::float8, created_at, updated_at
		FROM player_allowances
		WHERE wallet = $1
	`
	var a domain.PlayerAllowance
	err := r.pool.QueryRow(ctx, query, wallet).Scan(
		&a.Wallet,
		&a.Username,
		&a.PlaysRemaining,
		&a.LastPlayAt,
		&a.LastEarned,
		&a.TotalEarned,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("getting allowance: %w", err)
	}
	return &a, nil
}

// recordEarningsQuery claims the transaction hash and applies the payout in
// one statement. A hash already in applied_payouts claims nothing, so the
// UPDATE matches no row.
//
// $1 wallet, $2 tx hash, $3 amount, $4 now
const recordEarningsQuery = `
	WITH claimed AS (
		INSERT INTO applied_payouts (tx_hash, wallet, amount, applied_at)
		SELECT $2::text, $1::text, $3::numeric, $4::timestamptz
		WHERE EXISTS (SELECT 1 FROM player_allowances WHERE wallet = $1::text)
		ON CONFLICT (tx_hash) DO NOTHING
		RETURNING wallet
	)
	UPDATE player_allowances p
	SET last_earned = $3::numeric, total_earned = p.total_earned + $3::numeric, updated_at = $4::timestamptz
	FROM claimed
	WHERE p.wallet = claimed.wallet
	RETURNING p.wallet, p.username, p.plays_remaining, p.last_play_at,
		p.last_earned::float8, p.total_earned::float8, p.created_at, p.updated_at
`

// RecordEarnings sets last_earned and increments total_earned once per
// transaction hash
func (r *Repository) RecordEarnings(ctx context.Context, wallet, txHash string, amount float64, now time.Time) (*domain.PlayerAllowance, bool, error) {
	var a domain.PlayerAllowance
	err := r.pool.QueryRow(ctx, recordEarningsQuery, wallet, txHash, amount, now).Scan(
		&a.Wallet,
		&a.Username,
		&a.PlaysRemaining,
		&a.LastPlayAt,
		&a.LastEarned,
		&a.TotalEarned,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err == nil {
		return &a, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("recording earnings: %w", err)
	}

	// Unknown wallet or a payout that was already applied.
	current, err := r.GetAllowance(ctx, wallet)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// SubmitBestScore inserts or raises a wallet's best score in one statement
func (r *Repository) SubmitBestScore(ctx context.Context, wallet, username string, score int64, now time.Time) (domain.ScoreResult, error) {
	query := `
		INSERT INTO score_records (wallet, username, best_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (wallet)
		DO UPDATE SET
			best_score = EXCLUDED.best_score,
			username = EXCLUDED.username,
			updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.best_score > score_records.best_score
		RETURNING wallet, username, best_score, created_at, updated_at, (xmax = 0) AS inserted
	`
	var (
		rec      domain.ScoreRecord
		inserted bool
	)
	err := r.pool.QueryRow(ctx, query, wallet, username, score, now).Scan(
		&rec.Wallet,
		&rec.Username,
		&rec.BestScore,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&inserted,
	)
	if err == nil {
		return domain.ScoreResult{Record: rec, Improved: true, Created: inserted}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.ScoreResult{}, fmt.Errorf("upserting best score: %w", err)
	}

	current, err := r.GetScore(ctx, wallet)
	if err != nil {
		return domain.ScoreResult{}, fmt.Errorf("reading unchanged score: %w", err)
	}
	return domain.ScoreResult{Record: *current}, nil
}

// TopScores retrieves the leaderboard, earlier records first on ties
func (r *Repository) TopScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	query := `
		SELECT wallet, username, best_score,
			ROW_NUMBER() OVER (ORDER BY best_score DESC, id ASC) AS rank
		FROM score_records
		ORDER BY best_score DESC, id ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("getting top scores: %w", err)
	}
	defer rows.Close()

	entries := []domain.LeaderboardEntry{}
	for rows.Next() {
		var entry domain.LeaderboardEntry
		if err := rows.Scan(&entry.Wallet, &entry.Username, &entry.Score, &entry.Rank); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating top scores: %w", err)
	}
	return entries, nil
}

// GetScore retrieves a wallet's best score record
func (r *Repository) GetScore(ctx context.Context, wallet string) (*domain.ScoreRecord, error) {
	query := `
		SELECT wallet, username, best_score, created_at, updated_at
		FROM score_records
		WHERE wallet = $1
	`
	var rec domain.ScoreRecord
	err := r.pool.QueryRow(ctx, query, wallet).Scan(
		&rec.Wallet,
		&rec.Username,
		&rec.BestScore,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrScoreNotFound
		}
		return nil, fmt.Errorf("getting score: %w", err)
	}
	return &rec, nil
}

// CountScores returns the number of wallets with a score
func (r *Repository) CountScores(ctx context.Context) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM score_records`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting scores: %w", err)
	}
	return count, nil
}
