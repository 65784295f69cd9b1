// Package redis stores allowances and scores in Redis. Every read-modify-write
// runs as a Lua script so a wallet's record is never updated by two callers at
// once.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/flappy-rocket/internal/config"
	"github.com/flappy-rocket/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Store provides Redis-based allowance and score storage
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewStore connects to Redis and returns a store
func NewStore(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewStoreFromClient(client, cfg.KeyPrefix, logger), nil
}

// NewStoreFromClient wraps an existing client
func NewStoreFromClient(client *redis.Client, prefix string, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// leaderboardKey returns the key of the best-score sorted set
func (s *Store) leaderboardKey() string {
	return fmt.Sprintf("%s:leaderboard:best", s.prefix)
}

// allowanceKey returns the key of a wallet's allowance hash
func (s *Store) allowanceKey(wallet string) string {
	return fmt.Sprintf("%s:player:%s:allowance", s.prefix, wallet)
}

// payoutsKey returns the key of a wallet's applied payout hashes
func (s *Store) payoutsKey(wallet string) string {
	return fmt.Sprintf("%s:player:%s:payouts", s.prefix, wallet)
}

// playerInfoKey returns the key of a wallet's score metadata hash
func (s *Store) playerInfoKey(wallet string) string {
	return fmt.Sprintf("%s:player:%s:info", s.prefix, wallet)
}

// KEYS[1] allowance hash
// ARGV wallet, username, grant-1, now ms, rolling period ms
var admitPlayScript = redis.NewScript(`
local now = tonumber(ARGV[4])
local plays = redis.call('HGET', KEYS[1], 'plays_remaining')
if not plays then
  redis.call('HSET', KEYS[1],
    'wallet', ARGV[1], 'username', ARGV[2], 'plays_remaining', ARGV[3],
    'last_play_at', ARGV[4], 'last_earned', '0', 'total_earned', '0',
    'created_at', ARGV[4], 'updated_at', ARGV[4])
  return {1, tonumber(ARGV[3]), now}
end

plays = tonumber(plays)
local last = tonumber(redis.call('HGET', KEYS[1], 'last_play_at'))
if now - last >= tonumber(ARGV[5]) then
  plays = tonumber(ARGV[3])
elseif plays > 0 then
  plays = plays - 1
else
  return {0, plays, last}
end

redis.call('HSET', KEYS[1], 'plays_remaining', plays, 'last_play_at', ARGV[4], 'updated_at', ARGV[4])
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'username', ARGV[2])
end
return {1, plays, now}
`)

// KEYS[1] allowance hash, KEYS[2] applied payout hashes set
// ARGV amount, now ms, tx hash
// Returns {applied, field, value, ...} or nil for an unknown wallet.
var recordEarningsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local applied = '0'
if redis.call('SADD', KEYS[2], ARGV[3]) == 1 then
  redis.call('HSET', KEYS[1], 'last_earned', ARGV[1], 'updated_at', ARGV[2])
  redis.call('HINCRBYFLOAT', KEYS[1], 'total_earned', ARGV[1])
  applied = '1'
end
local fields = redis.call('HGETALL', KEYS[1])
table.insert(fields, 1, applied)
return fields
`)

// KEYS[1] leaderboard sorted set, KEYS[2] player info hash
// ARGV wallet, username, score, now ms
// Returns {improved, created}.
var submitScoreScript = redis.NewScript(`
local score = tonumber(ARGV[3])
local current = redis.call('ZSCORE', KEYS[1], ARGV[1])
if current and tonumber(current) >= score then
  return {0, 0}
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[2], 'username', ARGV[2], 'updated_at', ARGV[4])
if not current then
  redis.call('HSET', KEYS[2], 'created_at', ARGV[4])
  return {1, 1}
end
return {1, 0}
`)

// AdmitPlay applies one play request atomically
func (s *Store) AdmitPlay(ctx context.Context, wallet, username string, now time.Time, policy domain.AllowancePolicy) (domain.PlayDecision, error) {
	res, err := admitPlayScript.Run(ctx, s.client,
		[]string{s.allowanceKey(wallet)},
		wallet,
		username,
		policy.DailyGrant-1,
		now.UnixMilli(),
		policy.RollingPeriod.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return domain.PlayDecision{}, fmt.Errorf("admitting play: %w", err)
	}
	if len(res) != 3 {
		return domain.PlayDecision{}, fmt.Errorf("admitting play: unexpected reply %v", res)
	}

	last := time.UnixMilli(res[2]).UTC()
	if res[0] == 0 {
		return domain.PlayDecision{
			LastPlayAt: last,
			NextReset:  policy.NextReset(last),
		}, nil
	}
	return domain.PlayDecision{
		Admitted:       true,
		PlaysRemaining: int(res[1]),
		LastPlayAt:     last,
		NextReset:      policy.NextReset(last),
	}, nil
}

// GetAllowance retrieves a wallet's allowance record
func (s *Store) GetAllowance(ctx context.Context, wallet string) (*domain.PlayerAllowance, error) {
	fields, err := s.client.HGetAll(ctx, s.allowanceKey(wallet)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting allowance: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrPlayerNotFound
	}
	return parseAllowance(fields)
}

// RecordEarnings sets last_earned and increments total_earned once per
// transaction hash
func (s *Store) RecordEarnings(ctx context.Context, wallet, txHash string, amount float64, now time.Time) (*domain.PlayerAllowance, bool, error) {
	res, err := recordEarningsScript.Run(ctx, s.client,
		[]string{s.allowanceKey(wallet), s.payoutsKey(wallet)},
		strconv.FormatFloat(amount, 'f', -1, 64),
		now.UnixMilli(),
		txHash,
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, domain.ErrPlayerNotFound
		}
		return nil, false, fmt.Errorf("recording earnings: %w", err)
	}
	if len(res) == 0 {
		return nil, false, fmt.Errorf("recording earnings: empty reply")
	}

	applied := res[0] == "1"
	fields := make(map[string]string, len(res)/2)
	for i := 1; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	a, err := parseAllowance(fields)
	if err != nil {
		return nil, false, err
	}
	return a, applied, nil
}

func parseAllowance(fields map[string]string) (*domain.PlayerAllowance, error) {
	var (
		a   domain.PlayerAllowance
		err error
	)
	a.Wallet = fields["wallet"]
	a.Username = fields["username"]
	if a.PlaysRemaining, err = strconv.Atoi(fields["plays_remaining"]); err != nil {
		return nil, fmt.Errorf("parsing plays_remaining: %w", err)
	}
	if a.LastEarned, err = strconv.ParseFloat(fields["last_earned"], 64); err != nil {
		return nil, fmt.Errorf("parsing last_earned: %w", err)
	}
	if a.TotalEarned, err = strconv.ParseFloat(fields["total_earned"], 64); err != nil {
		return nil, fmt.Errorf("parsing total_earned: %w", err)
	}
	if a.LastPlayAt, err = parseMillis(fields["last_play_at"]); err != nil {
		return nil, fmt.Errorf("parsing last_play_at: %w", err)
	}
	if a.CreatedAt, err = parseMillis(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = parseMillis(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SubmitBestScore sets a wallet's score only if it beats the stored best
func (s *Store) SubmitBestScore(ctx context.Context, wallet, username string, score int64, now time.Time) (domain.ScoreResult, error) {
	res, err := submitScoreScript.Run(ctx, s.client,
		[]string{s.leaderboardKey(), s.playerInfoKey(wallet)},
		wallet,
		username,
		score,
		now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return domain.ScoreResult{}, fmt.Errorf("submitting score: %w", err)
	}
	if len(res) != 2 {
		return domain.ScoreResult{}, fmt.Errorf("submitting score: unexpected reply %v", res)
	}

	rec, err := s.GetScore(ctx, wallet)
	if err != nil {
		return domain.ScoreResult{}, err
	}
	return domain.ScoreResult{
		Record:   *rec,
		Improved: res[0] == 1,
		Created:  res[1] == 1,
	}, nil
}

// TopScores returns the top players in descending order. Equal scores are
// ordered by wallet, reverse lexicographically.
func (s *Store) TopScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, s.leaderboardKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top scores: %w", err)
	}

	// Use pipeline to fetch all usernames in one round trip
	pipe := s.client.Pipeline()
	names := make([]*redis.StringCmd, len(results))
	for i, result := range results {
		names[i] = pipe.HGet(ctx, s.playerInfoKey(result.Member.(string)), "username")
	}
	if len(results) > 0 {
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("getting usernames: %w", err)
		}
	}

	entries := make([]domain.LeaderboardEntry, len(results))
	for i, result := range results {
		entries[i] = domain.LeaderboardEntry{
			Rank:     int64(i + 1),
			Wallet:   result.Member.(string),
			Username: names[i].Val(),
			Score:    int64(result.Score),
		}
	}
	return entries, nil
}

// GetScore retrieves a wallet's best score record
func (s *Store) GetScore(ctx context.Context, wallet string) (*domain.ScoreRecord, error) {
	pipe := s.client.Pipeline()
	scoreCmd := pipe.ZScore(ctx, s.leaderboardKey(), wallet)
	infoCmd := pipe.HGetAll(ctx, s.playerInfoKey(wallet))
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("getting score: %w", err)
	}

	score, err := scoreCmd.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrScoreNotFound
		}
		return nil, fmt.Errorf("getting score result: %w", err)
	}

	info := infoCmd.Val()
	rec := &domain.ScoreRecord{
		Wallet:    wallet,
		Username:  info["username"],
		BestScore: int64(score),
	}
	if rec.CreatedAt, err = parseMillis(info["created_at"]); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseMillis(info["updated_at"]); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return rec, nil
}

// CountScores returns the number of wallets on the leaderboard
func (s *Store) CountScores(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, s.leaderboardKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}
