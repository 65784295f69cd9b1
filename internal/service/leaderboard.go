package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flappy-rocket/internal/config"
	"github.com/flappy-rocket/internal/domain"
	"github.com/flappy-rocket/internal/metrics"
	"github.com/google/uuid"
)

// ScoreService provides business logic for score and leaderboard operations
type ScoreService struct {
	store     ScoreStore
	config    *config.LeaderboardConfig
	rate      float64
	metrics   *metrics.Metrics
	logger    *slog.Logger
	publisher EventPublisher
	hub       Broadcaster
}

// NewScoreService creates a new score service
func NewScoreService(
	store ScoreStore,
	cfg *config.LeaderboardConfig,
	rewards *config.RewardsConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ScoreService {
	return &ScoreService{
		store:   store,
		config:  cfg,
		rate:    rewards.RatePerPoint,
		metrics: m,
		logger:  logger,
	}
}

// SetPublisher sets the game event publisher
func (s *ScoreService) SetPublisher(p EventPublisher) {
	s.publisher = p
}

// SetHub sets the broadcaster for live score updates
func (s *ScoreService) SetHub(hub Broadcaster) {
	s.hub = hub
}

// SubmitScore records a finished game's score, keeping the best per wallet.
// A score that does not beat the stored best is a success with Improved false.
func (s *ScoreService) SubmitScore(ctx context.Context, submission domain.ScoreSubmission, now time.Time) (domain.ScoreResult, error) {
	wallet, err := domain.NormalizeWallet(submission.Wallet)
	if err != nil {
		return domain.ScoreResult{}, err
	}
	username, err := domain.NormalizeUsername(submission.Username)
	if err != nil {
		return domain.ScoreResult{}, err
	}
	if submission.Score < 0 {
		return domain.ScoreResult{}, domain.ErrInvalidScore
	}
	if submission.Score > domain.MaxScore {
		return domain.ScoreResult{}, fmt.Errorf("%w: above %d", domain.ErrInvalidScore, domain.MaxScore)
	}

	result, err := s.store.SubmitBestScore(ctx, wallet, username, submission.Score, now)
	if err != nil {
		s.metrics.ScoreSubmission(metrics.OutcomeError)
		return domain.ScoreResult{}, wrapStorageError(ctx, s.metrics, s.logger, "submit_score", err)
	}
	result.Reward = domain.RewardFor(submission.Score, s.rate)

	if result.Improved {
		s.metrics.ScoreSubmission(metrics.OutcomeImproved)
		s.logger.Info("best score improved",
			"wallet", wallet,
			"best_score", result.Record.BestScore,
		)
		if s.hub != nil {
			s.hub.BroadcastScoreUpdate(result.Record)
		}
	} else {
		s.metrics.ScoreSubmission(metrics.OutcomeUnchanged)
	}

	if s.publisher != nil {
		score, best := submission.Score, result.Record.BestScore
		event := domain.GameEvent{
			ID:        uuid.NewString(),
			Type:      domain.EventTypeScoreSubmitted,
			Wallet:    wallet,
			Username:  username,
			Score:     &score,
			BestScore: &best,
			Improved:  result.Improved,
			Reward:    result.Reward,
			Timestamp: now,
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn("failed to publish score event", "wallet", wallet, "error", err)
		}
	}

	return result, nil
}

// Leaderboard returns the top players by best score
func (s *ScoreService) Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	// Validate limit
	if limit <= 0 {
		limit = s.config.DefaultLimit
	}
	if limit > s.config.MaxLimit {
		limit = s.config.MaxLimit
	}

	entries, err := s.store.TopScores(ctx, limit)
	if err != nil {
		return nil, wrapStorageError(ctx, s.metrics, s.logger, "top_scores", err)
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	return entries, nil
}

// PlayerScore returns a wallet's best score. domain.ErrScoreNotFound means
// the wallet has not submitted a score yet.
func (s *ScoreService) PlayerScore(ctx context.Context, wallet string) (*domain.ScoreRecord, error) {
	wallet, err := domain.NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}

	record, err := s.store.GetScore(ctx, wallet)
	if err != nil {
		if errors.Is(err, domain.ErrScoreNotFound) {
			return nil, err
		}
		return nil, wrapStorageError(ctx, s.metrics, s.logger, "get_score", err)
	}
	return record, nil
}
