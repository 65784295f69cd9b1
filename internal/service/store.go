package service

import (
	"context"
	"time"

	"github.com/flappy-rocket/internal/domain"
)

// AllowanceStore persists play allowances. AdmitPlay must apply the policy as
// one atomic operation per wallet: concurrent calls for the same wallet are
// serialized, calls for different wallets are not.
type AllowanceStore interface {
	AdmitPlay(ctx context.Context, wallet, username string, now time.Time, policy domain.AllowancePolicy) (domain.PlayDecision, error)
	GetAllowance(ctx context.Context, wallet string) (*domain.PlayerAllowance, error)
	// RecordEarnings applies a payout at most once per transaction hash in one
	// atomic operation. applied is false when the hash was seen before.
	RecordEarnings(ctx context.Context, wallet, txHash string, amount float64, now time.Time) (allowance *domain.PlayerAllowance, applied bool, err error)
}

// ScoreStore persists best scores. SubmitBestScore must replace the stored
// best only when score is strictly greater, in one conditional update.
type ScoreStore interface {
	SubmitBestScore(ctx context.Context, wallet, username string, score int64, now time.Time) (domain.ScoreResult, error)
	TopScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
	GetScore(ctx context.Context, wallet string) (*domain.ScoreRecord, error)
}

// EventPublisher forwards game events to downstream consumers
type EventPublisher interface {
	Publish(ctx context.Context, event domain.GameEvent) error
}

// Broadcaster pushes live updates to connected clients
type Broadcaster interface {
	BroadcastScoreUpdate(record domain.ScoreRecord)
	BroadcastAllowanceUpdate(wallet string, decision domain.PlayDecision)
}
