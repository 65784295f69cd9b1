package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flappy-rocket/internal/domain"
	"github.com/flappy-rocket/internal/metrics"
	"github.com/google/uuid"
)

// PlayRequest identifies the wallet asking to start a game
type PlayRequest struct {
	Wallet   string `json:"wallet"`
	Username string `json:"username"`
}

// AllowanceService decides whether a wallet may start a play
type AllowanceService struct {
	store     AllowanceStore
	policy    domain.AllowancePolicy
	metrics   *metrics.Metrics
	logger    *slog.Logger
	publisher EventPublisher
	hub       Broadcaster
}

// NewAllowanceService creates a new allowance service
func NewAllowanceService(
	store AllowanceStore,
	policy domain.AllowancePolicy,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*AllowanceService, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &AllowanceService{
		store:   store,
		policy:  policy,
		metrics: m,
		logger:  logger,
	}, nil
}

// SetPublisher sets the game event publisher
func (s *AllowanceService) SetPublisher(p EventPublisher) {
	s.publisher = p
}

// SetHub sets the broadcaster for live allowance updates
func (s *AllowanceService) SetHub(hub Broadcaster) {
	s.hub = hub
}

// Policy returns the active allowance policy
func (s *AllowanceService) Policy() domain.AllowancePolicy {
	return s.policy
}

// RequestPlay admits or rejects one play for the wallet at now.
//
// A rejection is returned as a decision with Admitted false and a nil error.
// Errors wrapping domain.ErrStorage are safe to retry.
func (s *AllowanceService) RequestPlay(ctx context.Context, req PlayRequest, now time.Time) (domain.PlayDecision, error) {
	wallet, err := domain.NormalizeWallet(req.Wallet)
	if err != nil {
		return domain.PlayDecision{}, err
	}
	username, err := domain.NormalizeUsername(req.Username)
	if err != nil {
		return domain.PlayDecision{}, err
	}

	decision, err := s.store.AdmitPlay(ctx, wallet, username, now, s.policy)
	if err != nil {
		s.metrics.PlayRequest(metrics.OutcomeError)
		return domain.PlayDecision{}, s.storageError(ctx, "admit_play", err)
	}

	if !decision.Admitted {
		s.metrics.PlayRequest(metrics.OutcomeRejected)
		s.logger.Info("play rejected",
			"wallet", wallet,
			"next_reset", decision.NextReset,
		)
		return decision, nil
	}

	s.metrics.PlayRequest(metrics.OutcomeAdmitted)
	s.logger.Debug("play admitted",
		"wallet", wallet,
		"plays_remaining", decision.PlaysRemaining,
	)

	if s.hub != nil {
		s.hub.BroadcastAllowanceUpdate(wallet, decision)
	}
	if s.publisher != nil {
		remaining := decision.PlaysRemaining
		event := domain.GameEvent{
			ID:             uuid.NewString(),
			Type:           domain.EventTypePlayAdmitted,
			Wallet:         wallet,
			Username:       username,
			PlaysRemaining: &remaining,
			Timestamp:      now,
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			// The admission is already committed.
			s.logger.Warn("failed to publish play event", "wallet", wallet, "error", err)
		}
	}

	return decision, nil
}

// Status returns the allowance a play request at now would see
func (s *AllowanceService) Status(ctx context.Context, wallet string, now time.Time) (domain.AllowanceStatus, error) {
	wallet, err := domain.NormalizeWallet(wallet)
	if err != nil {
		return domain.AllowanceStatus{}, err
	}

	current, err := s.store.GetAllowance(ctx, wallet)
	if err != nil && !errors.Is(err, domain.ErrPlayerNotFound) {
		return domain.AllowanceStatus{}, s.storageError(ctx, "get_allowance", err)
	}
	return s.policy.Status(wallet, current, now), nil
}

// RecordEarnings applies a reward payout to the wallet's allowance record.
// A payout whose transaction hash was already applied leaves the record
// unchanged and is not an error, so redelivered payouts are safe.
func (s *AllowanceService) RecordEarnings(ctx context.Context, payout domain.PayoutEvent) (*domain.PlayerAllowance, error) {
	payout, err := domain.NormalizePayout(payout)
	if err != nil {
		return nil, err
	}
	at := payout.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	updated, applied, err := s.store.RecordEarnings(ctx, payout.Wallet, payout.TransactionHash, payout.Amount, at)
	if err != nil {
		if errors.Is(err, domain.ErrPlayerNotFound) {
			return nil, err
		}
		return nil, s.storageError(ctx, "record_earnings", err)
	}
	if !applied {
		s.logger.Info("payout already applied",
			"wallet", payout.Wallet,
			"tx_hash", payout.TransactionHash,
		)
		return updated, nil
	}

	s.metrics.EarningsRecorded()
	s.logger.Info("earnings recorded",
		"wallet", payout.Wallet,
		"amount", payout.Amount,
		"total_earned", updated.TotalEarned,
		"tx_hash", payout.TransactionHash,
	)
	return updated, nil
}

// RecordEarningsBatch applies payouts one by one, logging failures. It returns
// the payouts that failed with a retryable error, plus any not attempted when
// ctx ended. Payouts are idempotent per transaction hash, so replaying a whole
// batch is also safe.
func (s *AllowanceService) RecordEarningsBatch(ctx context.Context, payouts []domain.PayoutEvent) ([]domain.PayoutEvent, error) {
	var (
		retry  []domain.PayoutEvent
		failed int
	)
	for i, payout := range payouts {
		if ctx.Err() != nil {
			return append(retry, payouts[i:]...), ctx.Err()
		}
		if _, err := s.RecordEarnings(ctx, payout); err != nil {
			failed++
			s.logger.Error("failed to record earnings in batch",
				"wallet", payout.Wallet,
				"error", err,
			)
			if domain.IsRetryable(err) || ctx.Err() != nil {
				retry = append(retry, payout)
			}
		}
	}
	if failed > 0 {
		return retry, fmt.Errorf("%d of %d payouts failed", failed, len(payouts))
	}
	return nil, nil
}

// storageError classifies a store failure. Cancellation is passed through so
// the caller can tell "client gone" from "store down".
func (s *AllowanceService) storageError(ctx context.Context, op string, err error) error {
	return wrapStorageError(ctx, s.metrics, s.logger, op, err)
}

func wrapStorageError(ctx context.Context, m *metrics.Metrics, logger *slog.Logger, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return err
	}
	m.StorageError(op)
	logger.Error("storage operation failed", "op", op, "error", err)
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorage, err)
}
