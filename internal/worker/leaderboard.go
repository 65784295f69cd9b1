// Package worker runs background jobs alongside the HTTP server.
package worker

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/flappy-rocket/internal/config"
	"github.com/flappy-rocket/internal/domain"
	"github.com/flappy-rocket/internal/metrics"
)

// LeaderboardSource returns the current top scores
type LeaderboardSource interface {
	Leaderboard(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
}

// ScoreCounter reports how many wallets hold a score
type ScoreCounter interface {
	CountScores(ctx context.Context) (int64, error)
}

// LeaderboardBroadcaster pushes a snapshot to leaderboard subscribers
type LeaderboardBroadcaster interface {
	BroadcastLeaderboard(entries []domain.LeaderboardEntry, totalPlayers int64)
}

// LeaderboardWorker periodically snapshots the top scores and broadcasts the
// snapshot when it differs from the last one sent
type LeaderboardWorker struct {
	source  LeaderboardSource
	counter ScoreCounter
	hub     LeaderboardBroadcaster
	config  *config.BroadcastConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	last    []domain.LeaderboardEntry
	sent    bool
}

// NewLeaderboardWorker creates a new leaderboard worker. counter may be nil,
// in which case the snapshot size is reported as the player total.
func NewLeaderboardWorker(
	source LeaderboardSource,
	counter ScoreCounter,
	hub LeaderboardBroadcaster,
	cfg *config.BroadcastConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *LeaderboardWorker {
	return &LeaderboardWorker{
		source:  source,
		counter: counter,
		hub:     hub,
		config:  cfg,
		metrics: m,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the background broadcast loop
func (w *LeaderboardWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("leaderboard worker started", "interval", w.config.Interval, "top_n", w.config.TopN)

	go w.run(ctx)
	return nil
}

// Stop stops the background loop and waits for it to exit
func (w *LeaderboardWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("leaderboard worker stopped")
	return nil
}

// run is the main worker loop
func (w *LeaderboardWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce takes one snapshot and broadcasts it if it changed. It reports
// whether a broadcast was sent.
func (w *LeaderboardWorker) RunOnce(ctx context.Context) bool {
	entries, err := w.source.Leaderboard(ctx, w.config.TopN)
	if err != nil {
		w.logger.Error("failed to snapshot leaderboard", "error", err)
		return false
	}

	total := int64(len(entries))
	if w.counter != nil {
		n, err := w.counter.CountScores(ctx)
		if err != nil {
			w.logger.Warn("failed to count scores", "error", err)
		} else {
			total = n
		}
	}
	w.metrics.SetLeaderboardPlayers(int(total))

	w.mu.Lock()
	unchanged := w.sent && slices.Equal(w.last, entries)
	if !unchanged {
		w.last = entries
		w.sent = true
	}
	w.mu.Unlock()

	if unchanged {
		return false
	}

	w.hub.BroadcastLeaderboard(entries, total)
	w.logger.Debug("leaderboard broadcast", "entries", len(entries), "total_players", total)
	return true
}

// IsRunning returns whether the worker is currently running
func (w *LeaderboardWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
