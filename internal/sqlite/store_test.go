package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/flappy-rocket/internal/domain"
	"github.com/flappy-rocket/internal/storetest"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "flappy.db")
	store, err := Open(context.Background(), path, time.Second, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return openTempStore(t)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Open(context.Background(), " ", time.Second, logger); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestAdmitPlayKeepsUsernameWhenEmpty(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	policy := domain.DefaultAllowancePolicy()
	wallet := storetest.Wallet(0)

	if _, err := store.AdmitPlay(ctx, wallet, "alice", storetest.T0, policy); err != nil {
		t.Fatalf("AdmitPlay: %v", err)
	}
	if _, err := store.AdmitPlay(ctx, wallet, "", storetest.T0.Add(time.Minute), policy); err != nil {
		t.Fatalf("AdmitPlay: %v", err)
	}

	got, err := store.GetAllowance(ctx, wallet)
	if err != nil {
		t.Fatalf("GetAllowance: %v", err)
	}
	if got.Username != "alice" || got.PlaysRemaining != 2 {
		t.Fatalf("allowance = %+v", got)
	}
	if !got.CreatedAt.Equal(storetest.T0) || !got.LastPlayAt.Equal(storetest.T0.Add(time.Minute)) {
		t.Fatalf("timestamps = %+v", got)
	}
}

func TestCountScores(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.SubmitBestScore(ctx, storetest.Wallet(i), "p", int64(i*10), storetest.T0); err != nil {
			t.Fatalf("SubmitBestScore: %v", err)
		}
	}
	n, err := store.CountScores(ctx)
	if err != nil {
		t.Fatalf("CountScores: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
}

func TestSubmitBestScoreWritesOnlyOnImprovement(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	wallet := storetest.Wallet(0)

	steps := []struct {
		score    int64
		improved bool
		created  bool
		best     int64
	}{
		{10, true, true, 10},
		{20, true, false, 20},
		{5, false, false, 20},
		{20, false, false, 20},
	}
	for i, step := range steps {
		r, err := store.SubmitBestScore(ctx, wallet, "alice", step.score, storetest.T0.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("SubmitBestScore(%d): %v", step.score, err)
		}
		if r.Improved != step.improved || r.Created != step.created || r.Record.BestScore != step.best {
			t.Fatalf("SubmitBestScore(%d) = %+v", step.score, r)
		}
	}

	var revision int
	if err := store.db.QueryRowContext(ctx, `SELECT revision FROM score_records WHERE wallet = ?`, wallet).Scan(&revision); err != nil {
		t.Fatalf("reading revision: %v", err)
	}
	if revision != 1 {
		t.Fatalf("revision = %d, want 1 update", revision)
	}
}

func TestRecordEarningsRecordsHash(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	wallet := storetest.Wallet(0)

	if _, _, err := store.RecordEarnings(ctx, wallet, "0xfeed", 1, storetest.T0); err == nil {
		t.Fatal("expected ErrPlayerNotFound")
	}
	if _, err := store.AdmitPlay(ctx, wallet, "alice", storetest.T0, domain.DefaultAllowancePolicy()); err != nil {
		t.Fatalf("AdmitPlay: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, _, err := store.RecordEarnings(ctx, wallet, "0xfeed", 1, storetest.T0); err != nil {
			t.Fatalf("RecordEarnings: %v", err)
		}
	}

	var n int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM applied_payouts WHERE tx_hash = '0xfeed'`).Scan(&n); err != nil {
		t.Fatalf("counting payouts: %v", err)
	}
	if n != 1 {
		t.Fatalf("applied payouts = %d, want 1", n)
	}
}
