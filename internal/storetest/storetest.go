// Package storetest holds behaviour tests shared by every storage backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flappy-rocket/internal/domain"
)

// Store is the combined surface every backend implements
type Store interface {
	AdmitPlay(ctx context.Context, wallet, username string, now time.Time, policy domain.AllowancePolicy) (domain.PlayDecision, error)
	GetAllowance(ctx context.Context, wallet string) (*domain.PlayerAllowance, error)
	RecordEarnings(ctx context.Context, wallet, txHash string, amount float64, now time.Time) (*domain.PlayerAllowance, bool, error)
	SubmitBestScore(ctx context.Context, wallet, username string, score int64, now time.Time) (domain.ScoreResult, error)
	TopScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
	GetScore(ctx context.Context, wallet string) (*domain.ScoreRecord, error)
}

// T0 is the reference instant used by the shared tests
var T0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Wallet returns a deterministic valid wallet address for index i
func Wallet(i int) string {
	return fmt.Sprintf("0x%040x", i+1)
}

// Run executes the shared suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("AllowanceScenario", func(t *testing.T) { testAllowanceScenario(t, newStore(t)) })
	t.Run("AllowanceResetAfterPeriod", func(t *testing.T) { testAllowanceReset(t, newStore(t)) })
	t.Run("RejectionLeavesStateUnchanged", func(t *testing.T) { testRejectionUnchanged(t, newStore(t)) })
	t.Run("ConcurrentLastPlay", func(t *testing.T) { testConcurrentLastPlay(t, newStore(t)) })
	t.Run("ConcurrentDistinctWallets", func(t *testing.T) { testConcurrentDistinctWallets(t, newStore(t)) })
	t.Run("ConcurrentResetRejections", func(t *testing.T) { testConcurrentResetRejections(t, newStore(t)) })
	t.Run("Earnings", func(t *testing.T) { testEarnings(t, newStore(t)) })
	t.Run("DuplicatePayout", func(t *testing.T) { testDuplicatePayout(t, newStore(t)) })
	t.Run("BestScore", func(t *testing.T) { testBestScore(t, newStore(t)) })
	t.Run("ConcurrentScores", func(t *testing.T) { testConcurrentScores(t, newStore(t)) })
	t.Run("Leaderboard", func(t *testing.T) { testLeaderboard(t, newStore(t)) })
	t.Run("MissingRecords", func(t *testing.T) { testMissing(t, newStore(t)) })
}

func testAllowanceScenario(t *testing.T, s Store) {
	ctx := context.Background()
	policy := domain.AllowancePolicy{DailyGrant: 4, RollingPeriod: 24 * time.Hour}
	w := Wallet(1)

	d, err := s.AdmitPlay(ctx, w, "alice", T0, policy)
	if err != nil {
		t.Fatalf("AdmitPlay: %v", err)
	}
	if !d.Admitted || d.PlaysRemaining != 3 {
		t.Fatalf("first play = %+v, want admitted with 3 left", d)
	}

	for i, want := range []int{2, 1, 0} {
		d, err = s.AdmitPlay(ctx, w, "alice", T0.Add(time.Duration(i+1)*time.Second), policy)
		if err != nil {
			t.Fatalf("AdmitPlay: %v", err)
		}
		if !d.Admitted || d.PlaysRemaining != want {
			t.Fatalf("play %d = %+v, want %d left", i+2, d, want)
		}
	}
	lastPlay := T0.Add(3 * time.Second)

	d, err = s.AdmitPlay(ctx, w, "alice", T0.Add(time.Hour), policy)
	if err != nil {
		t.Fatalf("AdmitPlay: %v", err)
	}
	if d.Admitted || d.PlaysRemaining != 0 {
		t.Fatalf("exhausted = %+v, want rejection", d)
	}
	if !d.NextReset.Equal(lastPlay.Add(24 * time.Hour)) {
		t.Fatalf("next reset = %s, want %s", d.NextReset, lastPlay.Add(24*time.Hour))
	}

	d, err = s.AdmitPlay(ctx, w, "alice2", T0.Add(25*time.Hour), policy)
	if err != nil {
		t.Fatalf("AdmitPlay: %v", err)
	}
	if !d.Admitted || d.PlaysRemaining != 3 {
		t.Fatalf("after window = %+v, want admitted with 3 left", d)
	}

	a, err := s.GetAllowance(ctx, w)
	if err != nil {
		t.Fatalf("GetAllowance: %v", err)
	}
	if a.PlaysRemaining != 3 || !a.LastPlayAt.Equal(T0.Add(25*time.Hour)) || a.Username != "alice2" {
		t.Fatalf("stored allowance = %+v", a)
	}
}

func testAllowanceReset(t *testing.T, s Store) {
	ctx := context.Background()
	policy := domain.AllowancePolicy{DailyGrant: 2, RollingPeriod: time.Hour}
	w := Wallet(2)

	if _, err := s.AdmitPlay(ctx, w, "bob", T0, policy); err != nil {
		t.Fatalf("AdmitPlay: %v", err)
	}
	d, err := s.AdmitPlay(ctx, w, "bob", T0.Add(59*time.Minute), policy)
	if err != nil || !d.Admitted || d.PlaysRemaining != 0 {
		t.Fatalf("second play = %+v, %v", d, err)
	}
	// The window is anchored at the last admitted play.
	d, err = s.AdmitPlay(ctx, w, "bob", T0.Add(90*time.Minute), policy)
	if err != nil || d.Admitted {
		t.Fatalf("within window = %+v, %v", d, err)
	}
	d, err = s.AdmitPlay(ctx, w, "bob", T0.Add(119*time.Minute), policy)
	if err != nil || !d.Admitted || d.PlaysRemaining != 1 {
		t.Fatalf("exactly one period later = %+v, %v", d, err)
	}
}

func testRejectionUnchanged(t *testing.T, s Store) {
	ctx := context.Background()
	policy := domain.AllowancePolicy{DailyGrant: 1, RollingPeriod: 24 * time.Hour}
	w := Wallet(3)

	if _, err := s.AdmitPlay(ctx, w, "carol", T0, policy); err != nil {
		t.Fatalf("AdmitPlay: %v", err)
	}
	before, err := s.GetAllowance(ctx, w)
	if err != nil {
		t.Fatalf("GetAllowance: %v", err)
	}

	for i := 0; i < 3; i++ {
		d, err := s.AdmitPlay(ctx, w, "renamed", T0.Add(time.Duration(i+1)*time.Hour), policy)
		if err != nil || d.Admitted {
			t.Fatalf("rejection %d = %+v, %v", i, d, err)
		}
	}

	after, err := s.GetAllowance(ctx, w)
	if err != nil {
		t.Fatalf("GetAllowance: %v", err)
	}
	if after.PlaysRemaining != before.PlaysRemaining ||
		!after.LastPlayAt.Equal(before.LastPlayAt) ||
		after.Username != before.Username {
		t.Fatalf("rejection mutated record: before %+v after %+v", before, after)
	}
	if after.PlaysRemaining < 0 {
		t.Fatalf("plays remaining went negative: %d", after.PlaysRemaining)
	}
}

// Requests racing a window reset are serialized behind it, so every
// rejection reports the new window's reset time.
func testConcurrentResetRejections(t *testing.T, s Store) {
	ctx := context.Background()
	policy := domain.AllowancePolicy{DailyGrant: 3, RollingPeriod: 24 * time.Hour}
	w := Wallet(10)

	for i := 0; i < policy.DailyGrant; i++ {
		if _, err := s.AdmitPlay(ctx, w, "jay", T0, policy); err != nil {
			t.Fatalf("AdmitPlay: %v", err)
		}
	}

	now := T0.Add(policy.RollingPeriod + time.Minute)
	const callers = 9
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		admitted  int
		decisions []domain.PlayDecision
		errs      []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := s.AdmitPlay(ctx, w, "jay", now, policy)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if d.Admitted {
				admitted++
			}
			decisions = append(decisions, d)
		}()
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("AdmitPlay errors: %v", errs)
	}
	if admitted != policy.DailyGrant {
		t.Fatalf("admitted %d plays in the new window, want %d", admitted, policy.DailyGrant)
	}
	want := now.Add(policy.RollingPeriod)
	for _, d := range decisions {
		if !d.NextReset.Equal(want) {
			t.Fatalf("decision %+v reports next reset %s, want %s", d, d.NextReset, want)
		}
	}
}

func testConcurrentLastPlay(t *testing.T, s Store) {
	ctx := context.Background()
	policy := domain.AllowancePolicy{DailyGrant: 2, RollingPeriod: 24 * time.Hour}
	w := Wallet(4)

	if _, err := s.AdmitPlay(ctx, w, "dave", T0, policy); err != nil {
		t.Fatalf("AdmitPlay: %v", err)
	}

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		errs     []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := s.AdmitPlay(ctx, w, "dave", T0.Add(time.Minute), policy)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if d.Admitted {
				admitted++
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("AdmitPlay errors: %v", errs)
	}
	if admitted != 1 {
		t.Fatalf("admitted %d concurrent plays with one left, want 1", admitted)
	}
	a, err := s.GetAllowance(ctx, w)
	if err != nil {
		t.Fatalf("GetAllowance: %v", err)
	}
	if a.PlaysRemaining != 0 {
		t.Fatalf("plays remaining = %d, want 0", a.PlaysRemaining)
	}
}

func testConcurrentDistinctWallets(t *testing.T, s Store) {
	ctx := context.Background()
	policy := domain.DefaultAllowancePolicy()

	const wallets = 16
	var wg sync.WaitGroup
	errCh := make(chan error, wallets)
	for i := 0; i < wallets; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := s.AdmitPlay(ctx, Wallet(100+i), fmt.Sprintf("p%d", i), T0, policy)
			if err != nil {
				errCh <- err
				return
			}
			if !d.Admitted || d.PlaysRemaining != policy.DailyGrant-1 {
				errCh <- fmt.Errorf("wallet %d: %+v", i, d)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}

func testEarnings(t *testing.T, s Store) {
	ctx := context.Background()
	w := Wallet(5)

	if _, _, err := s.RecordEarnings(ctx, w, "0x01", 1, T0); !errors.Is(err, domain.ErrPlayerNotFound) {
		t.Fatalf("earnings for unknown wallet: %v, want ErrPlayerNotFound", err)
	}

	if _, err := s.AdmitPlay(ctx, w, "erin", T0, domain.DefaultAllowancePolicy()); err != nil {
		t.Fatalf("AdmitPlay: %v", err)
	}
	// The rejected payout above must not have burned its hash.
	if _, applied, err := s.RecordEarnings(ctx, w, "0x01", 0.25, T0.Add(time.Minute)); err != nil || !applied {
		t.Fatalf("RecordEarnings = applied %v, %v", applied, err)
	}
	a, applied, err := s.RecordEarnings(ctx, w, "0x02", 0.5, T0.Add(2*time.Minute))
	if err != nil || !applied {
		t.Fatalf("RecordEarnings = applied %v, %v", applied, err)
	}
	if a.LastEarned != 0.5 || a.TotalEarned != 0.75 {
		t.Fatalf("earnings = last %v total %v, want 0.5/0.75", a.LastEarned, a.TotalEarned)
	}
	if a.PlaysRemaining != 3 || !a.LastPlayAt.Equal(T0) {
		t.Fatalf("earnings touched allowance: %+v", a)
	}
}

func testDuplicatePayout(t *testing.T, s Store) {
	ctx := context.Background()
	w := Wallet(9)

	if _, err := s.AdmitPlay(ctx, w, "ivy", T0, domain.DefaultAllowancePolicy()); err != nil {
		t.Fatalf("AdmitPlay: %v", err)
	}
	if _, _, err := s.RecordEarnings(ctx, w, "0xaa", 1, T0.Add(time.Minute)); err != nil {
		t.Fatalf("RecordEarnings: %v", err)
	}

	// Redelivery of the same payout, concurrently.
	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		errs    []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, ok, err := s.RecordEarnings(ctx, w, "0xbb", 2, T0.Add(2*time.Minute))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				applied++
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("RecordEarnings errors: %v", errs)
	}
	if applied != 1 {
		t.Fatalf("applied the same payout %d times, want 1", applied)
	}

	a, ok, err := s.RecordEarnings(ctx, w, "0xaa", 1, T0.Add(3*time.Minute))
	if err != nil || ok {
		t.Fatalf("replayed first payout = applied %v, %v", ok, err)
	}
	if a.TotalEarned != 3 || a.LastEarned != 2 {
		t.Fatalf("earnings = last %v total %v, want 2/3", a.LastEarned, a.TotalEarned)
	}
}

func testBestScore(t *testing.T, s Store) {
	ctx := context.Background()
	w := Wallet(6)

	r, err := s.SubmitBestScore(ctx, w, "frank", 50, T0)
	if err != nil {
		t.Fatalf("SubmitBestScore: %v", err)
	}
	if !r.Improved || !r.Created || r.Record.BestScore != 50 {
		t.Fatalf("first submission = %+v", r)
	}

	for _, score := range []int64{50, 30} {
		r, err = s.SubmitBestScore(ctx, w, "frank", score, T0.Add(time.Minute))
		if err != nil {
			t.Fatalf("SubmitBestScore: %v", err)
		}
		if r.Improved || r.Created || r.Record.BestScore != 50 {
			t.Fatalf("submitting %d = %+v, want unchanged 50", score, r)
		}
	}

	r, err = s.SubmitBestScore(ctx, w, "frankie", 75, T0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("SubmitBestScore: %v", err)
	}
	if !r.Improved || r.Record.BestScore != 75 {
		t.Fatalf("submitting 75 = %+v", r)
	}

	rec, err := s.GetScore(ctx, w)
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if rec.BestScore != 75 || rec.Username != "frankie" || rec.Wallet != w {
		t.Fatalf("stored record = %+v", rec)
	}
}

func testConcurrentScores(t *testing.T, s Store) {
	ctx := context.Background()
	w := Wallet(7)

	var wg sync.WaitGroup
	errCh := make(chan error, 100)
	for i := int64(1); i <= 100; i++ {
		wg.Add(1)
		go func(score int64) {
			defer wg.Done()
			if _, err := s.SubmitBestScore(ctx, w, "gina", score, T0); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("SubmitBestScore: %v", err)
	}

	rec, err := s.GetScore(ctx, w)
	if err != nil {
		t.Fatalf("GetScore: %v", err)
	}
	if rec.BestScore != 100 {
		t.Fatalf("best score = %d after concurrent submissions, want 100", rec.BestScore)
	}
}

func testLeaderboard(t *testing.T, s Store) {
	ctx := context.Background()
	scores := []int64{10, 70, 30, 70, 50, 20, 60}
	for i, score := range scores {
		if _, err := s.SubmitBestScore(ctx, Wallet(200+i), fmt.Sprintf("p%d", i), score, T0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("SubmitBestScore: %v", err)
		}
	}

	top, err := s.TopScores(ctx, 5)
	if err != nil {
		t.Fatalf("TopScores: %v", err)
	}
	if len(top) != 5 {
		t.Fatalf("got %d entries, want 5", len(top))
	}
	want := []int64{70, 70, 60, 50, 30}
	for i, e := range top {
		if e.Score != want[i] {
			t.Fatalf("entry %d score = %d, want %d (%+v)", i, e.Score, want[i], top)
		}
		if e.Rank != int64(i+1) {
			t.Fatalf("entry %d rank = %d", i, e.Rank)
		}
		if e.Username == "" {
			t.Fatalf("entry %d has no username", i)
		}
	}

	again, err := s.TopScores(ctx, 5)
	if err != nil {
		t.Fatalf("TopScores: %v", err)
	}
	for i := range top {
		if again[i].Wallet != top[i].Wallet {
			t.Fatalf("tie order is not deterministic: %+v vs %+v", top, again)
		}
	}

	all, err := s.TopScores(ctx, 50)
	if err != nil {
		t.Fatalf("TopScores: %v", err)
	}
	if len(all) != len(scores) {
		t.Fatalf("got %d entries, want %d", len(all), len(scores))
	}
}

func testMissing(t *testing.T, s Store) {
	ctx := context.Background()
	if _, err := s.GetAllowance(ctx, Wallet(999)); !errors.Is(err, domain.ErrPlayerNotFound) {
		t.Fatalf("GetAllowance: %v, want ErrPlayerNotFound", err)
	}
	if _, err := s.GetScore(ctx, Wallet(999)); !errors.Is(err, domain.ErrScoreNotFound) {
		t.Fatalf("GetScore: %v, want ErrScoreNotFound", err)
	}
	top, err := s.TopScores(ctx, 5)
	if err != nil {
		t.Fatalf("TopScores: %v", err)
	}
	if len(top) != 0 {
		t.Fatalf("empty store returned %d entries", len(top))
	}
}
