package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flappy-rocket/internal/domain"
	"github.com/flappy-rocket/internal/memory"
	"github.com/flappy-rocket/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	alice = "0x00000000000000000000000000000000000a11ce"
	bob   = "0x0000000000000000000000000000000000000b0b"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.GameEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.GameEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

type recordingHub struct {
	mu         sync.Mutex
	scores     []domain.ScoreRecord
	allowances map[string][]domain.PlayDecision
}

func (h *recordingHub) BroadcastScoreUpdate(record domain.ScoreRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scores = append(h.scores, record)
}

func (h *recordingHub) BroadcastAllowanceUpdate(wallet string, decision domain.PlayDecision) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.allowances == nil {
		h.allowances = map[string][]domain.PlayDecision{}
	}
	h.allowances[wallet] = append(h.allowances[wallet], decision)
}

// flakyStore fails the first n mutations for the listed wallets
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures map[string]int
}

func (s *flakyStore) fail(wallet string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[wallet] > 0 {
		s.failures[wallet]--
		return errors.New("connection reset by peer")
	}
	return nil
}

func (s *flakyStore) AdmitPlay(ctx context.Context, wallet, username string, now time.Time, policy domain.AllowancePolicy) (domain.PlayDecision, error) {
	if err := s.fail(wallet); err != nil {
		return domain.PlayDecision{}, err
	}
	return s.Store.AdmitPlay(ctx, wallet, username, now, policy)
}

func (s *flakyStore) RecordEarnings(ctx context.Context, wallet, txHash string, amount float64, now time.Time) (*domain.PlayerAllowance, bool, error) {
	if err := s.fail(wallet); err != nil {
		return nil, false, err
	}
	return s.Store.RecordEarnings(ctx, wallet, txHash, amount, now)
}

func newAllowanceService(t *testing.T, store AllowanceStore, m *metrics.Metrics) *AllowanceService {
	t.Helper()
	svc, err := NewAllowanceService(store, domain.DefaultAllowancePolicy(), m, discardLogger())
	if err != nil {
		t.Fatalf("NewAllowanceService: %v", err)
	}
	return svc
}

func TestNewAllowanceService_RejectsInvalidPolicy(t *testing.T) {
	_, err := NewAllowanceService(memory.NewStore(), domain.AllowancePolicy{DailyGrant: 0, RollingPeriod: time.Hour}, nil, discardLogger())
	if !errors.Is(err, domain.ErrInvalidPolicy) {
		t.Fatalf("err = %v, want ErrInvalidPolicy", err)
	}
}

func TestRequestPlay_Scenario(t *testing.T) {
	m := metrics.New()
	svc := newAllowanceService(t, memory.NewStore(), m)
	pub := &recordingPublisher{}
	hub := &recordingHub{}
	svc.SetPublisher(pub)
	svc.SetHub(hub)
	ctx := context.Background()

	for i, want := range []int{3, 2, 1, 0} {
		d, err := svc.RequestPlay(ctx, PlayRequest{Wallet: "0x00000000000000000000000000000000000A11CE", Username: "alice"}, t0.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("RequestPlay: %v", err)
		}
		if !d.Admitted || d.PlaysRemaining != want {
			t.Fatalf("play %d = %+v, want %d left", i+1, d, want)
		}
	}

	d, err := svc.RequestPlay(ctx, PlayRequest{Wallet: alice, Username: "alice"}, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("RequestPlay: %v", err)
	}
	if d.Admitted {
		t.Fatal("fifth play should be rejected")
	}
	if want := t0.Add(3*time.Minute + 24*time.Hour); !d.NextReset.Equal(want) {
		t.Fatalf("next reset = %s, want %s", d.NextReset, want)
	}

	if len(pub.events) != 4 {
		t.Fatalf("published %d events, want 4", len(pub.events))
	}
	for _, ev := range pub.events {
		if ev.Type != domain.EventTypePlayAdmitted || ev.Wallet != alice || ev.ID == "" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	if got := len(hub.allowances[alice]); got != 4 {
		t.Fatalf("broadcast %d allowance updates, want 4", got)
	}

	expected := `
# HELP flappy_play_requests_total Play requests by outcome.
# TYPE flappy_play_requests_total counter
flappy_play_requests_total{outcome="admitted"} 4
flappy_play_requests_total{outcome="no_plays_left"} 1
`
	if err := testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "flappy_play_requests_total"); err != nil {
		t.Fatal(err)
	}
}

func TestRequestPlay_InvalidInput(t *testing.T) {
	svc := newAllowanceService(t, memory.NewStore(), nil)

	if _, err := svc.RequestPlay(context.Background(), PlayRequest{Wallet: "nope"}, t0); !errors.Is(err, domain.ErrInvalidWallet) {
		t.Fatalf("err = %v, want ErrInvalidWallet", err)
	}
}

func TestRequestPlay_StorageErrorIsRetryable(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), failures: map[string]int{alice: 1}}
	svc := newAllowanceService(t, store, nil)
	ctx := context.Background()

	_, err := svc.RequestPlay(ctx, PlayRequest{Wallet: alice, Username: "alice"}, t0)
	if !domain.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable storage error", err)
	}

	// The failed attempt consumed nothing.
	d, err := svc.RequestPlay(ctx, PlayRequest{Wallet: alice, Username: "alice"}, t0)
	if err != nil || d.PlaysRemaining != 3 {
		t.Fatalf("retry = %+v, %v", d, err)
	}
}

func TestRequestPlay_CanceledContextPassesThrough(t *testing.T) {
	svc := newAllowanceService(t, memory.NewStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.RequestPlay(ctx, PlayRequest{Wallet: alice, Username: "alice"}, t0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if domain.IsRetryable(err) {
		t.Fatal("cancellation should not be reported as a storage failure")
	}
}

func TestRequestPlay_PublishFailureKeepsAdmission(t *testing.T) {
	svc := newAllowanceService(t, memory.NewStore(), nil)
	svc.SetPublisher(&recordingPublisher{err: errors.New("broker down")})

	d, err := svc.RequestPlay(context.Background(), PlayRequest{Wallet: alice, Username: "alice"}, t0)
	if err != nil || !d.Admitted {
		t.Fatalf("got %+v, %v", d, err)
	}
}

func TestStatus(t *testing.T) {
	svc := newAllowanceService(t, memory.NewStore(), nil)
	ctx := context.Background()

	status, err := svc.Status(ctx, bob, t0)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.PlaysRemaining != 4 || status.DailyGrant != 4 || status.NextReset != nil {
		t.Fatalf("unknown wallet status = %+v", status)
	}

	if _, err := svc.RequestPlay(ctx, PlayRequest{Wallet: bob, Username: "bob"}, t0); err != nil {
		t.Fatalf("RequestPlay: %v", err)
	}
	status, err = svc.Status(ctx, bob, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.PlaysRemaining != 3 || status.Username != "bob" || status.NextReset == nil {
		t.Fatalf("status = %+v", status)
	}
}

func TestRecordEarnings(t *testing.T) {
	m := metrics.New()
	svc := newAllowanceService(t, memory.NewStore(), m)
	ctx := context.Background()

	if _, err := svc.RecordEarnings(ctx, domain.PayoutEvent{Wallet: alice, Amount: 1, TransactionHash: "0x01"}); !errors.Is(err, domain.ErrPlayerNotFound) {
		t.Fatalf("err = %v, want ErrPlayerNotFound", err)
	}
	if _, err := svc.RecordEarnings(ctx, domain.PayoutEvent{Wallet: alice, Amount: -1, TransactionHash: "0x01"}); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("err = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.RecordEarnings(ctx, domain.PayoutEvent{Wallet: alice, Amount: 1}); !errors.Is(err, domain.ErrInvalidTxHash) {
		t.Fatalf("err = %v, want ErrInvalidTxHash", err)
	}

	svc.RequestPlay(ctx, PlayRequest{Wallet: alice, Username: "alice"}, t0)
	svc.RecordEarnings(ctx, domain.PayoutEvent{Wallet: alice, Amount: 0.25, TransactionHash: "0x01", Timestamp: t0})
	updated, err := svc.RecordEarnings(ctx, domain.PayoutEvent{Wallet: alice, Amount: 0.5, TransactionHash: "0x02", Timestamp: t0.Add(time.Minute)})
	if err != nil {
		t.Fatalf("RecordEarnings: %v", err)
	}
	if updated.LastEarned != 0.5 || updated.TotalEarned != 0.75 || updated.PlaysRemaining != 3 {
		t.Fatalf("allowance = %+v", updated)
	}

	// Hashes compare case-insensitively, so this is the first payout again.
	updated, err = svc.RecordEarnings(ctx, domain.PayoutEvent{Wallet: alice, Amount: 0.25, TransactionHash: "0X01"})
	if err != nil {
		t.Fatalf("RecordEarnings: %v", err)
	}
	if updated.TotalEarned != 0.75 {
		t.Fatalf("replayed payout changed total to %v", updated.TotalEarned)
	}

	expected := `
# HELP flappy_earnings_recorded_total Payout events applied to allowance records.
# TYPE flappy_earnings_recorded_total counter
flappy_earnings_recorded_total 2
`
	if err := testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "flappy_earnings_recorded_total"); err != nil {
		t.Fatal(err)
	}
}

func TestRecordEarningsBatch_ReturnsOnlyRetryable(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), failures: map[string]int{}}
	svc := newAllowanceService(t, store, nil)
	ctx := context.Background()

	svc.RequestPlay(ctx, PlayRequest{Wallet: alice, Username: "alice"}, t0)
	svc.RequestPlay(ctx, PlayRequest{Wallet: bob, Username: "bob"}, t0)
	store.failures[bob] = 1

	unknown := "0x0000000000000000000000000000000000000999"
	retry, err := svc.RecordEarningsBatch(ctx, []domain.PayoutEvent{
		{Wallet: alice, Amount: 1, TransactionHash: "0xa1"},
		{Wallet: bob, Amount: 2, TransactionHash: "0xb1"},
		{Wallet: unknown, Amount: 3, TransactionHash: "0xc1"},
	})
	if err == nil {
		t.Fatal("expected batch error")
	}
	if len(retry) != 1 || retry[0].Wallet != bob {
		t.Fatalf("retry = %+v, want only bob", retry)
	}

	retry, err = svc.RecordEarningsBatch(ctx, retry)
	if err != nil || len(retry) != 0 {
		t.Fatalf("second pass = %+v, %v", retry, err)
	}

	a, _ := store.GetAllowance(ctx, alice)
	b, _ := store.GetAllowance(ctx, bob)
	if a.TotalEarned != 1 || b.TotalEarned != 2 {
		t.Fatalf("totals = %v / %v", a.TotalEarned, b.TotalEarned)
	}
}

func TestRecordEarningsBatch_ReplayedBatchCountsOnce(t *testing.T) {
	svc := newAllowanceService(t, memory.NewStore(), nil)
	ctx := context.Background()

	svc.RequestPlay(ctx, PlayRequest{Wallet: alice, Username: "alice"}, t0)
	batch := []domain.PayoutEvent{
		{Wallet: alice, Amount: 1, TransactionHash: "0xa1"},
		{Wallet: alice, Amount: 2, TransactionHash: "0xa2"},
	}
	for i := 0; i < 2; i++ {
		if retry, err := svc.RecordEarningsBatch(ctx, batch); err != nil || len(retry) != 0 {
			t.Fatalf("pass %d = %+v, %v", i, retry, err)
		}
	}

	status, err := svc.Status(ctx, alice, t0)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.TotalEarned != 3 {
		t.Fatalf("total earned = %v, want 3", status.TotalEarned)
	}
}

func TestRecordEarningsBatch_CanceledReturnsRemainder(t *testing.T) {
	svc := newAllowanceService(t, memory.NewStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	payouts := []domain.PayoutEvent{
		{Wallet: alice, Amount: 1, TransactionHash: "0xa1"},
		{Wallet: bob, Amount: 1, TransactionHash: "0xb1"},
	}
	retry, err := svc.RecordEarningsBatch(ctx, payouts)
	if !errors.Is(err, context.Canceled) || len(retry) != 2 {
		t.Fatalf("got %d pending, %v", len(retry), err)
	}
}
