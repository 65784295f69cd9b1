// Package memory implements the allowance and score stores in process.
//
// Each wallet owns one mutex, so a read-modify-write for one wallet never
// waits on another wallet. Records are never deleted, which lets the per
// wallet entries live in a sync.Map for the process lifetime.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flappy-rocket/internal/domain"
)

type allowanceEntry struct {
	mu      sync.Mutex
	exists  bool
	record  domain.PlayerAllowance
	payouts map[string]struct{} // applied transaction hashes
}

type scoreEntry struct {
	mu     sync.Mutex
	exists bool
	seq    uint64
	record domain.ScoreRecord
}

// Store is an in-memory allowance and score store
type Store struct {
	allowances sync.Map // wallet -> *allowanceEntry
	scores     sync.Map // wallet -> *scoreEntry
	seq        atomic.Uint64
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{}
}

// Close is a no-op
func (s *Store) Close() error {
	return nil
}

// Ping always succeeds while ctx is live
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) allowance(wallet string) *allowanceEntry {
	e, _ := s.allowances.LoadOrStore(wallet, &allowanceEntry{})
	return e.(*allowanceEntry)
}

func (s *Store) score(wallet string) *scoreEntry {
	e, _ := s.scores.LoadOrStore(wallet, &scoreEntry{})
	return e.(*scoreEntry)
}

// AdmitPlay applies the policy under the wallet's lock
func (s *Store) AdmitPlay(ctx context.Context, wallet, username string, now time.Time, policy domain.AllowancePolicy) (domain.PlayDecision, error) {
	if err := ctx.Err(); err != nil {
		return domain.PlayDecision{}, err
	}

	e := s.allowance(wallet)
	e.mu.Lock()
	defer e.mu.Unlock()

	var current *domain.PlayerAllowance
	if e.exists {
		current = &e.record
	}
	next, decision := policy.Admit(current, wallet, username, now)
	if decision.Admitted {
		e.record = next
		e.exists = true
	}
	return decision, nil
}

// GetAllowance returns a copy of the wallet's allowance record
func (s *Store) GetAllowance(ctx context.Context, wallet string) (*domain.PlayerAllowance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := s.allowances.Load(wallet)
	if !ok {
		return nil, domain.ErrPlayerNotFound
	}
	e := v.(*allowanceEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exists {
		return nil, domain.ErrPlayerNotFound
	}
	record := e.record
	return &record, nil
}

// RecordEarnings sets the last earned amount and adds to the total, once per
// transaction hash. A repeated hash returns the record unchanged with applied
// false.
func (s *Store) RecordEarnings(ctx context.Context, wallet, txHash string, amount float64, now time.Time) (*domain.PlayerAllowance, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := s.allowances.Load(wallet)
	if !ok {
		return nil, false, domain.ErrPlayerNotFound
	}
	e := v.(*allowanceEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exists {
		return nil, false, domain.ErrPlayerNotFound
	}
	if _, seen := e.payouts[txHash]; seen {
		record := e.record
		return &record, false, nil
	}
	if e.payouts == nil {
		e.payouts = make(map[string]struct{})
	}
	e.payouts[txHash] = struct{}{}
	e.record.LastEarned = amount
	e.record.TotalEarned += amount
	e.record.UpdatedAt = now
	record := e.record
	return &record, true, nil
}

// SubmitBestScore replaces the best score only when score is greater
func (s *Store) SubmitBestScore(ctx context.Context, wallet, username string, score int64, now time.Time) (domain.ScoreResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ScoreResult{}, err
	}

	e := s.score(wallet)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.exists {
		e.exists = true
		e.seq = s.seq.Add(1)
		e.record = domain.ScoreRecord{
			Wallet:    wallet,
			Username:  username,
			BestScore: score,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return domain.ScoreResult{Record: e.record, Improved: true, Created: true}, nil
	}

	if score <= e.record.BestScore {
		return domain.ScoreResult{Record: e.record}, nil
	}
	e.record.BestScore = score
	e.record.Username = username
	e.record.UpdatedAt = now
	return domain.ScoreResult{Record: e.record, Improved: true}, nil
}

type rankedScore struct {
	seq    uint64
	record domain.ScoreRecord
}

// TopScores returns the best scores in descending order, earlier records
// first on ties
func (s *Store) TopScores(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []rankedScore
	s.scores.Range(func(_, v any) bool {
		e := v.(*scoreEntry)
		e.mu.Lock()
		if e.exists {
			all = append(all, rankedScore{seq: e.seq, record: e.record})
		}
		e.mu.Unlock()
		return true
	})

	sort.Slice(all, func(i, j int) bool {
		if all[i].record.BestScore != all[j].record.BestScore {
			return all[i].record.BestScore > all[j].record.BestScore
		}
		return all[i].seq < all[j].seq
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	entries := make([]domain.LeaderboardEntry, len(all))
	for i, r := range all {
		entries[i] = domain.LeaderboardEntry{
			Rank:     int64(i + 1),
			Wallet:   r.record.Wallet,
			Username: r.record.Username,
			Score:    r.record.BestScore,
		}
	}
	return entries, nil
}

// GetScore returns a copy of the wallet's score record
func (s *Store) GetScore(ctx context.Context, wallet string) (*domain.ScoreRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := s.scores.Load(wallet)
	if !ok {
		return nil, domain.ErrScoreNotFound
	}
	e := v.(*scoreEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.exists {
		return nil, domain.ErrScoreNotFound
	}
	record := e.record
	return &record, nil
}

// CountScores returns the number of wallets with a score
func (s *Store) CountScores(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	s.scores.Range(func(_, v any) bool {
		e := v.(*scoreEntry)
		e.mu.Lock()
		if e.exists {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n, nil
}
