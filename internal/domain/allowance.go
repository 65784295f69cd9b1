package domain

import (
	"fmt"
	"time"
)

// Defaults for the allowance policy.
const (
	DefaultDailyGrant    = 4
	DefaultRollingPeriod = 24 * time.Hour
)

// AllowancePolicy decides how many plays a wallet may start per rolling period.
//
// The period is anchored to the wallet's own last admitted play, not to a
// global midnight. Every admitted play decrements, the first one included, so
// a new or reset record always ends at DailyGrant-1.
type AllowancePolicy struct {
	DailyGrant    int
	RollingPeriod time.Duration
}

// DefaultAllowancePolicy returns the policy with the default constants.
func DefaultAllowancePolicy() AllowancePolicy {
	return AllowancePolicy{
		DailyGrant:    DefaultDailyGrant,
		RollingPeriod: DefaultRollingPeriod,
	}
}

// Validate checks the policy constants.
func (p AllowancePolicy) Validate() error {
	if p.DailyGrant < 1 {
		return fmt.Errorf("%w: daily grant must be at least 1, got %d", ErrInvalidPolicy, p.DailyGrant)
	}
	if p.RollingPeriod <= 0 {
		return fmt.Errorf("%w: rolling period must be positive, got %s", ErrInvalidPolicy, p.RollingPeriod)
	}
	return nil
}

// PlayDecision is the outcome of a play request.
//
// A rejected request is not an error: Admitted is false and NextReset tells
// the caller when the wallet's window elapses.
type PlayDecision struct {
	Admitted       bool      `json:"admitted"`
	PlaysRemaining int       `json:"plays_remaining"`
	LastPlayAt     time.Time `json:"last_play_at"`
	NextReset      time.Time `json:"next_reset"`
}

// String returns a short description of the decision for logs.
func (d PlayDecision) String() string {
	if d.Admitted {
		return fmt.Sprintf("admitted (%d left)", d.PlaysRemaining)
	}
	return fmt.Sprintf("no plays left until %s", d.NextReset.Format(time.RFC3339))
}

// NextReset returns the instant the window that started at last elapses.
func (p AllowancePolicy) NextReset(last time.Time) time.Time {
	return last.Add(p.RollingPeriod)
}

// Expired reports whether the window anchored at last has elapsed at now.
func (p AllowancePolicy) Expired(last, now time.Time) bool {
	return now.Sub(last) >= p.RollingPeriod
}

// Admit applies one play request to current and returns the record to persist
// together with the decision. current is nil for a wallet seen for the first
// time. On rejection the returned record equals *current.
//
// Stores must run Admit (or an equivalent single statement) inside one
// per-wallet atomic section.
func (p AllowancePolicy) Admit(current *PlayerAllowance, wallet, username string, now time.Time) (PlayerAllowance, PlayDecision) {
	if current == nil {
		next := PlayerAllowance{
			Wallet:         wallet,
			Username:       username,
			PlaysRemaining: p.DailyGrant - 1,
			LastPlayAt:     now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return next, p.admitted(next)
	}

	next := *current
	switch {
	case p.Expired(current.LastPlayAt, now):
		next.PlaysRemaining = p.DailyGrant - 1
	case current.PlaysRemaining <= 0:
		return next, PlayDecision{
			Admitted:       false,
			PlaysRemaining: 0,
			LastPlayAt:     current.LastPlayAt,
			NextReset:      p.NextReset(current.LastPlayAt),
		}
	default:
		next.PlaysRemaining = current.PlaysRemaining - 1
	}

	next.LastPlayAt = now
	next.UpdatedAt = now
	if username != "" {
		next.Username = username
	}
	return next, p.admitted(next)
}

func (p AllowancePolicy) admitted(a PlayerAllowance) PlayDecision {
	return PlayDecision{
		Admitted:       true,
		PlaysRemaining: a.PlaysRemaining,
		LastPlayAt:     a.LastPlayAt,
		NextReset:      p.NextReset(a.LastPlayAt),
	}
}

// AllowanceStatus is the read-only view of a wallet's allowance at a given
// instant.
type AllowanceStatus struct {
	Wallet         string     `json:"wallet"`
	Username       string     `json:"username,omitempty"`
	PlaysRemaining int        `json:"plays_remaining"`
	DailyGrant     int        `json:"daily_grant"`
	LastPlayAt     *time.Time `json:"last_play_at,omitempty"`
	NextReset      *time.Time `json:"next_reset,omitempty"`
	LastEarned     float64    `json:"last_earned"`
	TotalEarned    float64    `json:"total_earned"`
}

// Status reports what a play request at now would see, without mutating
// anything. A nil record or an elapsed window reports a full grant.
func (p AllowancePolicy) Status(wallet string, current *PlayerAllowance, now time.Time) AllowanceStatus {
	status := AllowanceStatus{
		Wallet:         wallet,
		PlaysRemaining: p.DailyGrant,
		DailyGrant:     p.DailyGrant,
	}
	if current == nil {
		return status
	}

	last := current.LastPlayAt
	status.Username = current.Username
	status.LastPlayAt = &last
	status.LastEarned = current.LastEarned
	status.TotalEarned = current.TotalEarned

	if p.Expired(last, now) {
		return status
	}
	reset := p.NextReset(last)
	status.NextReset = &reset
	status.PlaysRemaining = max(current.PlaysRemaining, 0)
	return status
}
