// Package quota enforces the per-user monthly image allowance.
package quota

import (
	"context"
	"fmt"
	"math"
	"time"

	"nursefilter/internal/domain"
)

// Unlimited is the remaining-quota sentinel reported for admin accounts.
const Unlimited = math.MaxInt32

// Ledger applies the quota rules on top of the user repository. Replenishment
// is lazy: the counter is restored on the first read after the reset date
// passes, so Remaining is a read with a side effect.
type Ledger struct {
	users       domain.UserRepository
	defaultCeil int
	followCeil  int
	resetPeriod time.Duration
	now         func() time.Time
}

// Options configures a Ledger.
type Options struct {
	DefaultCeiling  int
	FollowerCeiling int
	ResetPeriod     time.Duration
	Now             func() time.Time
}

// NewLedger constructs a Ledger over the given user repository.
func NewLedger(users domain.UserRepository, opts Options) *Ledger {
	if opts.DefaultCeiling <= 0 {
		opts.DefaultCeiling = 10
	}
	if opts.FollowerCeiling <= 0 {
		opts.FollowerCeiling = 30
	}
	if opts.ResetPeriod <= 0 {
		opts.ResetPeriod = 30 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		users:       users,
		defaultCeil: opts.DefaultCeiling,
		followCeil:  opts.FollowerCeiling,
		resetPeriod: opts.ResetPeriod,
		now:         opts.Now,
	}
}

// Ceiling returns the replenishment ceiling the user is entitled to.
func (l *Ledger) Ceiling(user *domain.User) int {
	if user.FollowsProfile {
		return l.followCeil
	}
	return l.defaultCeil
}

// Remaining reports the user's remaining images, replenishing the counter
// first when the reset date has passed. Admin accounts always report
// Unlimited.
func (l *Ledger) Remaining(ctx context.Context, userID string) (int, error) {
	user, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("quota: load user: %w", err)
	}
	if user.IsAdmin {
		return Unlimited, nil
	}
	now := l.now()
	if now.Before(user.QuotaResetDate) {
		return user.QuotaRemaining, nil
	}

	ceiling := l.Ceiling(user)
	nextReset := now.Add(l.resetPeriod)
	applied, err := l.users.ReplenishQuota(ctx, userID, ceiling, user.QuotaResetDate, nextReset)
	if err != nil {
		return 0, fmt.Errorf("quota: replenish: %w", err)
	}
	if applied {
		return ceiling, nil
	}
	// Another caller replenished between our read and write; trust its state.
	user, err = l.users.GetByID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("quota: reload user: %w", err)
	}
	return user.QuotaRemaining, nil
}

// Decrement spends one image. Admin accounts are exempt, and the counter
// never drops below zero; callers must check Remaining before doing paid
// work.
func (l *Ledger) Decrement(ctx context.Context, userID string) error {
	user, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("quota: load user: %w", err)
	}
	if user.IsAdmin {
		return nil
	}
	if _, err := l.users.DecrementQuota(ctx, userID); err != nil {
		return fmt.Errorf("quota: decrement: %w", err)
	}
	return nil
}

// MarkFollowed records the follow flag. Becoming a follower raises the
// counter to the elevated ceiling immediately as a one-time bonus; the reset
// date is untouched.
func (l *Ledger) MarkFollowed(ctx context.Context, userID string, followed bool) error {
	if err := l.users.SetFollowStatus(ctx, userID, followed, l.followCeil); err != nil {
		return fmt.Errorf("quota: set follow status: %w", err)
	}
	return nil
}
