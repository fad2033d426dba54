package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nursefilter/internal/domain"
)

// UserRepositoryPG implements domain.UserRepository backed by PostgreSQL.
type UserRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepositoryPG.
func NewUserRepository(pool *pgxpool.Pool) *UserRepositoryPG {
	return &UserRepositoryPG{pool: pool}
}

const userColumns = `id, email, username, full_name, is_active, is_admin, follows_profile, quota_remaining, quota_reset_date, created_at, updated_at`

// GetByID fetches a user by id.
func (r *UserRepositoryPG) GetByID(ctx context.Context, id string) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// DecrementQuota spends one unit only while the counter is positive, so two
// racing submissions cannot double-spend the last image.
func (r *UserRepositoryPG) DecrementQuota(ctx context.Context, userID string) (int, error) {
	query := `
UPDATE users
SET quota_remaining = quota_remaining - 1,
    updated_at = NOW()
WHERE id = $1
  AND quota_remaining > 0
RETURNING quota_remaining;
`
	var remaining int
	err := r.pool.QueryRow(ctx, query, userID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already at zero (or no such user); report zero without going negative.
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// ReplenishQuota restores the counter and advances the reset date, guarded on
// the reset date the caller observed so concurrent reads replenish once.
func (r *UserRepositoryPG) ReplenishQuota(ctx context.Context, userID string, remaining int, observedReset, nextReset time.Time) (bool, error) {
	query := `
UPDATE users
SET quota_remaining = $2,
    quota_reset_date = $3,
    updated_at = NOW()
WHERE id = $1
  AND quota_reset_date = $4;
`
	tag, err := r.pool.Exec(ctx, query, userID, remaining, nextReset, observedReset)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetFollowStatus records the follow flag, raising the counter to floor when
// a new follower is below it.
func (r *UserRepositoryPG) SetFollowStatus(ctx context.Context, userID string, follows bool, floor int) error {
	query := `
UPDATE users
SET follows_profile = $2,
    quota_remaining = CASE WHEN $2 AND quota_remaining < $3 THEN $3 ELSE quota_remaining END,
    updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, userID, follows, floor)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Username,
		&user.FullName,
		&user.IsActive,
		&user.IsAdmin,
		&user.FollowsProfile,
		&user.QuotaRemaining,
		&user.QuotaResetDate,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}
