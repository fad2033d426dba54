package domain

import "time"

// User represents an account within the platform. Quota fields are owned by
// the quota ledger and must only be mutated through it.
type User struct {
	ID             string
	Email          string
	Username       string
	FullName       string
	IsActive       bool
	IsAdmin        bool
	FollowsProfile bool
	QuotaRemaining int
	QuotaResetDate time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
