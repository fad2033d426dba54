package domain

import (
	"context"
	"time"
)

// UserRepository defines access methods for users.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	// DecrementQuota decrements quota_remaining by one only when it is
	// currently positive. Returns the post-update value.
	DecrementQuota(ctx context.Context, userID string) (int, error)
	// ReplenishQuota sets quota_remaining and quota_reset_date only when the
	// stored reset date is still the one the caller observed, so two
	// concurrent reads replenish at most once.
	ReplenishQuota(ctx context.Context, userID string, remaining int, observedReset, nextReset time.Time) (bool, error)
	// SetFollowStatus records the follow flag and raises quota_remaining to
	// floor when the flag is set and the current value is below it.
	SetFollowStatus(ctx context.Context, userID string, follows bool, floor int) error
}

// RequestRepository defines persistence for generation requests.
type RequestRepository interface {
	Create(ctx context.Context, req *Request) error
	GetByID(ctx context.Context, id string) (*Request, error)
	GetByRemoteJobID(ctx context.Context, remoteJobID string) (*Request, error)
	// MarkSubmitted transitions a pending request to submitted, recording the
	// remote job id and submission time.
	MarkSubmitted(ctx context.Context, id, remoteJobID string, at time.Time) error
	// MarkCompleted transitions to a terminal status. The update is
	// conditional on the row not already being terminal; it reports whether a
	// row changed so racing completion signals resolve to one transition.
	MarkCompleted(ctx context.Context, id string, status RequestStatus, outputURL *string, at time.Time) (bool, error)
	// Associate reassigns every request carrying the anonymous id and no
	// owner to the given user, returning the number of rows changed.
	Associate(ctx context.Context, anonymousID, userID string) (int64, error)
	// ListByUser returns the user's requests newest first.
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]Request, error)
}
