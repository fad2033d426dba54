package domain

import "time"

// RequestStatus enumerates the lifecycle states of a generation request.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusSubmitted RequestStatus = "submitted"
	RequestStatusCompleted RequestStatus = "completed"
	RequestStatusFailed    RequestStatus = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusFailed
}

// Request is the durable record of one image-transformation submission. It is
// never deleted; completed and failed rows remain as the user's history.
//
// UserID and AnonymousID are mutually exclusive: anonymous submissions carry
// only AnonymousID until Associate moves them onto an account.
type Request struct {
	ID          string
	UserID      *string
	AnonymousID *string
	WorkflowID  string
	Status      RequestStatus
	RemoteJobID *string
	InputURL    *string
	OutputURL   *string
	CreatedAt   time.Time
	SubmittedAt *time.Time
	CompletedAt *time.Time
}
