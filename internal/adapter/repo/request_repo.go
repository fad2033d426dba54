package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nursefilter/internal/domain"
)

// RequestRepositoryPG implements domain.RequestRepository backed by PostgreSQL.
type RequestRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewRequestRepository creates a new RequestRepositoryPG.
func NewRequestRepository(pool *pgxpool.Pool) *RequestRepositoryPG {
	return &RequestRepositoryPG{pool: pool}
}

const requestColumns = `id, user_id, anonymous_id, workflow_id, status, remote_job_id, input_url, output_url, created_at, submitted_at, completed_at`

// Create inserts a new request record.
func (r *RequestRepositoryPG) Create(ctx context.Context, req *domain.Request) error {
	query := `
INSERT INTO requests (id, user_id, anonymous_id, workflow_id, status, input_url)
VALUES ($1, $2, $3, $4, $5, $6);
`
	_, err := r.pool.Exec(ctx, query,
		req.ID,
		req.UserID,
		req.AnonymousID,
		req.WorkflowID,
		req.Status,
		req.InputURL,
	)
	return err
}

// GetByID fetches a request by its internal id.
func (r *RequestRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Request, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	return scanRequest(row)
}

// GetByRemoteJobID fetches a request by the id the remote worker assigned.
func (r *RequestRepositoryPG) GetByRemoteJobID(ctx context.Context, remoteJobID string) (*domain.Request, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE remote_job_id = $1`, remoteJobID)
	return scanRequest(row)
}

// MarkSubmitted transitions a pending request to submitted.
func (r *RequestRepositoryPG) MarkSubmitted(ctx context.Context, id, remoteJobID string, at time.Time) error {
	query := `
UPDATE requests
SET status = $2,
    remote_job_id = $3,
    submitted_at = $4
WHERE id = $1
  AND status = $5;
`
	tag, err := r.pool.Exec(ctx, query, id, domain.RequestStatusSubmitted, remoteJobID, at, domain.RequestStatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkCompleted transitions a request into a terminal status. The guard on
// the current status keeps racing completion signals to a single transition;
// the loser sees changed=false.
func (r *RequestRepositoryPG) MarkCompleted(ctx context.Context, id string, status domain.RequestStatus, outputURL *string, at time.Time) (bool, error) {
	query := `
UPDATE requests
SET status = $2,
    output_url = COALESCE($3, output_url),
    completed_at = $4
WHERE id = $1
  AND status NOT IN ($5, $6);
`
	tag, err := r.pool.Exec(ctx, query, id, status, outputURL, at,
		domain.RequestStatusCompleted, domain.RequestStatusFailed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Associate reassigns anonymous requests to a user in one conditional
// statement, so concurrent submissions with the same anonymous id cannot be
// lost or double-associated.
func (r *RequestRepositoryPG) Associate(ctx context.Context, anonymousID, userID string) (int64, error) {
	query := `
UPDATE requests
SET user_id = $2,
    anonymous_id = NULL
WHERE anonymous_id = $1
  AND user_id IS NULL;
`
	tag, err := r.pool.Exec(ctx, query, anonymousID, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListByUser returns the user's requests newest first.
func (r *RequestRepositoryPG) ListByUser(ctx context.Context, userID string, offset, limit int) ([]domain.Request, error) {
	query := `
SELECT ` + requestColumns + `
FROM requests
WHERE user_id = $1
ORDER BY created_at DESC
OFFSET $2 LIMIT $3;
`
	rows, err := r.pool.Query(ctx, query, userID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (*domain.Request, error) {
	var req domain.Request
	if err := row.Scan(
		&req.ID,
		&req.UserID,
		&req.AnonymousID,
		&req.WorkflowID,
		&req.Status,
		&req.RemoteJobID,
		&req.InputURL,
		&req.OutputURL,
		&req.CreatedAt,
		&req.SubmittedAt,
		&req.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}
