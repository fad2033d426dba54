// Package pipeline coordinates the job lifecycle: submission to the remote
// worker, dual-path completion via webhook and poll loop, and output
// persistence. The durable request ledger, the in-memory job cache and the
// remote status API are reconciled here.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nursefilter/internal/domain"
	"nursefilter/internal/jobcache"
	"nursefilter/internal/quota"
	"nursefilter/internal/runpod"
	"nursefilter/internal/storage"
	"nursefilter/pkg/dataurl"
)

// RemoteClient is the outbound surface of the remote worker.
type RemoteClient interface {
	Submit(ctx context.Context, in runpod.SubmitInput) (*runpod.StatusPayload, error)
	Status(ctx context.Context, jobID string) (*runpod.StatusPayload, error)
}

// Options wires an Orchestrator.
type Options struct {
	Requests domain.RequestRepository
	Quota    *quota.Ledger
	Cache    *jobcache.Cache
	Remote   RemoteClient
	Store    storage.ObjectStore
	Logger   zerolog.Logger
	// WebhookURL is handed to the worker on async submissions.
	WebhookURL      string
	PollInterval    time.Duration
	PollMaxAttempts int
	Now             func() time.Time
	NewID           func() string
}

// Orchestrator owns every mutation of the request ledger and the job cache.
type Orchestrator struct {
	requests domain.RequestRepository
	quota    *quota.Ledger
	cache    *jobcache.Cache
	remote   RemoteClient
	store    storage.ObjectStore
	logger   zerolog.Logger

	webhookURL      string
	pollInterval    time.Duration
	pollMaxAttempts int
	now             func() time.Time
	newID           func() string

	// completing serializes completion handling per remote job id so that a
	// webhook and a poll tick racing on the same job produce exactly one
	// storage write and one ledger transition.
	completingMu sync.Mutex
	completing   map[string]*sync.Mutex

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New constructs an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.PollMaxAttempts <= 0 {
		opts.PollMaxAttempts = 120
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		requests:        opts.Requests,
		quota:           opts.Quota,
		cache:           opts.Cache,
		remote:          opts.Remote,
		store:           opts.Store,
		logger:          opts.Logger,
		webhookURL:      opts.WebhookURL,
		pollInterval:    opts.PollInterval,
		pollMaxAttempts: opts.PollMaxAttempts,
		now:             opts.Now,
		newID:           opts.NewID,
		completing:      make(map[string]*sync.Mutex),
		bgCtx:           ctx,
		bgCancel:        cancel,
	}
}

// Close stops background poll loops and waits for them to drain.
func (o *Orchestrator) Close() {
	o.bgCancel()
	o.bg.Wait()
}

// SubmitParams describes one submission.
type SubmitParams struct {
	WorkflowID string
	// Image is the input photo as base64, with or without a data-URI prefix.
	Image       string
	UserID      *string
	AnonymousID *string
	// Sync holds the remote call open until the job resolves inline.
	Sync bool
}

// SubmitResult is returned to the caller immediately after submission.
type SubmitResult struct {
	JobID  string
	Status domain.JobStatus
	// Result carries the terminal payload for sync submissions that resolved
	// inline; nil otherwise.
	Result *domain.JobResult
}

// Submit runs the submission path: quota gate, input persistence, ledger
// creation, remote submission, and either an inline completion (sync) or a
// background poll loop as the webhook fallback (async).
func (o *Orchestrator) Submit(ctx context.Context, p SubmitParams) (*SubmitResult, error) {
	if p.WorkflowID == "" || p.Image == "" {
		return nil, fmt.Errorf("%w: workflow id and image are required", domain.ErrValidation)
	}

	if p.UserID != nil {
		remaining, err := o.quota.Remaining(ctx, *p.UserID)
		if err != nil {
			return nil, err
		}
		if remaining <= 0 {
			return nil, domain.ErrQuotaExceeded
		}
	}

	raw, mediaType, err := dataurl.Decode(p.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: image payload is not valid base64", domain.ErrValidation)
	}

	// Input persistence comes first: a submission we cannot evidence is not
	// sent anywhere.
	inputKey := o.artifactKey(storage.BucketUploads)
	if _, err := o.store.Write(ctx, inputKey, raw, mediaType); err != nil {
		return nil, fmt.Errorf("%w: save input: %v", domain.ErrStorageFailure, err)
	}
	inputURL := o.store.URL(inputKey)

	req := &domain.Request{
		ID:          o.newID(),
		UserID:      p.UserID,
		AnonymousID: p.AnonymousID,
		WorkflowID:  p.WorkflowID,
		Status:      domain.RequestStatusPending,
		InputURL:    &inputURL,
	}
	if err := o.requests.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create request record: %w", err)
	}

	payload, err := o.remote.Submit(ctx, runpod.SubmitInput{
		WorkflowName: p.WorkflowID,
		Image:        dataurl.Normalize(p.Image),
		WebhookURL:   o.webhookURL,
		Sync:         p.Sync,
	})
	if err != nil {
		// The input artifact stays behind; orphaned storage is harmless,
		// a pending ledger row is not.
		if _, markErr := o.requests.MarkCompleted(ctx, req.ID, domain.RequestStatusFailed, nil, o.now()); markErr != nil {
			o.logger.Error().Err(markErr).Str("request_id", req.ID).Msg("pipeline: failed to mark request failed")
		}
		return nil, err
	}

	jobID := payload.ID
	if jobID == "" {
		// Sync responses occasionally omit the id; mint one so cache and
		// ledger still converge.
		jobID = o.newID()
		payload.ID = jobID
	}

	if err := o.requests.MarkSubmitted(ctx, req.ID, jobID, o.now()); err != nil {
		o.logger.Error().Err(err).Str("request_id", req.ID).Str("job_id", jobID).Msg("pipeline: failed to mark request submitted")
	}
	o.cache.MarkProcessing(jobID)

	if p.UserID != nil {
		if err := o.quota.Decrement(ctx, *p.UserID); err != nil {
			o.logger.Error().Err(err).Str("user_id", *p.UserID).Msg("pipeline: quota decrement failed")
		}
	}

	if p.Sync && payload.Terminal() {
		res, err := o.HandleCompletion(ctx, payload)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{JobID: jobID, Status: res.Status, Result: &res}, nil
	}

	o.startPollLoop(jobID)
	o.logger.Info().Str("job_id", jobID).Str("request_id", req.ID).Str("workflow", p.WorkflowID).Msg("pipeline: job submitted")
	return &SubmitResult{JobID: jobID, Status: domain.JobStatusProcessing}, nil
}

// HandleCompletion resolves a terminal payload from either the webhook or the
// poll loop. It is idempotent: a duplicate delivery for an already-resolved
// job returns the stored result without re-persisting anything.
func (o *Orchestrator) HandleCompletion(ctx context.Context, payload *runpod.StatusPayload) (domain.JobResult, error) {
	if payload == nil || payload.ID == "" {
		return domain.JobResult{}, fmt.Errorf("%w: missing job id", domain.ErrMalformedPayload)
	}
	if !payload.Terminal() {
		return domain.JobResult{}, fmt.Errorf("%w: non-terminal status %q", domain.ErrMalformedPayload, payload.Status)
	}

	unlock := o.lockJob(payload.ID)
	defer unlock()

	if cached, ok := o.cache.Get(payload.ID); ok && cached.Status.Terminal() {
		o.logger.Debug().Str("job_id", payload.ID).Msg("pipeline: duplicate completion ignored")
		return cached, nil
	}

	if payload.Failed() {
		return o.completeFailed(ctx, payload.ID, payload.Error), nil
	}
	return o.completeSucceeded(ctx, payload), nil
}

func (o *Orchestrator) completeSucceeded(ctx context.Context, payload *runpod.StatusPayload) domain.JobResult {
	image, rule, found := runpod.ExtractOutput(payload.Output)

	var outputURL string
	if found {
		raw, mediaType, err := dataurl.Decode(image)
		if err == nil {
			key := o.artifactKey(storage.BucketProcessed)
			if _, werr := o.store.Write(ctx, key, raw, mediaType); werr != nil {
				// Output-side storage failures are tolerated: the inline
				// payload still reaches the client.
				o.logger.Error().Err(werr).Str("job_id", payload.ID).Msg("pipeline: failed to persist output")
			} else {
				outputURL = o.store.URL(key)
			}
		} else {
			o.logger.Warn().Err(err).Str("job_id", payload.ID).Str("rule", rule).Msg("pipeline: output image not decodable")
		}
	} else {
		o.logger.Warn().Str("job_id", payload.ID).Msg("pipeline: completed job carries no recognizable output")
	}

	result, _ := o.cache.CompleteOnce(payload.ID, domain.JobResult{
		Status:      domain.JobStatusCompleted,
		OutputImage: image,
		OutputURL:   outputURL,
	})

	var urlPtr *string
	if outputURL != "" {
		urlPtr = &outputURL
	}
	o.transitionLedger(ctx, payload.ID, domain.RequestStatusCompleted, urlPtr)
	o.logger.Info().Str("job_id", payload.ID).Bool("has_output", found).Msg("pipeline: job completed")
	return result
}

func (o *Orchestrator) completeFailed(ctx context.Context, jobID, errMsg string) domain.JobResult {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	result, _ := o.cache.CompleteOnce(jobID, domain.JobResult{
		Status: domain.JobStatusFailed,
		Error:  errMsg,
	})
	o.transitionLedger(ctx, jobID, domain.RequestStatusFailed, nil)
	o.logger.Info().Str("job_id", jobID).Str("error", errMsg).Msg("pipeline: job failed")
	return result
}

// transitionLedger moves the matching request row into a terminal state. A
// missing row is logged, not fatal: the webhook is untrusted input and the
// cache has already been updated for polling clients.
func (o *Orchestrator) transitionLedger(ctx context.Context, jobID string, status domain.RequestStatus, outputURL *string) {
	req, err := o.requests.GetByRemoteJobID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			o.logger.Warn().Str("job_id", jobID).Msg("pipeline: no request record for job")
		} else {
			o.logger.Error().Err(err).Str("job_id", jobID).Msg("pipeline: request lookup failed")
		}
		return
	}
	changed, err := o.requests.MarkCompleted(ctx, req.ID, status, outputURL, o.now())
	if err != nil {
		o.logger.Error().Err(err).Str("request_id", req.ID).Msg("pipeline: ledger transition failed")
		return
	}
	if !changed {
		o.logger.Debug().Str("request_id", req.ID).Msg("pipeline: request already terminal")
	}
}

// PollResult is the client-facing status read.
type PollResult struct {
	JobID string
	// Status is the resolved lifecycle state.
	Status domain.JobStatus
	// RemoteStatus carries the worker's raw state for non-terminal jobs
	// (e.g. IN_QUEUE); empty once terminal.
	RemoteStatus string
	OutputImage  string
	OutputURL    string
	Error        string
}

// Poll answers a status read. Terminal cache entries are authoritative;
// otherwise the remote worker is queried live, and a terminal answer is
// routed through the completion handler. Non-terminal live states are not
// cached.
func (o *Orchestrator) Poll(ctx context.Context, jobID string) (*PollResult, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: job id is required", domain.ErrValidation)
	}
	if cached, ok := o.cache.Get(jobID); ok && cached.Status.Terminal() {
		return resultFrom(jobID, cached), nil
	}

	live, err := o.remote.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	live.ID = jobID
	if live.Terminal() {
		res, err := o.HandleCompletion(ctx, live)
		if err != nil {
			return nil, err
		}
		return resultFrom(jobID, res), nil
	}
	return &PollResult{
		JobID:        jobID,
		Status:       domain.JobStatusProcessing,
		RemoteStatus: live.Status,
	}, nil
}

func resultFrom(jobID string, res domain.JobResult) *PollResult {
	return &PollResult{
		JobID:       jobID,
		Status:      res.Status,
		OutputImage: res.OutputImage,
		OutputURL:   res.OutputURL,
		Error:       res.Error,
	}
}

// startPollLoop launches the webhook fallback for an async submission. The
// loop is detached from the originating request on purpose: the job must
// still resolve for later retrieval if the client disconnects.
func (o *Orchestrator) startPollLoop(jobID string) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		o.pollUntilTerminal(jobID)
	}()
}

func (o *Orchestrator) pollUntilTerminal(jobID string) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= o.pollMaxAttempts; attempt++ {
		select {
		case <-o.bgCtx.Done():
			return
		case <-ticker.C:
		}

		if cached, ok := o.cache.Get(jobID); ok && cached.Status.Terminal() {
			return
		}

		live, err := o.remote.Status(o.bgCtx, jobID)
		if err != nil {
			// Transient failures just wait for the next tick.
			o.logger.Warn().Err(err).Str("job_id", jobID).Int("attempt", attempt).Msg("pipeline: poll failed")
			continue
		}
		live.ID = jobID
		if !live.Terminal() {
			continue
		}
		if _, err := o.HandleCompletion(o.bgCtx, live); err != nil {
			o.logger.Error().Err(err).Str("job_id", jobID).Msg("pipeline: poll completion failed")
		}
		return
	}

	// Attempt budget exhausted: fail the job rather than leak the loop.
	unlock := o.lockJob(jobID)
	defer unlock()
	if cached, ok := o.cache.Get(jobID); ok && cached.Status.Terminal() {
		return
	}
	o.logger.Error().Str("job_id", jobID).Int("attempts", o.pollMaxAttempts).Msg("pipeline: job timed out")
	o.completeFailed(o.bgCtx, jobID, "timed out waiting for remote worker")
}

// lockJob returns the release func of the per-job completion mutex. Entries
// for terminal jobs are dropped on release; late duplicates re-create one and
// hit the idempotent short-circuit.
func (o *Orchestrator) lockJob(jobID string) func() {
	o.completingMu.Lock()
	mu, ok := o.completing[jobID]
	if !ok {
		mu = &sync.Mutex{}
		o.completing[jobID] = mu
	}
	o.completingMu.Unlock()
	mu.Lock()
	return func() {
		mu.Unlock()
		if cached, ok := o.cache.Get(jobID); ok && cached.Status.Terminal() {
			o.completingMu.Lock()
			delete(o.completing, jobID)
			o.completingMu.Unlock()
		}
	}
}

func (o *Orchestrator) artifactKey(bucket string) string {
	return fmt.Sprintf("%s/%d-%s.png", bucket, o.now().UnixMilli(), o.newID())
}
