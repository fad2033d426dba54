package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"nursefilter/internal/domain"
	"nursefilter/internal/middleware"
	"nursefilter/internal/pipeline"
	"nursefilter/internal/runpod"
)

type processImageRequest struct {
	WorkflowName string `json:"workflow_name"`
	Image        string `json:"image"`
	// WaitForResponse holds the request open until the job resolves.
	WaitForResponse bool `json:"waitForResponse"`
}

type jobStatusResponse struct {
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	RemoteStatus string `json:"remote_status,omitempty"`
	OutputImage  string `json:"output_image,omitempty"`
	OutputURL    string `json:"output_url,omitempty"`
	Error        string `json:"error,omitempty"`
	Message      string `json:"message,omitempty"`
}

func (a *App) ProcessImage(w http.ResponseWriter, r *http.Request) {
	var req processImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.WorkflowName == "" || req.Image == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "workflow_name and image are required")
		return
	}

	params := pipeline.SubmitParams{
		WorkflowID: req.WorkflowName,
		Image:      req.Image,
		Sync:       req.WaitForResponse,
	}
	if userID := a.currentUserID(r); userID != "" {
		params.UserID = &userID
	}
	if anonID := middleware.AnonymousIDFromContext(r.Context()); anonID != "" {
		params.AnonymousID = &anonID
	}

	res, err := a.Pipeline.Submit(r.Context(), params)
	if err != nil {
		a.fail(w, err)
		return
	}

	if res.Result != nil {
		a.json(w, http.StatusOK, jobStatusResponse{
			JobID:       res.JobID,
			Status:      string(res.Status),
			OutputImage: res.Result.OutputImage,
			OutputURL:   res.Result.OutputURL,
			Error:       res.Result.Error,
		})
		return
	}
	a.json(w, http.StatusOK, jobStatusResponse{
		JobID:   res.JobID,
		Status:  string(domain.JobStatusProcessing),
		Message: "image processing started",
	})
}

func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job id is required")
		return
	}

	res, err := a.Pipeline.Poll(r.Context(), jobID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, jobStatusResponse{
		JobID:        res.JobID,
		Status:       string(res.Status),
		RemoteStatus: res.RemoteStatus,
		OutputImage:  res.OutputImage,
		OutputURL:    res.OutputURL,
		Error:        res.Error,
	})
}

// Webhook receives completion callbacks from the remote worker. The worker
// retries deliveries, so the handler acknowledges duplicates the same way it
// acknowledges first deliveries. Some worker configurations call back with
// query parameters instead of a JSON body; both are accepted.
func (a *App) Webhook(w http.ResponseWriter, r *http.Request) {
	payload := webhookPayload(r)
	if payload.ID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job id is required")
		return
	}
	if !payload.Terminal() {
		// Progress notifications carry nothing actionable.
		a.json(w, http.StatusOK, map[string]bool{"success": true})
		return
	}

	if _, err := a.Pipeline.HandleCompletion(r.Context(), payload); err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]bool{"success": true})
}

func webhookPayload(r *http.Request) *runpod.StatusPayload {
	var payload runpod.StatusPayload
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	if payload.ID == "" {
		q := r.URL.Query()
		payload.ID = q.Get("id")
		if payload.Status == "" {
			payload.Status = q.Get("status")
		}
		if payload.Error == "" {
			payload.Error = q.Get("error")
		}
	}
	return &payload
}
