package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type historyItem struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	Status      string     `json:"status"`
	InputURL    *string    `json:"input_url,omitempty"`
	OutputURL   *string    `json:"output_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (a *App) History(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	requests, err := a.Requests.ListByUser(r.Context(), userID, (page-1)*pageSize, pageSize)
	if err != nil {
		a.fail(w, err)
		return
	}

	items := make([]historyItem, 0, len(requests))
	for _, req := range requests {
		items = append(items, historyItem{
			ID:          req.ID,
			WorkflowID:  req.WorkflowID,
			Status:      string(req.Status),
			InputURL:    req.InputURL,
			OutputURL:   req.OutputURL,
			CreatedAt:   req.CreatedAt,
			CompletedAt: req.CompletedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{
		"items":     items,
		"page":      page,
		"page_size": pageSize,
	})
}

// HistoryDetail returns a single request owned by the caller. Requests that
// belong to someone else look no different from ones that do not exist.
func (a *App) HistoryDetail(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	req, err := a.Requests.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, err)
		return
	}
	if req.UserID == nil || *req.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "request not found")
		return
	}

	a.json(w, http.StatusOK, historyItem{
		ID:          req.ID,
		WorkflowID:  req.WorkflowID,
		Status:      string(req.Status),
		InputURL:    req.InputURL,
		OutputURL:   req.OutputURL,
		CreatedAt:   req.CreatedAt,
		CompletedAt: req.CompletedAt,
	})
}
