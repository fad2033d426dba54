package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"nursefilter/internal/quota"
)

type profileResponse struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Username       string    `json:"username"`
	FullName       string    `json:"full_name,omitempty"`
	FollowsProfile bool      `json:"follows_profile"`
	QuotaRemaining int       `json:"quota_remaining"`
	QuotaCeiling   int       `json:"quota_ceiling"`
	QuotaResetDate time.Time `json:"quota_reset_date"`
	Unlimited      bool      `json:"unlimited,omitempty"`
}

func (a *App) Profile(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	// Remaining is read first so a due replenishment lands before the user row
	// is rendered.
	remaining, err := a.Quota.Remaining(r.Context(), userID)
	if err != nil {
		a.fail(w, err)
		return
	}
	user, err := a.Users.GetByID(r.Context(), userID)
	if err != nil {
		a.fail(w, err)
		return
	}

	resp := profileResponse{
		ID:             user.ID,
		Email:          user.Email,
		Username:       user.Username,
		FullName:       user.FullName,
		FollowsProfile: user.FollowsProfile,
		QuotaRemaining: remaining,
		QuotaCeiling:   a.Quota.Ceiling(user),
		QuotaResetDate: user.QuotaResetDate,
	}
	if remaining == quota.Unlimited {
		resp.Unlimited = true
	}
	a.json(w, http.StatusOK, resp)
}

type associateRequest struct {
	AnonymousID string `json:"anonymous_id"`
}

func (a *App) Associate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req associateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AnonymousID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "anonymous_id is required")
		return
	}

	claimed, err := a.Requests.Associate(r.Context(), req.AnonymousID, userID)
	if err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"success": true, "associated": claimed})
}

type followRequest struct {
	Followed bool `json:"followed"`
}

// Follow records whether the user follows our profile, which selects the
// elevated quota ceiling. A new follow tops the counter up to that ceiling
// immediately.
func (a *App) Follow(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req followRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	if err := a.Quota.MarkFollowed(r.Context(), userID, req.Followed); err != nil {
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]bool{"success": true})
}
