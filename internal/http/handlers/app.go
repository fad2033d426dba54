package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"nursefilter/internal/domain"
	"nursefilter/internal/infra"
	"nursefilter/internal/middleware"
	"nursefilter/internal/pipeline"
	"nursefilter/internal/quota"
	"nursefilter/internal/storage"
)

type App struct {
	Cfg      *infra.Config
	Logger   zerolog.Logger
	Pipeline *pipeline.Orchestrator
	Quota    *quota.Ledger
	Users    domain.UserRepository
	Requests domain.RequestRepository
	Store    storage.ObjectStore
}

func NewApp(cfg *infra.Config, logger zerolog.Logger, p *pipeline.Orchestrator, q *quota.Ledger, users domain.UserRepository, requests domain.RequestRepository, store storage.ObjectStore) *App {
	return &App{
		Cfg:      cfg,
		Logger:   logger,
		Pipeline: p,
		Quota:    q,
		Users:    users,
		Requests: requests,
		Store:    store,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, map[string]string{"error": kind, "message": message})
}

// fail maps domain sentinel errors onto HTTP status codes.
func (a *App) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrMalformedPayload):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.Is(err, domain.ErrQuotaExceeded):
		a.error(w, http.StatusPaymentRequired, "quota_exceeded", "monthly quota exhausted")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrRemoteSubmission), errors.Is(err, domain.ErrRemoteStatus):
		a.Logger.Error().Err(err).Msg("handlers: remote worker error")
		a.error(w, http.StatusBadGateway, "remote_error", "remote worker unavailable")
	default:
		a.Logger.Error().Err(err).Msg("handlers: internal error")
		a.error(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
