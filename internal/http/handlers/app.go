package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/middleware"
	"server/internal/progress"
	"server/internal/quota"
)

// App is the handler container. Services are injected explicitly; there
// are no process-wide singletons.
type App struct {
	Logger   zerolog.Logger
	Quota    *quota.Service
	Progress *progress.Service
}

// NewApp wires the handler container.
func NewApp(logger zerolog.Logger, quotaSvc *quota.Service, progressSvc *progress.Service) *App {
	return &App{Logger: logger, Quota: quotaSvc, Progress: progressSvc}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// writeDomainError maps the engine's error taxonomy onto HTTP. Transient
// failures and exhausted retries surface as "temporarily unavailable";
// access is never granted on error.
func (a *App) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrConflictRetryExhausted), errors.Is(err, domain.ErrTransient):
		a.error(w, http.StatusServiceUnavailable, "temporarily_unavailable", "feature temporarily unavailable, try again")
	case errors.Is(err, domain.ErrCorruptedState):
		a.error(w, http.StatusConflict, "needs_repair", "progress data is being repaired, try again")
	default:
		a.Logger.Error().Err(err).Msg("unhandled error")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
