package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
)

type incrementRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// UsageIncrement handles POST /v1/usage/{featureID}/increment. The
// response is safe to retry verbatim with the same idempotency key.
func (a *App) UsageIncrement(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	featureID := domain.FeatureID(chi.URLParam(r, "featureID"))

	var req incrementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	dec, err := a.Quota.IncrementAndEvaluate(r.Context(), userID, featureID, req.IdempotencyKey)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.json(w, http.StatusOK, dec)
}

// UsagePeek handles GET /v1/usage/{featureID}: evaluation only, nothing is
// consumed or written.
func (a *App) UsagePeek(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	featureID := domain.FeatureID(chi.URLParam(r, "featureID"))

	dec, err := a.Quota.Peek(r.Context(), userID, featureID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.json(w, http.StatusOK, dec)
}
