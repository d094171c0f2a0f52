package handlers

import (
	"encoding/json"
	"net/http"

	"server/internal/domain"
)

// ProgressGet handles GET /v1/progress: the reconciling read path used by
// dashboards and widgets.
func (a *App) ProgressGet(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	rec, err := a.Progress.Get(r.Context(), userID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.json(w, http.StatusOK, rec)
}

// ProgressUpdate handles POST /v1/progress/update. Collaborators pass the
// semantic operation, not raw deltas.
func (a *App) ProgressUpdate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	var op domain.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	rec, err := a.Progress.ApplyUpdate(r.Context(), userID, op)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	a.json(w, http.StatusOK, rec)
}

type syncRequest struct {
	Cache domain.LocalCacheRecord `json:"cache"`
}

type syncResponse struct {
	Record       *domain.ProgressRecord `json:"record"`
	ConfirmedIDs []string               `json:"confirmed_ids"`
}

// ProgressSync handles POST /v1/progress/sync: a device pushes its outbox
// and local mirror, and receives the merged authoritative record plus the
// ids of the outbox entries now confirmed.
func (a *App) ProgressSync(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	req.Cache.UserID = userID

	rec, confirmed, err := a.Progress.SyncDevice(r.Context(), userID, &req.Cache)
	if err != nil {
		// Partial confirmations still go back so the device can trim its
		// outbox before retrying.
		if len(confirmed) > 0 {
			a.json(w, http.StatusAccepted, syncResponse{ConfirmedIDs: confirmed})
			return
		}
		a.writeDomainError(w, err)
		return
	}
	a.json(w, http.StatusOK, syncResponse{Record: rec, ConfirmedIDs: confirmed})
}
