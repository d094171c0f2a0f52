package handlers

import (
	"net/http"
)

// Health handles GET /v1/healthz. Liveness only: it deliberately skips the
// ledgers, so a degraded database surfaces as 503s on decision endpoints
// rather than flapping the process.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
