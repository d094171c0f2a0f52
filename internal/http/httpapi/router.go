package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"server/internal/http/handlers"
	"server/internal/infra"
	"server/internal/middleware"
)

// NewRouter builds the HTTP surface of the engine.
func NewRouter(app *handlers.App, cfg *infra.Config) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(cfg.AllowedOrigins),
		middleware.RateLimit(cfg.RateLimitPerMin, time.Minute),
	)

	// Health
	r.Get("/v1/healthz", app.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthJWT(cfg.JWTSecret))

		r.Route("/v1/usage/{featureID}", func(r chi.Router) {
			r.Get("/", app.UsagePeek)
			r.Post("/increment", app.UsageIncrement)
		})

		r.Route("/v1/progress", func(r chi.Router) {
			r.Get("/", app.ProgressGet)
			r.Post("/update", app.ProgressUpdate)
			r.Post("/sync", app.ProgressSync)
		})
	})

	return r
}
