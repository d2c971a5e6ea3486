package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"photopipe/internal/http/handlers"
	"photopipe/internal/middleware"
)

// NewRouter wires the public API surface.
func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(app.Config.CORSAllowedOrigins),
	)

	r.Get("/v1/healthz", app.Health)

	r.With(middleware.RateLimit(app.Config.WebhookRatePerMin, time.Minute)).
		Post("/v1/webhooks/photos", app.PhotoWebhook)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/", app.ListJobs)
		r.Get("/{id}", app.GetJob)
		r.Post("/{id}/fail", app.FailJob)
		r.Post("/{id}/resume", app.ResumeJob)
		r.Get("/{id}/assets", app.JobAssets)
		r.Get("/{id}/assets/archive", app.JobAssetsArchive)
	})

	// Signed reads for the filesystem storage backend.
	r.Get("/objects/*", app.ServeObject)

	return r
}
