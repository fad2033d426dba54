package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"nursefilter/internal/http/handlers"
	"nursefilter/internal/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(app.Cfg.Origins()),
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/api", func(r chi.Router) {
		// Submission and status reads work for both authenticated and
		// anonymous callers.
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthJWTOptional(app.Cfg.JWTSecret))
			r.With(middleware.RateLimit(app.Cfg.RateLimitPerMin, time.Minute)).
				Post("/process-image", app.ProcessImage)
			r.Get("/job-status/{jobId}", app.JobStatus)
		})

		// The remote worker calls back unauthenticated.
		r.Get("/webhook/runpod", app.Webhook)
		r.Post("/webhook/runpod", app.Webhook)

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/list", app.ListWorkflows)
			r.Get("/{id}", app.GetWorkflow)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthJWT(app.Cfg.JWTSecret))
			r.Get("/user/profile", app.Profile)
			r.Post("/user/associate", app.Associate)
			r.Post("/user/follow", app.Follow)
			r.Get("/images/history", app.History)
			r.Get("/images/history/{id}", app.HistoryDetail)
		})
	})

	r.Get("/static/{bucket}/{filename}", app.ServeAsset)

	return r
}
