package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"server/internal/http/handlers"
	"server/internal/middleware"
)

func NewRouter(app *handlers.App) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(app.Config.CORSAllowedOrigins),
		middleware.I18N("en"),
		middleware.RateLimit(app.Config.RateLimitPerMin, time.Minute),
	)

	// Health
	r.Get("/v1/healthz", app.Health)

	r.Route("/generations", func(r chi.Router) {
		r.Post("/", app.GenerationsCreate)
		r.Get("/", app.GenerationsList)

		r.Post("/construction-stages", app.ConstructionStages)
		r.Post("/construction-stages/merge", app.StagesMerge)
		r.Post("/interior-stages", app.InteriorStages)
		r.Get("/stage-plans/{id}", app.StagePlanStatus)

		r.Get("/{id}", app.GenerationsGet)
		r.Post("/{id}/check-status", app.GenerationsCheckStatus)
		r.Delete("/{id}", app.GenerationsDelete)
	})

	r.Post("/webhooks/{provider}", app.ProviderWebhook)

	// Stored uploads and merged videos.
	if app.Files != nil {
		fs := stdhttp.StripPrefix("/static/", stdhttp.FileServer(stdhttp.Dir(app.Files.BasePath())))
		r.Get("/static/*", fs.ServeHTTP)
	}

	return r
}
