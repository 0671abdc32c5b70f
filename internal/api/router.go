package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apimiddleware "github.com/phrazzld/captionq/internal/api/middleware"
)

// NewRouter wires the handlers into a chi router with the standard
// middleware chain.
func NewRouter(tasks *TaskHandler, admin *AdminHandler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(apimiddleware.NewTraceMiddleware(logger))
	r.Use(apimiddleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", tasks.CreateTask)
		r.Get("/tasks/{id}", tasks.GetTask)
		r.Delete("/tasks/{id}", tasks.CancelTask)
		r.Get("/tasks/{id}/events", tasks.GetTaskEvents)

		r.Get("/queue/stats", admin.QueueStats)
		r.Post("/queue/migrate", admin.Migrate)
		r.Get("/workers", admin.Workers)
		r.Post("/workers/scale", admin.ScaleWorkers)
		r.Get("/broker", admin.Broker)
	})

	r.Get("/health", admin.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
