package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apiMiddleware "github.com/phrazzld/taskwatch/internal/api/middleware"
)

// RouterDeps are the services behind the daemon API.
type RouterDeps struct {
	Tasks         TaskService
	Snapshots     SnapshotSource
	Notifications NotificationSource
	Progress      interface {
		ProgressView
		ViewSource
	}
	Session       SessionManager
	StreamOptions []StreamOption
}

// NewRouter builds the daemon's HTTP handler.
func NewRouter(deps RouterDeps, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(logger))

	taskHandler := NewTaskHandler(deps.Tasks, logger)
	progressHandler := NewProgressHandler(deps.Progress, logger)
	sessionHandler := NewSessionHandler(deps.Session, logger)
	streamHandler := NewStreamHandler(deps.Snapshots, deps.Notifications, deps.Progress, logger, deps.StreamOptions...)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", taskHandler.ListTasks)
		r.Get("/tasks/stream", streamHandler.ServeHTTP)
		r.Get("/tasks/{id}", taskHandler.GetTask)
		r.Delete("/tasks/{id}", taskHandler.DiscardTask)
		r.Get("/results/{id}", taskHandler.GetResult)

		// Talking to the job server needs a signed-in session
		r.Group(func(r chi.Router) {
			r.Use(apiMiddleware.RequireSession(deps.Session))
			r.Post("/tasks", taskHandler.StartTask)
			r.Post("/reconcile", taskHandler.Reconcile)
		})

		r.Get("/progress", progressHandler.GetView)
		r.Post("/progress/open", progressHandler.Open)
		r.Post("/progress/{action}", progressHandler.Transition)

		r.Get("/session", sessionHandler.GetSession)
		r.Put("/session", sessionHandler.SetSession)
		r.Delete("/session", sessionHandler.ClearSession)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
