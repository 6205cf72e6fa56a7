package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/taskwatch/internal/api/shared"
	"github.com/phrazzld/taskwatch/internal/progress"
)

// ProgressView is the progress view state machine as the API drives it.
type ProgressView interface {
	View() progress.View
	Open(taskID string) error
	Background() error
	Foreground() error
	Close() error
}

// ProgressHandler serves the progress view endpoints.
type ProgressHandler struct {
	view   ProgressView
	logger *slog.Logger
}

// NewProgressHandler creates a ProgressHandler.
func NewProgressHandler(view ProgressView, logger *slog.Logger) *ProgressHandler {
	return &ProgressHandler{
		view:   view,
		logger: logger.With(slog.String("component", "progress_handler")),
	}
}

// GetView handles GET /api/progress.
func (h *ProgressHandler) GetView(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.view.View())
}

// Open handles POST /api/progress/open.
func (h *ProgressHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req OpenProgressRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}
	h.apply(w, r, func() error { return h.view.Open(req.TaskID) })
}

// Transition handles POST /api/progress/{action} for background, foreground
// and close.
func (h *ProgressHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var fn func() error
	switch chi.URLParam(r, "action") {
	case "background":
		fn = h.view.Background
	case "foreground":
		fn = h.view.Foreground
	case "close":
		fn = h.view.Close
	default:
		shared.RespondWithError(w, r, http.StatusNotFound, "Unknown progress action")
		return
	}
	h.apply(w, r, fn)
}

func (h *ProgressHandler) apply(w http.ResponseWriter, r *http.Request, fn func() error) {
	if err := fn(); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, h.view.View())
}
