package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/phrazzld/taskwatch/internal/api/shared"
	"github.com/phrazzld/taskwatch/internal/platform/logger"
	"github.com/phrazzld/taskwatch/internal/reconcile"
	"github.com/phrazzld/taskwatch/internal/task"
)

// TaskService is the part of the tracker the task endpoints use.
type TaskService interface {
	Start(ctx context.Context, meta task.Metadata) (task.Task, error)
	Discard(ctx context.Context, id string) bool
	Get(id string) (task.Task, bool)
	Tasks(predicates ...task.Predicate) []task.Task
	Reconcile(ctx context.Context) (reconcile.Report, error)
	Result(ctx context.Context, id string) (json.RawMessage, error)
}

// TaskHandler serves the tracked task endpoints.
type TaskHandler struct {
	tasks  TaskService
	logger *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(tasks TaskService, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}
	return &TaskHandler{
		tasks:  tasks,
		logger: logger.With(slog.String("component", "task_handler")),
	}
}

// ListTasks handles GET /api/tasks. The optional kind query parameter filters
// by kind and active=true keeps only queued or processing tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	var predicates []task.Predicate

	if kind := task.Kind(r.URL.Query().Get("kind")); kind != "" {
		if !kind.Valid() {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Unknown task kind")
			return
		}
		predicates = append(predicates, task.OfKind(kind))
	}
	if r.URL.Query().Get("active") == "true" {
		predicates = append(predicates, task.Active())
	}

	tasks := h.tasks.Tasks(predicates...)
	if tasks == nil {
		tasks = []task.Task{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, TaskListResponse{Tasks: tasks})
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathTaskID(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return
	}

	t, ok := h.tasks.Get(id)
	if !ok {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, t)
}

// StartTask handles POST /api/tasks.
func (h *TaskHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req StartTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	meta, err := task.DecodeMetadata(req.Kind, req.Metadata)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid task metadata", err)
		return
	}

	t, err := h.tasks.Start(r.Context(), meta)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Info("task start requested", slog.String("task_id", t.ID), slog.String("job_id", t.JobID))
	shared.RespondWithJSON(w, r, http.StatusAccepted, t)
}

// DiscardTask handles DELETE /api/tasks/{id}.
func (h *TaskHandler) DiscardTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathTaskID(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return
	}

	if !h.tasks.Discard(r.Context(), id) {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reconcile handles POST /api/reconcile.
func (h *TaskHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.tasks.Reconcile(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, report)
}

// GetResult handles GET /api/results/{id}.
func (h *TaskHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	id, err := getPathTaskID(r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return
	}

	doc, err := h.tasks.Result(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ResultResponse{TaskID: id, Result: doc})
}
