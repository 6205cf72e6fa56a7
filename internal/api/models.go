package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/taskwatch/internal/notify"
	"github.com/phrazzld/taskwatch/internal/progress"
	"github.com/phrazzld/taskwatch/internal/task"
)

// StartTaskRequest is the payload of POST /api/tasks.
type StartTaskRequest struct {
	Kind     task.Kind       `json:"kind"     validate:"required,oneof=spec-generation repo-analysis"`
	Metadata json.RawMessage `json:"metadata" validate:"required"`
}

// TaskListResponse is the body of GET /api/tasks.
type TaskListResponse struct {
	Tasks []task.Task `json:"tasks"`
}

// ResultResponse carries a task's result document.
type ResultResponse struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result"`
}

// OpenProgressRequest is the payload of POST /api/progress/open.
type OpenProgressRequest struct {
	TaskID string `json:"task_id" validate:"required"`
}

// SetSessionRequest is the payload of PUT /api/session.
type SetSessionRequest struct {
	Token string `json:"token" validate:"required"`
}

// SessionResponse describes the daemon's session.
type SessionResponse struct {
	Authenticated bool       `json:"authenticated"`
	Subject       string     `json:"subject,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Stream message types
const (
	MessageSnapshot     = "snapshot"
	MessageProgress     = "progress"
	MessageNotification = "notification"
)

// StreamMessage is one frame of the task stream. Exactly one payload field is
// set, matching Type.
type StreamMessage struct {
	Type         string               `json:"type"`
	Snapshot     *task.Snapshot       `json:"snapshot,omitempty"`
	Progress     *progress.View       `json:"progress,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
}
