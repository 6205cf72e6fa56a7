package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Status represents the client-side lifecycle state of a task
type Status string

// Possible task status values
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// rank orders statuses so updates can only move forward.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return 0
	}
}

// IsTerminal returns true for completed and failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive returns true for queued and processing.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusProcessing
}

// RemoteStatus is the job state reported by the status-check endpoint.
type RemoteStatus string

// Values returned by the status-check endpoint
const (
	RemotePending   RemoteStatus = "pending"
	RemoteRunning   RemoteStatus = "running"
	RemoteCompleted RemoteStatus = "completed"
	RemoteFailed    RemoteStatus = "failed"
	RemoteNotFound  RemoteStatus = "not_found"
)

// Local maps a remote status onto the local status set. A job that is not yet
// visible server-side is indistinguishable from a queued one.
func (s RemoteStatus) Local() Status {
	switch s {
	case RemoteRunning:
		return StatusProcessing
	case RemoteCompleted:
		return StatusCompleted
	case RemoteFailed:
		return StatusFailed
	default:
		return StatusQueued
	}
}

// Task is the tracking record for one server-side asynchronous job.
type Task struct {
	// ID is derived from Kind and the metadata key; see ID().
	ID string

	// Kind identifies the job type.
	Kind Kind

	// JobID is the server-side job reference returned by the initiation call.
	// For tasks adopted from the active list it is taken from the listing.
	JobID string

	// Status is the last known status.
	Status Status

	// Metadata is the kind-specific payload. Its concrete type always matches Kind.
	Metadata Metadata

	// StartedAt is set once when tracking begins.
	StartedAt time.Time
}

// New builds a queued task for the given metadata and server job reference.
func New(meta Metadata, jobID string, startedAt time.Time) Task {
	return Task{
		ID:        ID(meta),
		Kind:      meta.Kind(),
		JobID:     jobID,
		Status:    StatusQueued,
		Metadata:  meta,
		StartedAt: startedAt,
	}
}

// Target returns the logical target of the task, used for cache invalidation.
func (t Task) Target() Target {
	if t.Metadata == nil {
		return Target{}
	}
	return t.Metadata.Target()
}

// Discriminator returns the parameter that scopes status checks for
// parameterized job kinds (e.g. the language of a spec generation).
func (t Task) Discriminator() string {
	if d, ok := t.Metadata.(interface{ Discriminator() string }); ok {
		return d.Discriminator()
	}
	return ""
}

// Elapsed returns the time since the task started relative to now.
func (t Task) Elapsed(now time.Time) time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(t.StartedAt)
}

// ErrInvalidTask is returned when a task or its metadata fails validation.
var ErrInvalidTask = errors.New("invalid task")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the task is well formed and that its metadata matches its kind.
func (t Task) Validate() error {
	if t.Metadata == nil {
		return fmt.Errorf("%w: missing metadata", ErrInvalidTask)
	}
	if t.Metadata.Kind() != t.Kind {
		return fmt.Errorf("%w: metadata kind %q does not match task kind %q",
			ErrInvalidTask, t.Metadata.Kind(), t.Kind)
	}
	if err := ValidateMetadata(t.Metadata); err != nil {
		return err
	}
	if t.ID != ID(t.Metadata) {
		return fmt.Errorf("%w: id %q does not match derived id %q", ErrInvalidTask, t.ID, ID(t.Metadata))
	}
	return nil
}

// ValidateMetadata runs the struct validation rules of a metadata variant.
func ValidateMetadata(meta Metadata) error {
	if meta == nil {
		return fmt.Errorf("%w: missing metadata", ErrInvalidTask)
	}
	if err := validate.Struct(meta); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return nil
}

// taskJSON is the wire representation used for persistence and the local API.
type taskJSON struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	JobID     string          `json:"job_id,omitempty"`
	Status    Status          `json:"status"`
	Metadata  json.RawMessage `json:"metadata"`
	StartedAt time.Time       `json:"started_at"`
}

// MarshalJSON encodes the task together with its kind discriminator.
func (t Task) MarshalJSON() ([]byte, error) {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taskJSON{
		ID:        t.ID,
		Kind:      t.Kind,
		JobID:     t.JobID,
		Status:    t.Status,
		Metadata:  meta,
		StartedAt: t.StartedAt,
	})
}

// UnmarshalJSON decodes the metadata into the variant named by the kind.
func (t *Task) UnmarshalJSON(data []byte) error {
	var raw taskJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	meta, err := DecodeMetadata(raw.Kind, raw.Metadata)
	if err != nil {
		return err
	}
	*t = Task{
		ID:        raw.ID,
		Kind:      raw.Kind,
		JobID:     raw.JobID,
		Status:    raw.Status,
		Metadata:  meta,
		StartedAt: raw.StartedAt,
	}
	return nil
}
