package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskwatch/internal/task"
)

// Outcome is the result of a terminal transition.
type Outcome string

// Terminal outcomes
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"

	// OutcomeTimedOut is shown for tasks dropped after the poll timeout. It is
	// never carried by a CompletionEvent: the job's real outcome is unknown.
	OutcomeTimedOut Outcome = "timed_out"
)

// OutcomeFor maps a terminal status onto an outcome. The second result is false
// for non-terminal statuses.
func OutcomeFor(status task.Status) (Outcome, bool) {
	switch status {
	case task.StatusCompleted:
		return OutcomeSucceeded, true
	case task.StatusFailed:
		return OutcomeFailed, true
	default:
		return "", false
	}
}

// Status returns the terminal task status matching the outcome.
func (o Outcome) Status() task.Status {
	if o == OutcomeSucceeded {
		return task.StatusCompleted
	}
	return task.StatusFailed
}

// CompletionEvent describes one claimed terminal transition.
type CompletionEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// TaskID is the derived ID of the task that finished
	TaskID string `json:"task_id"`

	// Kind is the job kind of the task
	Kind task.Kind `json:"kind"`

	// JobID is the server-side job reference
	JobID string `json:"job_id,omitempty"`

	// Outcome tells success from failure
	Outcome Outcome `json:"outcome"`

	// Target is the logical target downstream caches are keyed by
	Target task.Target `json:"target"`

	// StartedAt is when tracking of the task began
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the terminal transition was claimed
	FinishedAt time.Time `json:"finished_at"`
}

// NewCompletionEvent creates a CompletionEvent for the given task and outcome.
func NewCompletionEvent(t task.Task, outcome Outcome, finishedAt time.Time) *CompletionEvent {
	return &CompletionEvent{
		ID:         uuid.New(),
		TaskID:     t.ID,
		Kind:       t.Kind,
		JobID:      t.JobID,
		Outcome:    outcome,
		Target:     t.Target(),
		StartedAt:  t.StartedAt,
		FinishedAt: finishedAt,
	}
}

// Succeeded reports whether the event describes a successful completion.
func (e *CompletionEvent) Succeeded() bool {
	return e.Outcome == OutcomeSucceeded
}

// EventHandler defines an interface for components that react to terminal transitions.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *CompletionEvent) error
}

// HandlerFunc adapts a function to the EventHandler interface.
type HandlerFunc func(ctx context.Context, event *CompletionEvent) error

// HandleEvent calls f(ctx, event).
func (f HandlerFunc) HandleEvent(ctx context.Context, event *CompletionEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *CompletionEvent) error
}

// DiscardReason tells why a task stopped being tracked without a terminal outcome.
type DiscardReason string

// Discard reasons
const (
	DiscardTimeout   DiscardReason = "timeout"
	DiscardAmbiguous DiscardReason = "ambiguous"
	DiscardUser      DiscardReason = "user"
)

// DiscardEvent describes a task removed without completion side effects.
type DiscardEvent struct {
	ID          uuid.UUID     `json:"id"`
	TaskID      string        `json:"task_id"`
	Kind        task.Kind     `json:"kind"`
	JobID       string        `json:"job_id,omitempty"`
	Reason      DiscardReason `json:"reason"`
	Target      task.Target   `json:"target"`
	StartedAt   time.Time     `json:"started_at"`
	DiscardedAt time.Time     `json:"discarded_at"`
}

// NewDiscardEvent creates a DiscardEvent for the given task.
func NewDiscardEvent(t task.Task, reason DiscardReason, discardedAt time.Time) *DiscardEvent {
	return &DiscardEvent{
		ID:          uuid.New(),
		TaskID:      t.ID,
		Kind:        t.Kind,
		JobID:       t.JobID,
		Reason:      reason,
		Target:      t.Target(),
		StartedAt:   t.StartedAt,
		DiscardedAt: discardedAt,
	}
}

// DiscardHandler reacts to tasks dropped without a terminal outcome. Discard
// handlers must not run completion side effects.
type DiscardHandler interface {
	HandleDiscard(ctx context.Context, event *DiscardEvent) error
}

// DiscardEmitter is implemented by emitters that also deliver discard events.
type DiscardEmitter interface {
	EmitDiscard(ctx context.Context, event *DiscardEvent) error
}
