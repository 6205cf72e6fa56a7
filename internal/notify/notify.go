// Package notify turns completion events into user-facing notifications.
//
// The package owns no presentation. A Notification tells the receiving surface
// what finished, how it ended, and whether to show it inline in the open
// progress surface or as a toast.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskwatch/internal/events"
	"github.com/phrazzld/taskwatch/internal/progress"
	"github.com/phrazzld/taskwatch/internal/task"
)

// Notification is the descriptor handed to notification surfaces.
type Notification struct {
	ID           uuid.UUID             `json:"id"`
	TaskID       string                `json:"task_id"`
	Kind         task.Kind             `json:"kind"`
	JobID        string                `json:"job_id,omitempty"`
	Outcome      events.Outcome        `json:"outcome"`
	Target       task.Target           `json:"target"`
	Presentation progress.Presentation `json:"presentation"`
	FinishedAt   time.Time             `json:"finished_at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Presenter decides how a task's terminal transition is presented.
type Presenter interface {
	PresentationFor(taskID string) progress.Presentation
}

// Handler adapts a Notifier to the completion event stream.
type Handler struct {
	notifier  Notifier
	presenter Presenter
	logger    *slog.Logger
}

// NewHandler creates a Handler. A nil presenter presents everything as a toast.
func NewHandler(notifier Notifier, presenter Presenter, logger *slog.Logger) *Handler {
	return &Handler{
		notifier:  notifier,
		presenter: presenter,
		logger:    logger.With("component", "notification_handler"),
	}
}

// HandleEvent implements events.EventHandler.
func (h *Handler) HandleEvent(ctx context.Context, event *events.CompletionEvent) error {
	presentation := progress.PresentationToast
	if h.presenter != nil {
		presentation = h.presenter.PresentationFor(event.TaskID)
	}

	n := Notification{
		ID:           event.ID,
		TaskID:       event.TaskID,
		Kind:         event.Kind,
		JobID:        event.JobID,
		Outcome:      event.Outcome,
		Target:       event.Target,
		Presentation: presentation,
		FinishedAt:   event.FinishedAt,
	}
	if err := h.notifier.Notify(ctx, n); err != nil {
		return err
	}

	h.logger.Debug("notification delivered",
		"task_id", n.TaskID,
		"outcome", n.Outcome,
		"presentation", n.Presentation)
	return nil
}

// HandleDiscard implements events.DiscardHandler. Only timeouts are surfaced;
// the user asked for other discards or they are silent by nature.
func (h *Handler) HandleDiscard(ctx context.Context, event *events.DiscardEvent) error {
	if event.Reason != events.DiscardTimeout {
		return nil
	}
	presentation := progress.PresentationToast
	if h.presenter != nil {
		presentation = h.presenter.PresentationFor(event.TaskID)
	}

	n := Notification{
		ID:           event.ID,
		TaskID:       event.TaskID,
		Kind:         event.Kind,
		JobID:        event.JobID,
		Outcome:      events.OutcomeTimedOut,
		Target:       event.Target,
		Presentation: presentation,
		FinishedAt:   event.DiscardedAt,
	}
	if err := h.notifier.Notify(ctx, n); err != nil {
		return err
	}

	h.logger.Debug("timeout notification delivered",
		"task_id", n.TaskID,
		"presentation", n.Presentation)
	return nil
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "log_notifier")}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.Info("task finished",
		"task_id", n.TaskID,
		"kind", n.Kind,
		"outcome", n.Outcome,
		"presentation", n.Presentation)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Broadcaster fans notifications out to in-process subscribers such as
// connected UI streams. Slow subscribers drop notifications rather than block
// the completion path.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Notification
	nextID uint64
	logger *slog.Logger
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[uint64]chan Notification),
		logger: logger.With("component", "notification_broadcaster"),
	}
}

// Subscribe returns a channel receiving notifications and a function that
// unsubscribes and closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Notification, func()) {
	ch := make(chan Notification, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Notify implements Notifier.
func (b *Broadcaster) Notify(ctx context.Context, n Notification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- n:
		default:
			b.logger.Warn("subscriber buffer full, dropping notification",
				"subscriber", id,
				"task_id", n.TaskID)
		}
	}
	return nil
}
