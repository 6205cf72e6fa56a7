// Package progress tracks the presentation state of the progress surface.
//
// The machine is a pure view concern: it never starts, stops or removes tasks
// or pollers. It only decides whether a task's progress is in the foreground,
// backgrounded while the user keeps browsing, or not shown at all, and therefore
// whether a terminal transition is presented inline or as a toast.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/taskwatch/internal/events"
)

// ErrInvalidTransition is returned when an action is not allowed in the current phase.
var ErrInvalidTransition = errors.New("invalid progress view transition")

// Phase is the state of the progress surface.
type Phase string

// Progress surface phases
const (
	PhaseClosed       Phase = "closed"
	PhaseOpen         Phase = "open"
	PhaseBackgrounded Phase = "backgrounded"
)

// Presentation tells the notification layer how to surface a terminal transition.
type Presentation string

// Presentation modes
const (
	// PresentationInline shows the outcome in the open progress surface.
	PresentationInline Presentation = "inline"
	// PresentationToast shows a transient notification.
	PresentationToast Presentation = "toast"
)

// View is a snapshot of the machine.
type View struct {
	Phase   Phase          `json:"phase"`
	TaskID  string         `json:"task_id,omitempty"`
	Outcome events.Outcome `json:"outcome,omitempty"`
}

// Machine is the progress view state machine. It is safe for concurrent use.
type Machine struct {
	mu           sync.Mutex
	view         View
	listeners    map[uint64]func(View)
	nextListener uint64
	logger       *slog.Logger
}

// NewMachine creates a Machine in the closed phase.
func NewMachine(logger *slog.Logger) *Machine {
	return &Machine{
		view:      View{Phase: PhaseClosed},
		listeners: make(map[uint64]func(View)),
		logger:    logger.With("component", "progress_view"),
	}
}

// Open shows the progress surface for a task. Opening replaces whatever the
// surface showed before, including a backgrounded task.
func (m *Machine) Open(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("%w: open requires a task id", ErrInvalidTransition)
	}
	return m.transition("open", func(v View) (View, bool) {
		return View{Phase: PhaseOpen, TaskID: taskID}, true
	})
}

// Background dismisses the surface while the task keeps running.
func (m *Machine) Background() error {
	return m.transition("background", func(v View) (View, bool) {
		if v.Phase != PhaseOpen || v.Outcome != "" {
			return v, false
		}
		v.Phase = PhaseBackgrounded
		return v, true
	})
}

// Foreground brings a backgrounded surface back.
func (m *Machine) Foreground() error {
	return m.transition("foreground", func(v View) (View, bool) {
		if v.Phase != PhaseBackgrounded {
			return v, false
		}
		v.Phase = PhaseOpen
		return v, true
	})
}

// Close removes the surface.
func (m *Machine) Close() error {
	return m.transition("close", func(v View) (View, bool) {
		if v.Phase == PhaseClosed {
			return v, false
		}
		return View{Phase: PhaseClosed}, true
	})
}

// HandleEvent applies a terminal transition of the shown task. An open surface
// stays open with the outcome recorded; a backgrounded one closes without
// coming back to the foreground.
func (m *Machine) HandleEvent(ctx context.Context, event *events.CompletionEvent) error {
	err := m.transition("complete", func(v View) (View, bool) {
		if v.TaskID != event.TaskID {
			return v, false
		}
		switch v.Phase {
		case PhaseOpen:
			v.Outcome = event.Outcome
			return v, true
		case PhaseBackgrounded:
			return View{Phase: PhaseClosed}, true
		default:
			return v, false
		}
	})
	if errors.Is(err, ErrInvalidTransition) {
		// Events for other tasks are not ours to handle
		return nil
	}
	return err
}

// HandleDiscard implements events.DiscardHandler for the shown task. An open
// surface reports a timeout in place; any other discard closes the surface.
func (m *Machine) HandleDiscard(ctx context.Context, event *events.DiscardEvent) error {
	err := m.transition("discard", func(v View) (View, bool) {
		if v.Phase == PhaseClosed || v.TaskID != event.TaskID {
			return v, false
		}
		if event.Reason == events.DiscardTimeout && v.Phase == PhaseOpen && v.Outcome == "" {
			v.Outcome = events.OutcomeTimedOut
			return v, true
		}
		return View{Phase: PhaseClosed}, true
	})
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	return err
}

// PresentationFor reports how a terminal transition of the task should be shown.
func (m *Machine) PresentationFor(taskID string) Presentation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.view.Phase == PhaseOpen && m.view.TaskID == taskID {
		return PresentationInline
	}
	return PresentationToast
}

// View returns the current snapshot.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

// Subscribe registers a listener called after every transition. The returned
// function unsubscribes it.
func (m *Machine) Subscribe(listener func(View)) func() {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = listener
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

func (m *Machine) transition(action string, apply func(View) (View, bool)) error {
	m.mu.Lock()
	from := m.view
	to, ok := apply(from)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, from.Phase)
	}
	m.view = to
	listeners := make([]func(View), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	m.logger.Debug("progress view transition",
		"action", action,
		"from", from.Phase,
		"to", to.Phase,
		"task_id", to.TaskID)

	for _, l := range listeners {
		l(to)
	}
	return nil
}
