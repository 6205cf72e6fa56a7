// Package arbiter serializes terminal transitions of tracked tasks.
//
// Several observers may detect the same terminal status for one task: its
// poller, a second poller started by another surface, and the reconciler.
// Whoever claims the task first runs the terminal side effects; everyone else
// observes a lost claim and does nothing.
package arbiter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/phrazzld/taskwatch/internal/events"
	"github.com/phrazzld/taskwatch/internal/task"
	"k8s.io/utils/clock"
)

// Finalizer is the subset of Arbiter used by components that detect terminal
// transitions.
type Finalizer interface {
	// Finalize records the terminal outcome for a task and runs its side effects.
	// It returns false when another observer already claimed the task or the task
	// is no longer tracked.
	Finalize(ctx context.Context, id string, outcome events.Outcome) bool

	// Discard stops tracking a task without any terminal side effects.
	Discard(ctx context.Context, id string, reason events.DiscardReason) bool

	// IsFinalizing reports whether a claim on the task is currently held.
	IsFinalizing(id string) bool
}

// Arbiter guarantees that terminal side effects run exactly once per task per
// tracked lifetime.
type Arbiter struct {
	mu         sync.Mutex
	finalizing map[string]struct{}

	store   *task.Store
	emitter events.EventEmitter
	clock   clock.PassiveClock
	logger  *slog.Logger
}

// Option customizes an Arbiter.
type Option func(*Arbiter)

// WithClock sets the clock used to timestamp completion events.
func WithClock(c clock.PassiveClock) Option {
	return func(a *Arbiter) {
		a.clock = c
	}
}

// New creates an Arbiter over the given store. The emitter receives one event
// per claimed terminal transition.
func New(store *task.Store, emitter events.EventEmitter, logger *slog.Logger, opts ...Option) *Arbiter {
	a := &Arbiter{
		finalizing: make(map[string]struct{}),
		store:      store,
		emitter:    emitter,
		clock:      clock.RealClock{},
		logger:     logger.With("component", "completion_arbiter"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Finalize claims the task and, if the claim succeeds, records the terminal
// status, emits a completion event and removes the task from the store.
func (a *Arbiter) Finalize(ctx context.Context, id string, outcome events.Outcome) bool {
	if !a.claim(id) {
		a.logger.Debug("finalize skipped, task already claimed or untracked",
			"task_id", id,
			"outcome", outcome)
		return false
	}
	defer a.release(id)

	a.store.Update(id, task.Patch{Status: outcome.Status()})

	// Re-read so the event carries the terminal status and any JobID merged by
	// concurrent updates.
	t, ok := a.store.Get(id)
	if !ok {
		// Only a claim holder removes tasks, so this cannot happen while we hold one.
		a.logger.Error("claimed task vanished before finalization", "task_id", id)
		return false
	}

	event := events.NewCompletionEvent(t, outcome, a.clock.Now())
	if err := a.emitter.EmitEvent(ctx, event); err != nil {
		// Side effects are best-effort; a failed handler must not keep the task tracked.
		a.logger.Error("completion handlers reported an error",
			"task_id", id,
			"event_id", event.ID,
			"error", err)
	}

	a.store.Remove(id)

	a.logger.Info("task finalized",
		"task_id", id,
		"kind", t.Kind,
		"job_id", t.JobID,
		"outcome", outcome,
		"duration", t.Elapsed(event.FinishedAt))
	return true
}

// Discard claims the task and removes it without emitting a completion event.
// Used for timeouts, ambiguous reconciliation results and explicit user discards.
// When the emitter also delivers discard events, its discard handlers are told
// why the task went away.
func (a *Arbiter) Discard(ctx context.Context, id string, reason events.DiscardReason) bool {
	if !a.claim(id) {
		return false
	}
	defer a.release(id)

	t, ok := a.store.Get(id)
	if !ok {
		a.logger.Error("claimed task vanished before discard", "task_id", id)
		return false
	}
	a.store.Remove(id)

	if emitter, ok := a.emitter.(events.DiscardEmitter); ok {
		event := events.NewDiscardEvent(t, reason, a.clock.Now())
		if err := emitter.EmitDiscard(ctx, event); err != nil {
			a.logger.Error("discard handlers reported an error",
				"task_id", id,
				"event_id", event.ID,
				"error", err)
		}
	}

	a.logger.Info("task discarded", "task_id", id, "reason", reason)
	return true
}

// IsFinalizing reports whether a claim on the task is currently held.
func (a *Arbiter) IsFinalizing(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, busy := a.finalizing[id]
	return busy
}

// claim is the single critical section deciding which observer wins: the task
// must be tracked and not already claimed.
func (a *Arbiter) claim(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, busy := a.finalizing[id]; busy {
		return false
	}
	if !a.store.Has(id) {
		return false
	}
	a.finalizing[id] = struct{}{}
	return true
}

func (a *Arbiter) release(id string) {
	a.mu.Lock()
	delete(a.finalizing, id)
	a.mu.Unlock()
}
