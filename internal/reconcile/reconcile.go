// Package reconcile diffs the server's list of active jobs against the locally
// tracked tasks.
//
// It is the backstop for tasks nobody is polling: jobs started from another
// session are adopted, and tracked tasks that disappeared from the server's
// list get a single final-status read routed through the completion arbiter.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/phrazzld/taskwatch/internal/arbiter"
	"github.com/phrazzld/taskwatch/internal/events"
	"github.com/phrazzld/taskwatch/internal/poller"
	"github.com/phrazzld/taskwatch/internal/task"
	"k8s.io/utils/clock"
)

// ActiveJob is one entry of the server's active-job listing.
type ActiveJob struct {
	JobID     string            `json:"job_id"`
	Kind      task.Kind         `json:"kind"`
	Status    task.RemoteStatus `json:"status,omitempty"`
	Metadata  json.RawMessage   `json:"metadata"`
	StartedAt time.Time         `json:"started_at,omitempty"`
}

// Task builds the minimal tracking record for the listed job. A zero StartedAt
// is replaced by now.
func (j ActiveJob) Task(now time.Time) (task.Task, error) {
	meta, err := task.DecodeMetadata(j.Kind, j.Metadata)
	if err != nil {
		return task.Task{}, err
	}
	startedAt := j.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	t := task.New(meta, j.JobID, startedAt)
	if j.Status != "" {
		if local := j.Status.Local(); local.IsActive() {
			t.Status = local
		}
	}
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// ActiveLister fetches the active jobs of the current user.
type ActiveLister interface {
	ListActive(ctx context.Context) ([]ActiveJob, error)
}

// ListerFunc adapts a function to the ActiveLister interface.
type ListerFunc func(ctx context.Context) ([]ActiveJob, error)

// ListActive calls f(ctx).
func (f ListerFunc) ListActive(ctx context.Context) ([]ActiveJob, error) {
	return f(ctx)
}

// Session reports whether the current user is signed in.
type Session interface {
	Authenticated() bool
}

// Config holds reconciler settings.
type Config struct {
	// Interval between reconciliation cycles.
	Interval time.Duration `mapstructure:"interval" validate:"required,gt=0"`

	// MinAge shields freshly registered tasks from disappearance checks while the
	// server listing may not include them yet.
	MinAge time.Duration `mapstructure:"min_age" validate:"gte=0"`

	// MaxRetries bounds retries of the active-list fetch within one cycle.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`

	// RetryDelay is the pause between those retries.
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		MinAge:     15 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Second,
	}
}

// Deps are the collaborators of a Reconciler.
type Deps struct {
	Lister    ActiveLister
	Checker   poller.StatusChecker
	Store     *task.Store
	Finalizer arbiter.Finalizer
	Session   Session // nil means always authenticated
}

// Report summarizes one reconciliation cycle.
type Report struct {
	Skipped   bool     `json:"skipped"`
	Adopted   []string `json:"adopted"`
	Checked   []string `json:"checked"`
	Finalized []string `json:"finalized"`
	Discarded []string `json:"discarded"`
	Kept      []string `json:"kept"`
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithClock sets the clock used for the cycle interval and task ages.
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) {
		r.clock = c
	}
}

// OnAdopt registers a hook invoked for every adopted task, typically to start a poller.
func OnAdopt(fn func(task.Task)) Option {
	return func(r *Reconciler) {
		r.onAdopt = fn
	}
}

// Reconciler keeps local tracking consistent with the server's view of active jobs.
type Reconciler struct {
	deps    Deps
	config  Config
	clock   clock.Clock
	onAdopt func(task.Task)
	logger  *slog.Logger

	// cycle serializes reconciliation cycles
	cycle sync.Mutex
}

// New creates a Reconciler.
func New(deps Deps, config Config, logger *slog.Logger, opts ...Option) (*Reconciler, error) {
	switch {
	case deps.Lister == nil:
		return nil, errors.New("active lister is required")
	case deps.Checker == nil:
		return nil, errors.New("status checker is required")
	case deps.Store == nil:
		return nil, errors.New("task store is required")
	case deps.Finalizer == nil:
		return nil, errors.New("finalizer is required")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}

	r := &Reconciler{
		deps:   deps,
		config: config,
		clock:  clock.RealClock{},
		logger: logger.With("component", "active_task_reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run reconciles immediately and then on every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", "interval", r.config.Interval)

	for {
		if _, err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("reconciliation cycle failed", "error", err)
		}

		timer := r.clock.NewTimer(r.config.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("reconciler stopped")
			return nil
		case <-timer.C():
		}
	}
}

// Reconcile runs a single cycle. Errors fetching the active list abort the cycle
// without touching local state.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	r.cycle.Lock()
	defer r.cycle.Unlock()

	var report Report
	if r.deps.Session != nil && !r.deps.Session.Authenticated() {
		report.Skipped = true
		return report, nil
	}

	jobs, err := r.listActive(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list active jobs: %w", err)
	}

	now := r.clock.Now()
	active := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		t, err := job.Task(now)
		if err != nil {
			r.logger.Warn("ignoring malformed active job",
				"job_id", job.JobID,
				"kind", job.Kind,
				"error", err)
			continue
		}
		active[t.ID] = struct{}{}

		if r.deps.Store.Has(t.ID) {
			continue
		}
		if !r.deps.Store.Adopt(t) {
			// Recently finalized; the listing is stale
			continue
		}
		report.Adopted = append(report.Adopted, t.ID)
		r.logger.Info("adopted task from active list", "task_id", t.ID, "job_id", t.JobID)
		if r.onAdopt != nil {
			r.onAdopt(t)
		}
	}

	for _, t := range r.deps.Store.List() {
		if _, ok := active[t.ID]; ok {
			continue
		}
		if r.deps.Finalizer.IsFinalizing(t.ID) {
			continue
		}
		if r.clock.Since(t.StartedAt) < r.config.MinAge {
			continue
		}

		report.Checked = append(report.Checked, t.ID)
		r.resolveDisappeared(ctx, t, &report)
	}

	r.logger.Debug("reconciliation cycle complete",
		"active_count", len(active),
		"adopted", len(report.Adopted),
		"checked", len(report.Checked),
		"finalized", len(report.Finalized),
		"discarded", len(report.Discarded))
	return report, nil
}

// resolveDisappeared performs the single final-status read for a task missing
// from the server's active list.
func (r *Reconciler) resolveDisappeared(ctx context.Context, t task.Task, report *Report) {
	logger := r.logger.With("task_id", t.ID, "job_id", t.JobID)

	status, err := r.deps.Checker.CheckStatus(ctx, poller.RefFor(t))
	if err != nil {
		logger.Info("final status unavailable, discarding task", "error", err)
		if r.deps.Finalizer.Discard(ctx, t.ID, events.DiscardAmbiguous) {
			report.Discarded = append(report.Discarded, t.ID)
		}
		return
	}

	switch status {
	case task.RemoteCompleted:
		if r.deps.Finalizer.Finalize(ctx, t.ID, events.OutcomeSucceeded) {
			report.Finalized = append(report.Finalized, t.ID)
		}
	case task.RemoteFailed:
		if r.deps.Finalizer.Finalize(ctx, t.ID, events.OutcomeFailed) {
			report.Finalized = append(report.Finalized, t.ID)
		}
	case task.RemoteNotFound:
		if r.deps.Finalizer.Discard(ctx, t.ID, events.DiscardAmbiguous) {
			report.Discarded = append(report.Discarded, t.ID)
		}
	default:
		// Still active server-side; the listing lagged behind
		report.Kept = append(report.Kept, t.ID)
	}
}

func (r *Reconciler) listActive(ctx context.Context) ([]ActiveJob, error) {
	var jobs []ActiveJob
	operation := func() error {
		var err error
		jobs, err = r.deps.Lister.ListActive(ctx)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.config.RetryDelay), uint64(r.config.MaxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return jobs, nil
}
