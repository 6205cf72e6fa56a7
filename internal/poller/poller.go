package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/phrazzld/taskwatch/internal/arbiter"
	"github.com/phrazzld/taskwatch/internal/events"
	"github.com/phrazzld/taskwatch/internal/task"
	"k8s.io/utils/clock"
)

// JobRef identifies a job at the status-check endpoint.
type JobRef struct {
	TaskID        string
	JobID         string
	Discriminator string
}

// RefFor builds the JobRef for a tracked task.
func RefFor(t task.Task) JobRef {
	return JobRef{
		TaskID:        t.ID,
		JobID:         t.JobID,
		Discriminator: t.Discriminator(),
	}
}

// StatusChecker reads the current server-side status of a job.
type StatusChecker interface {
	CheckStatus(ctx context.Context, ref JobRef) (task.RemoteStatus, error)
}

// CheckerFunc adapts a function to the StatusChecker interface.
type CheckerFunc func(ctx context.Context, ref JobRef) (task.RemoteStatus, error)

// CheckStatus calls f(ctx, ref).
func (f CheckerFunc) CheckStatus(ctx context.Context, ref JobRef) (task.RemoteStatus, error) {
	return f(ctx, ref)
}

// ResultInvalidator drops locally cached result documents.
type ResultInvalidator interface {
	InvalidateResult(taskID string)
}

// Phase is the lifecycle phase of a Poller.
type Phase string

// Poller phases
const (
	PhaseIdle      Phase = "idle"
	PhasePolling   Phase = "polling"
	PhasePaused    Phase = "paused"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseTimedOut  Phase = "timed_out"
	PhaseStopped   Phase = "stopped"
)

// IsFinal reports whether the poller has stopped for good in this phase.
func (p Phase) IsFinal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseTimedOut, PhaseStopped:
		return true
	default:
		return false
	}
}

// Config holds poller timing settings.
type Config struct {
	// Interval is the delay between status checks.
	Interval time.Duration `mapstructure:"interval" validate:"required,gt=0"`

	// Timeout is the hard ceiling measured from the task's start time.
	Timeout time.Duration `mapstructure:"timeout" validate:"required,gt=0"`

	// MaxRetries bounds immediate retries of a failing status check within one tick.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`

	// RetryDelay is the pause between those retries.
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		Interval:   time.Second,
		Timeout:    5 * time.Minute,
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Deps are the collaborators a Poller reports to.
type Deps struct {
	Checker     StatusChecker
	Store       *task.Store
	Finalizer   arbiter.Finalizer
	Invalidator ResultInvalidator // optional
}

func (d Deps) validate() error {
	switch {
	case d.Checker == nil:
		return errors.New("status checker is required")
	case d.Store == nil:
		return errors.New("task store is required")
	case d.Finalizer == nil:
		return errors.New("finalizer is required")
	}
	return nil
}

// State is an observable copy of a poller's progress.
type State struct {
	TaskID     string            `json:"task_id"`
	Phase      Phase             `json:"phase"`
	LastStatus task.RemoteStatus `json:"last_status,omitempty"`
	Ticks      int               `json:"ticks"`
	Err        error             `json:"-"`
}

// Option customizes a Poller.
type Option func(*Poller)

// WithClock sets the clock driving intervals and the timeout ceiling.
func WithClock(c clock.Clock) Option {
	return func(p *Poller) {
		p.clock = c
	}
}

// WithSince sets the time base for the timeout ceiling. Restored tasks pass their
// persisted start time so the ceiling spans process restarts.
func WithSince(t time.Time) Option {
	return func(p *Poller) {
		p.since = t
	}
}

// Disabled creates the poller paused; it waits for SetEnabled(true).
func Disabled() Option {
	return func(p *Poller) {
		p.enabled = false
	}
}

// Poller checks the status of a single job on a fixed interval.
type Poller struct {
	ref    JobRef
	deps   Deps
	config Config
	clock  clock.Clock
	since  time.Time
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	enabled bool
	started bool
	cancel  context.CancelFunc

	wake chan struct{}
	done chan struct{}
}

// New creates a Poller for the given job. It does nothing until Start or Run.
func New(ref JobRef, deps Deps, config Config, logger *slog.Logger, opts ...Option) (*Poller, error) {
	if ref.TaskID == "" {
		return nil, errors.New("task id is required")
	}
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid poller dependencies: %w", err)
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	p := &Poller{
		ref:     ref,
		deps:    deps,
		config:  config,
		clock:   clock.RealClock{},
		enabled: true,
		state:   State{TaskID: ref.TaskID, Phase: PhaseIdle},
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger: logger.With(
			"component", "status_poller",
			"task_id", ref.TaskID,
			"job_id", ref.JobID),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.since.IsZero() {
		p.since = p.clock.Now()
	}
	return p, nil
}

// Start runs the poller on its own goroutine. Calling Start more than once, or
// after Stop, has no effect.
func (p *Poller) Start(ctx context.Context) {
	if runCtx, ok := p.begin(ctx); ok {
		go p.run(runCtx)
	}
}

// Run polls on the calling goroutine until the poller finishes and returns the
// final state.
func (p *Poller) Run(ctx context.Context) State {
	if runCtx, ok := p.begin(ctx); ok {
		p.run(runCtx)
	} else {
		<-p.done
	}
	return p.State()
}

// Stop cancels polling and waits for the poller goroutine to exit. The task
// stays tracked.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		// Never started: finish immediately
		p.started = true
		p.state.Phase = PhaseStopped
		close(p.done)
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	<-p.done
}

func (p *Poller) begin(ctx context.Context) (context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil, false
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	return runCtx, true
}

// SetEnabled pauses or resumes polling. A paused poller performs no status checks.
func (p *Poller) SetEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()

	if enabled {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// State returns a copy of the current poller state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed when the poller has finished.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// TaskID returns the ID of the polled task.
func (p *Poller) TaskID() string {
	return p.ref.TaskID
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer p.cancel()

	p.logger.Debug("poller started",
		"interval", p.config.Interval,
		"timeout", p.config.Timeout,
		"since", p.since)

	for {
		if phase, stop := p.checkStop(ctx); stop {
			p.finish(ctx, phase)
			return
		}

		if !p.isEnabled() {
			p.setPhase(PhasePaused)
			select {
			case <-ctx.Done():
			case <-p.wake:
			}
			continue
		}

		p.setPhase(PhasePolling)
		if phase, final := p.tick(ctx); final {
			p.finish(ctx, phase)
			return
		}

		timer := p.clock.NewTimer(p.config.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C():
		}
	}
}

// checkStop evaluates the stop conditions that apply before a scheduled tick.
func (p *Poller) checkStop(ctx context.Context) (Phase, bool) {
	if ctx.Err() != nil {
		return PhaseStopped, true
	}
	if !p.deps.Store.Has(p.ref.TaskID) {
		// Finalized or discarded by another observer
		return PhaseStopped, true
	}
	if p.clock.Since(p.since) >= p.config.Timeout {
		return PhaseTimedOut, true
	}
	return "", false
}

// tick performs one status check, retrying transient errors, and applies the
// result. It reports the final phase when the status is terminal.
func (p *Poller) tick(ctx context.Context) (Phase, bool) {
	var status task.RemoteStatus
	operation := func() error {
		s, err := p.deps.Checker.CheckStatus(ctx, p.ref)
		if err != nil {
			return err
		}
		status = s
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.config.RetryDelay), uint64(p.config.MaxRetries)),
		ctx,
	)
	err := backoff.Retry(operation, policy)

	p.mu.Lock()
	p.state.Ticks++
	if err != nil {
		p.state.Err = err
	} else {
		p.state.Err = nil
		p.state.LastStatus = status
	}
	p.mu.Unlock()

	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("status check failed, will retry next interval",
				"attempts", p.config.MaxRetries+1,
				"error", err)
		}
		return "", false
	}

	switch status {
	case task.RemoteCompleted:
		if p.deps.Invalidator != nil {
			p.deps.Invalidator.InvalidateResult(p.ref.TaskID)
		}
		p.deps.Finalizer.Finalize(ctx, p.ref.TaskID, events.OutcomeSucceeded)
		return PhaseCompleted, true
	case task.RemoteFailed:
		p.deps.Finalizer.Finalize(ctx, p.ref.TaskID, events.OutcomeFailed)
		return PhaseFailed, true
	case task.RemoteRunning:
		p.deps.Store.Update(p.ref.TaskID, task.Patch{Status: task.StatusProcessing})
	case task.RemotePending, task.RemoteNotFound:
		// Not visible or not started yet; keep waiting
	default:
		p.logger.Warn("unknown remote status, treating as pending", "status", status)
	}
	return "", false
}

func (p *Poller) finish(ctx context.Context, phase Phase) {
	if phase == PhaseTimedOut {
		// The outcome is unknown; only the timeout itself is reported
		p.deps.Finalizer.Discard(ctx, p.ref.TaskID, events.DiscardTimeout)
	}
	p.setPhase(phase)

	state := p.State()
	p.logger.Debug("poller finished",
		"phase", phase,
		"ticks", state.Ticks,
		"last_status", state.LastStatus)
}

func (p *Poller) isEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *Poller) setPhase(phase Phase) {
	p.mu.Lock()
	p.state.Phase = phase
	p.mu.Unlock()
}
