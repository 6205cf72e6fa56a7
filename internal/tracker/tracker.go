// Package tracker wires the task store, pollers, completion arbiter,
// reconciler and completion side effects into one subsystem, and exposes the
// operations the daemon API calls.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/taskwatch/internal/arbiter"
	"github.com/phrazzld/taskwatch/internal/cachebridge"
	"github.com/phrazzld/taskwatch/internal/events"
	"github.com/phrazzld/taskwatch/internal/notify"
	"github.com/phrazzld/taskwatch/internal/poller"
	"github.com/phrazzld/taskwatch/internal/progress"
	"github.com/phrazzld/taskwatch/internal/reconcile"
	"github.com/phrazzld/taskwatch/internal/remote"
	"github.com/phrazzld/taskwatch/internal/task"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

// ErrUnauthenticated is returned by Start when there is no valid session.
var ErrUnauthenticated = errors.New("not signed in")

// Initiator starts jobs on the job server.
type Initiator interface {
	Initiate(ctx context.Context, meta task.Metadata) (remote.Ack, error)
}

// Deps are the external collaborators of a Tracker. Persister, Session,
// Invalidator and Notifier are optional.
type Deps struct {
	Initiator   Initiator
	Checker     poller.StatusChecker
	Lister      reconcile.ActiveLister
	Fetcher     cachebridge.ResultFetcher
	Session     reconcile.Session
	Persister   task.Persister
	Invalidator cachebridge.Invalidator
	Notifier    notify.Notifier
}

// Config holds the settings of every component the Tracker owns.
type Config struct {
	Store           task.StoreConfig
	Poller          poller.Config
	Reconciler      reconcile.Config
	ResultCacheSize int
}

// DefaultConfig returns the component defaults.
func DefaultConfig() Config {
	return Config{
		Store:           task.DefaultStoreConfig(),
		Poller:          poller.DefaultConfig(),
		Reconciler:      reconcile.DefaultConfig(),
		ResultCacheSize: 128,
	}
}

// Option configures a Tracker.
type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock sets the clock shared by pollers, the reconciler and the arbiter.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Tracker is the composition root of the task tracking subsystem.
type Tracker struct {
	store      *task.Store
	emitter    *events.InMemoryEventEmitter
	arbiter    *arbiter.Arbiter
	pollers    *poller.Manager
	reconciler *reconcile.Reconciler
	progress   *progress.Machine
	results    *cachebridge.ResultCache
	syncer     *task.Syncer

	initiator Initiator
	session   reconcile.Session
	clock     clock.Clock
	starts    singleflight.Group
	logger    *slog.Logger
}

// New builds a Tracker and registers the completion handlers.
func New(deps Deps, cfg Config, logger *slog.Logger, opts ...Option) (*Tracker, error) {
	if deps.Initiator == nil {
		return nil, errors.New("job initiator is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("result fetcher is required")
	}

	o := options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.ResultCacheSize <= 0 {
		cfg.ResultCacheSize = DefaultConfig().ResultCacheSize
	}
	if deps.Invalidator == nil {
		deps.Invalidator = cachebridge.NewLogInvalidator(logger)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(logger)
	}

	t := &Tracker{
		store:     task.NewStore(cfg.Store, logger),
		emitter:   events.NewInMemoryEventEmitter(logger),
		progress:  progress.NewMachine(logger),
		initiator: deps.Initiator,
		session:   deps.Session,
		clock:     o.clock,
		logger:    logger.With("component", "tracker"),
	}

	results, err := cachebridge.NewResultCache(cfg.ResultCacheSize, deps.Fetcher, logger)
	if err != nil {
		return nil, err
	}
	t.results = results
	t.arbiter = arbiter.New(t.store, t.emitter, logger, arbiter.WithClock(o.clock))

	// Presentation is read before the progress machine applies the event
	notifier := notify.NewHandler(deps.Notifier, t.progress, logger)
	t.emitter.RegisterHandler("notify", notifier)
	t.emitter.RegisterHandler("cache_bridge", cachebridge.NewHandler(deps.Invalidator, logger))
	t.emitter.RegisterHandler("result_cache", t.results)
	t.emitter.RegisterHandler("progress", t.progress)

	// Discards carry no completion side effects, only what the user must see
	t.emitter.RegisterDiscardHandler("notify", notifier)
	t.emitter.RegisterDiscardHandler("progress", t.progress)

	t.pollers = poller.NewManager(poller.Deps{
		Checker:     deps.Checker,
		Store:       t.store,
		Finalizer:   t.arbiter,
		Invalidator: t.results,
	}, cfg.Poller, o.clock, logger)

	t.reconciler, err = reconcile.New(reconcile.Deps{
		Lister:    deps.Lister,
		Checker:   deps.Checker,
		Store:     t.store,
		Finalizer: t.arbiter,
		Session:   deps.Session,
	}, cfg.Reconciler, logger, reconcile.WithClock(o.clock), reconcile.OnAdopt(t.watch))
	if err != nil {
		return nil, err
	}

	if deps.Persister != nil {
		t.syncer = task.NewSyncer(t.store, deps.Persister, logger)
	}
	return t, nil
}

// Start initiates a job for meta and tracks it. The task is registered only
// after the job server acknowledges it. Starting a job that is already tracked
// returns the tracked task without initiating again.
func (t *Tracker) Start(ctx context.Context, meta task.Metadata) (task.Task, error) {
	if err := task.ValidateMetadata(meta); err != nil {
		return task.Task{}, err
	}
	if t.session != nil && !t.session.Authenticated() {
		return task.Task{}, ErrUnauthenticated
	}

	id := task.ID(meta)
	v, err, _ := t.starts.Do(id, func() (any, error) {
		if existing, ok := t.store.Get(id); ok {
			if t.pollers.Count(id) == 0 {
				t.watch(existing)
			}
			return existing, nil
		}

		ack, err := t.initiator.Initiate(ctx, meta)
		if err != nil {
			return nil, fmt.Errorf("initiate %s: %w", id, err)
		}

		tk := task.New(meta, ack.JobID, t.clock.Now())
		if ack.Status == task.RemoteRunning {
			tk.Status = task.StatusProcessing
		}
		if !t.store.Add(tk) {
			// Adopted by the reconciler while the initiation was in flight
			existing, ok := t.store.Get(id)
			if !ok {
				return nil, fmt.Errorf("task %s finished before it could be tracked", id)
			}
			return existing, nil
		}

		t.watch(tk)
		t.logger.Info("task started", "task_id", id, "job_id", ack.JobID)
		return tk, nil
	})
	if err != nil {
		return task.Task{}, err
	}

	tk := v.(task.Task)
	if err := t.progress.Open(id); err != nil {
		t.logger.Warn("failed to open progress view", "task_id", id, "error", err)
	}
	return tk, nil
}

// Discard stops tracking a task without any completion side effects.
func (t *Tracker) Discard(ctx context.Context, id string) bool {
	if !t.arbiter.Discard(ctx, id, events.DiscardUser) {
		return false
	}
	t.pollers.Stop(id)
	return true
}

// Run restores persisted tasks, resumes their pollers and runs the persistence
// syncer and the reconciler until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	if t.syncer != nil {
		n, err := t.syncer.Load(ctx)
		if err != nil {
			t.logger.Error("failed to restore persisted tasks", "error", err)
		} else if n > 0 {
			t.logger.Info("resuming restored tasks", "count", n)
		}
	}
	for _, tk := range t.store.List(task.Active()) {
		if t.pollers.Count(tk.ID) == 0 {
			t.watch(tk)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if t.syncer != nil {
		g.Go(func() error { return t.syncer.Run(gctx) })
	}
	g.Go(func() error { return t.reconciler.Run(gctx) })

	err := g.Wait()
	t.pollers.StopAll()
	if t.syncer != nil {
		// Terminal transitions claimed while the pollers wound down
		t.syncer.Flush(context.Background())
	}
	t.logger.Info("tracker stopped")
	return err
}

// Reconcile runs one reconciliation cycle now.
func (t *Tracker) Reconcile(ctx context.Context) (reconcile.Report, error) {
	return t.reconciler.Reconcile(ctx)
}

// Result returns the result document of the last successful completion of a task.
func (t *Tracker) Result(ctx context.Context, id string) (json.RawMessage, error) {
	return t.results.Get(ctx, id)
}

// Get returns a tracked task.
func (t *Tracker) Get(id string) (task.Task, bool) {
	return t.store.Get(id)
}

// Tasks lists tracked tasks matching all predicates.
func (t *Tracker) Tasks(predicates ...task.Predicate) []task.Task {
	return t.store.List(predicates...)
}

// Store returns the task registry.
func (t *Tracker) Store() *task.Store {
	return t.store
}

// Progress returns the progress view state machine.
func (t *Tracker) Progress() *progress.Machine {
	return t.progress
}

// Pollers returns the poller manager.
func (t *Tracker) Pollers() *poller.Manager {
	return t.pollers
}

// RegisterHandler adds a completion handler.
func (t *Tracker) RegisterHandler(name string, handler events.EventHandler) {
	t.emitter.RegisterHandler(name, handler)
}

func (t *Tracker) watch(tk task.Task) {
	if _, err := t.pollers.Watch(tk); err != nil {
		t.logger.Error("failed to start poller", "task_id", tk.ID, "error", err)
	}
}
