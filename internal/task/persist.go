package task

import (
	"context"
	"log/slog"
	"time"
)

// Persister mirrors the registry contents to durable storage.
// Implementations must be safe for concurrent use.
type Persister interface {
	// Save replaces the persisted contents with the given tasks.
	Save(ctx context.Context, tasks []Task) error

	// Load returns the persisted tasks.
	Load(ctx context.Context) ([]Task, error)
}

// Syncer writes store snapshots to a Persister whenever the store changes.
// Bursts of mutations are coalesced; the latest snapshot always wins.
type Syncer struct {
	store     *Store
	persister Persister
	timeout   time.Duration
	logger    *slog.Logger
	dirty     chan struct{}
}

// NewSyncer creates a Syncer for the given store.
func NewSyncer(store *Store, persister Persister, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:     store,
		persister: persister,
		timeout:   5 * time.Second,
		logger:    logger.With("component", "task_syncer"),
		dirty:     make(chan struct{}, 1),
	}
}

// Run subscribes to the store and persists snapshots until ctx is cancelled.
// A final snapshot is written on shutdown.
func (s *Syncer) Run(ctx context.Context) error {
	unsubscribe := s.store.Subscribe(func(Change) {
		select {
		case s.dirty <- struct{}{}:
		default:
			// A write is already pending and will pick up this change
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
			s.Flush(flushCtx)
			cancel()
			return nil
		case <-s.dirty:
			s.Flush(ctx)
		}
	}
}

// Load reads persisted tasks and restores them into the store.
func (s *Syncer) Load(ctx context.Context) (int, error) {
	tasks, err := s.persister.Load(ctx)
	if err != nil {
		return 0, err
	}
	return s.store.Restore(tasks), nil
}

// Flush writes the current store snapshot to the persister.
func (s *Syncer) Flush(ctx context.Context) {
	snapshot := s.store.Snapshot()
	saveCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.persister.Save(saveCtx, snapshot.Tasks); err != nil {
		s.logger.Error("failed to persist task snapshot",
			"version", snapshot.Version,
			"task_count", len(snapshot.Tasks),
			"error", err)
		return
	}
	s.logger.Debug("persisted task snapshot",
		"version", snapshot.Version,
		"task_count", len(snapshot.Tasks))
}
