package task

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ChangeType describes the kind of store mutation delivered to listeners
type ChangeType string

// Store mutation types
const (
	ChangeAdded    ChangeType = "added"
	ChangeUpdated  ChangeType = "updated"
	ChangeRemoved  ChangeType = "removed"
	ChangeRestored ChangeType = "restored"
)

// Change is delivered to listeners after every effective mutation.
type Change struct {
	Type    ChangeType
	Task    Task
	Version uint64
}

// Listener is invoked after a mutation has been applied. Listeners run on the
// mutating goroutine, outside the store lock, and may call back into the store.
type Listener func(Change)

// Patch holds the fields Update merges into an existing task. Zero values are ignored.
type Patch struct {
	Status    Status
	StartedAt time.Time
	JobID     string
}

// Predicate filters tasks in List.
type Predicate func(Task) bool

// OfKind matches tasks of the given kind.
func OfKind(k Kind) Predicate {
	return func(t Task) bool { return t.Kind == k }
}

// Active matches tasks that are queued or processing.
func Active() Predicate {
	return func(t Task) bool { return t.Status.IsActive() }
}

// Snapshot is a consistent copy of the store contents.
type Snapshot struct {
	Version uint64 `json:"version"`
	Tasks   []Task `json:"tasks"`
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// TombstoneTTL is how long a removed ID is remembered so Adopt refuses it.
	TombstoneTTL time.Duration `mapstructure:"tombstone_ttl" validate:"gte=0"`

	// TombstoneSize bounds the number of remembered removals.
	TombstoneSize int `mapstructure:"tombstone_size" validate:"gte=0"`
}

// DefaultStoreConfig returns a StoreConfig with reasonable defaults
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		TombstoneTTL:  10 * time.Minute,
		TombstoneSize: 1024,
	}
}

// Store is the registry of in-flight tasks. It is safe for concurrent use and
// never fails: invalid operations are no-ops reported through the bool result.
type Store struct {
	mu           sync.RWMutex
	tasks        map[string]Task
	version      uint64
	listeners    map[uint64]Listener
	nextListener uint64
	tombstones   *expirable.LRU[string, string]
	logger       *slog.Logger
}

// NewStore creates an empty Store.
func NewStore(config StoreConfig, logger *slog.Logger) *Store {
	if config.TombstoneTTL <= 0 {
		config.TombstoneTTL = DefaultStoreConfig().TombstoneTTL
	}
	if config.TombstoneSize <= 0 {
		config.TombstoneSize = DefaultStoreConfig().TombstoneSize
	}

	return &Store{
		tasks:      make(map[string]Task),
		listeners:  make(map[uint64]Listener),
		tombstones: expirable.NewLRU[string, string](config.TombstoneSize, nil, config.TombstoneTTL),
		logger:     logger.With("component", "task_store"),
	}
}

// Add registers a task. A task with the same ID already present makes this a
// no-op, so two surfaces tracking the same logical job share one entry.
// An explicit Add clears any tombstone left by an earlier removal of the ID.
func (s *Store) Add(t Task) bool {
	return s.insert(t, false)
}

// Adopt registers a task discovered from the server's active list. Unlike Add it
// refuses IDs removed recently, so a stale listing cannot resurrect a task whose
// terminal transition was already handled. A refusal renews the tombstone: a
// job dropped locally, for example on timeout, stays refused for as long as the
// server keeps listing it. A different job for the same ID is adopted.
func (s *Store) Adopt(t Task) bool {
	return s.insert(t, true)
}

func (s *Store) insert(t Task, respectTombstone bool) bool {
	if t.ID == "" || t.Status.IsTerminal() {
		s.logger.Debug("ignoring task registration", "task_id", t.ID, "status", t.Status)
		return false
	}
	if t.Status == "" {
		t.Status = StatusQueued
	}

	s.mu.Lock()
	if _, exists := s.tasks[t.ID]; exists {
		s.mu.Unlock()
		s.logger.Debug("task already tracked", "task_id", t.ID)
		return false
	}
	if respectTombstone {
		if removedJob, ok := s.tombstones.Peek(t.ID); ok && sameJob(removedJob, t.JobID) {
			s.tombstones.Add(t.ID, removedJob)
			s.mu.Unlock()
			s.logger.Debug("refusing to adopt recently removed task", "task_id", t.ID, "job_id", t.JobID)
			return false
		}
	}
	s.tombstones.Remove(t.ID)
	s.tasks[t.ID] = t
	change := s.commitLocked(ChangeAdded, t)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.logger.Debug("task added", "task_id", t.ID, "kind", t.Kind, "job_id", t.JobID)
	notify(listeners, change)
	return true
}

// Update merges the patch into an existing task. Status can only move forward
// (queued, processing, terminal) and a terminal status is never replaced.
// StartedAt is only set if the task has none.
func (s *Store) Update(id string, patch Patch) bool {
	s.mu.Lock()
	current, exists := s.tasks[id]
	if !exists {
		s.mu.Unlock()
		return false
	}

	updated := current
	changed := false
	if patch.Status != "" && !current.Status.IsTerminal() && patch.Status.rank() > current.Status.rank() {
		updated.Status = patch.Status
		changed = true
	}
	if !patch.StartedAt.IsZero() && current.StartedAt.IsZero() {
		updated.StartedAt = patch.StartedAt
		changed = true
	}
	if patch.JobID != "" && current.JobID == "" {
		updated.JobID = patch.JobID
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return false
	}

	s.tasks[id] = updated
	change := s.commitLocked(ChangeUpdated, updated)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	notify(listeners, change)
	return true
}

// Remove deletes a task. Removing an unknown ID is a no-op.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	current, exists := s.tasks[id]
	if !exists {
		s.mu.Unlock()
		return false
	}
	delete(s.tasks, id)
	s.tombstones.Add(id, current.JobID)
	change := s.commitLocked(ChangeRemoved, current)
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.logger.Debug("task removed", "task_id", id, "status", current.Status)
	notify(listeners, change)
	return true
}

// Get returns the task with the given ID.
func (s *Store) Get(id string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Has reports whether a task with the given ID is tracked.
func (s *Store) Has(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// Len returns the number of tracked tasks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// List returns all tasks matching every predicate, ordered by start time then ID.
func (s *Store) List(predicates ...Predicate) []Task {
	s.mu.RLock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if matches(t, predicates) {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	sortTasks(out)
	return out
}

// Snapshot returns the current contents together with the store version.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	version := s.version
	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	sortTasks(tasks)
	return Snapshot{Version: version, Tasks: tasks}
}

// Subscribe registers a listener for store mutations and returns a function that
// unregisters it. The unsubscribe function is safe to call more than once.
func (s *Store) Subscribe(listener Listener) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = listener
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Restore loads previously persisted tasks. Terminal, invalid and already
// tracked tasks are skipped. Returns the number of tasks restored.
func (s *Store) Restore(tasks []Task) int {
	restored := 0
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		if err := t.Validate(); err != nil {
			s.logger.Warn("skipping invalid persisted task", "task_id", t.ID, "error", err)
			continue
		}

		s.mu.Lock()
		if _, exists := s.tasks[t.ID]; exists {
			s.mu.Unlock()
			continue
		}
		s.tasks[t.ID] = t
		change := s.commitLocked(ChangeRestored, t)
		listeners := s.listenersLocked()
		s.mu.Unlock()

		notify(listeners, change)
		restored++
	}

	if restored > 0 {
		s.logger.Info("restored persisted tasks", "count", restored)
	}
	return restored
}

func (s *Store) commitLocked(changeType ChangeType, t Task) Change {
	s.version++
	return Change{Type: changeType, Task: t, Version: s.version}
}

func (s *Store) listenersLocked() []Listener {
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	return listeners
}

func notify(listeners []Listener, change Change) {
	for _, l := range listeners {
		l(change)
	}
}

// sameJob treats an unknown job reference on either side as a match.
func sameJob(a, b string) bool {
	return a == "" || b == "" || a == b
}

func matches(t Task, predicates []Predicate) bool {
	for _, p := range predicates {
		if p != nil && !p(t) {
			return false
		}
	}
	return true
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].StartedAt.Equal(tasks[j].StartedAt) {
			return tasks[i].StartedAt.Before(tasks[j].StartedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
