package poller

import (
	"context"
	"log/slog"
	"sync"

	"github.com/phrazzld/taskwatch/internal/task"
	"k8s.io/utils/clock"
)

// Manager starts pollers for tracked tasks and keeps them alive independently of
// the request or surface that asked for them.
type Manager struct {
	deps   Deps
	config Config
	clock  clock.Clock
	logger *slog.Logger

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	pollers map[string]map[*Poller]struct{}
}

// NewManager creates a Manager. The clock may be nil, in which case the real
// clock is used.
func NewManager(deps Deps, config Config, c clock.Clock, logger *slog.Logger) *Manager {
	if c == nil {
		c = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		deps:       deps,
		config:     config,
		clock:      c,
		logger:     logger.With("component", "poller_manager"),
		ctx:        ctx,
		cancelFunc: cancel,
		pollers:    make(map[string]map[*Poller]struct{}),
	}
}

// Watch starts a new poller for the task. The timeout ceiling is measured from
// the task's StartedAt when set. Several pollers may watch the same task.
func (m *Manager) Watch(t task.Task, opts ...Option) (*Poller, error) {
	base := []Option{WithClock(m.clock)}
	if !t.StartedAt.IsZero() {
		base = append(base, WithSince(t.StartedAt))
	}

	p, err := New(RefFor(t), m.deps, m.config, m.logger, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		p.Stop()
		return p, nil
	}
	set, ok := m.pollers[t.ID]
	if !ok {
		set = make(map[*Poller]struct{})
		m.pollers[t.ID] = set
	}
	set[p] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	p.Start(m.ctx)
	go m.reap(p)

	m.logger.Debug("poller started", "task_id", t.ID, "poller_count", m.Count(t.ID))
	return p, nil
}

// reap deregisters a poller once it finishes.
func (m *Manager) reap(p *Poller) {
	defer m.wg.Done()
	<-p.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.pollers[p.TaskID()]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(m.pollers, p.TaskID())
		}
	}
}

// Count returns the number of running pollers for a task.
func (m *Manager) Count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pollers[id])
}

// States returns the state of every running poller for a task.
func (m *Manager) States(id string) []State {
	var states []State
	for _, p := range m.snapshot(id) {
		states = append(states, p.State())
	}
	return states
}

// SetEnabled pauses or resumes all pollers of a task.
func (m *Manager) SetEnabled(id string, enabled bool) {
	for _, p := range m.snapshot(id) {
		p.SetEnabled(enabled)
	}
}

// Stop stops all pollers of a task and waits for them. The task stays tracked.
func (m *Manager) Stop(id string) {
	for _, p := range m.snapshot(id) {
		p.Stop()
	}
}

// StopAll stops every poller and waits for their goroutines to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.cancelFunc()
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) snapshot(id string) []*Poller {
	m.mu.Lock()
	defer m.mu.Unlock()
	pollers := make([]*Poller, 0, len(m.pollers[id]))
	for p := range m.pollers[id] {
		pollers = append(pollers, p)
	}
	return pollers
}
