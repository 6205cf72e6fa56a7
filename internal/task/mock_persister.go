package task

import (
	"context"
	"sync"
)

// MockPersister implements Persister in memory for testing
type MockPersister struct {
	mu     sync.Mutex
	tasks  []Task
	saves  int
	SaveFn func(ctx context.Context, tasks []Task) error
	LoadFn func(ctx context.Context) ([]Task, error)
}

// NewMockPersister creates a MockPersister preloaded with tasks
func NewMockPersister(tasks ...Task) *MockPersister {
	return &MockPersister{tasks: tasks}
}

// Save records the tasks as the persisted contents
func (p *MockPersister) Save(ctx context.Context, tasks []Task) error {
	if p.SaveFn != nil {
		if err := p.SaveFn(ctx, tasks); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append([]Task(nil), tasks...)
	p.saves++
	return nil
}

// Load returns the persisted contents
func (p *MockPersister) Load(ctx context.Context) ([]Task, error) {
	if p.LoadFn != nil {
		return p.LoadFn(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Task(nil), p.tasks...), nil
}

// Tasks returns the last saved contents
func (p *MockPersister) Tasks() []Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Task(nil), p.tasks...)
}

// SaveCount returns the number of successful saves
func (p *MockPersister) SaveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}
