package poller

import (
	"context"
	"testing"
	"time"

	"github.com/phrazzld/taskwatch/internal/events"
	"github.com/phrazzld/taskwatch/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gate blocks every status check until released, so two pollers observe the
// same terminal status in the same instant.
type gate struct {
	release chan struct{}
	status  task.RemoteStatus
}

func (g *gate) CheckStatus(ctx context.Context, ref JobRef) (task.RemoteStatus, error) {
	select {
	case <-g.release:
		return g.status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestManager_TwoPollersSameTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	g := &gate{release: make(chan struct{}), status: task.RemoteCompleted}
	inv := &MockInvalidator{}
	inv.On("InvalidateResult", f.task.ID).Return()

	m := NewManager(f.deps(g, inv), testConfig(), f.clock, testLogger())
	defer m.StopAll()

	// Two surfaces each register the same logical job and start a poller
	assert.False(t, f.store.Add(f.task), "second add is a no-op")
	p1, err := m.Watch(f.task)
	require.NoError(t, err)
	p2, err := m.Watch(f.task)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Count(f.task.ID))

	close(g.release)

	for _, p := range []*Poller{p1, p2} {
		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("poller did not finish")
		}
	}

	assert.Equal(t, 1, f.notify.get(events.OutcomeSucceeded, f.task.ID), "exactly one notification")
	assert.Equal(t, 1, f.bridge.get(events.OutcomeSucceeded, f.task.ID), "exactly one downstream invalidation")
	assert.False(t, f.store.Has(f.task.ID))

	require.Eventually(t, func() bool {
		return m.Count(f.task.ID) == 0
	}, 2*time.Second, time.Millisecond)
}

func TestManager_StopKeepsTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	checker := script(response{status: task.RemoteRunning})
	m := NewManager(f.deps(checker, nil), testConfig(), f.clock, testLogger())

	p, err := m.Watch(f.task)
	require.NoError(t, err)
	awaitTimer(t, f.clock, p.Done())

	states := m.States(f.task.ID)
	require.Len(t, states, 1)
	assert.Equal(t, task.RemoteRunning, states[0].LastStatus)

	m.Stop(f.task.ID)
	assert.Equal(t, PhaseStopped, p.State().Phase)
	assert.True(t, f.store.Has(f.task.ID))

	m.StopAll()
	assert.Equal(t, 0, m.Count(f.task.ID))
}

func TestManager_WatchAfterStopAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	checker := script(response{status: task.RemoteRunning})
	m := NewManager(f.deps(checker, nil), testConfig(), f.clock, testLogger())
	m.StopAll()

	p, err := m.Watch(f.task)
	require.NoError(t, err)

	<-p.Done()
	assert.Equal(t, PhaseStopped, p.State().Phase)
	assert.Zero(t, checker.Calls())
	assert.Zero(t, m.Count(f.task.ID))
}

func TestManager_SetEnabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	checker := script(response{status: task.RemoteCompleted})
	m := NewManager(f.deps(checker, nil), testConfig(), f.clock, testLogger())
	defer m.StopAll()

	p, err := m.Watch(f.task, Disabled())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.State().Phase == PhasePaused
	}, 2*time.Second, time.Millisecond)

	m.SetEnabled(f.task.ID, true)
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not resume")
	}
	assert.Equal(t, PhaseCompleted, p.State().Phase)
}
