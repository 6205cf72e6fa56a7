package task

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newSpecTask(analysisID string, startedAt time.Time) Task {
	return New(SpecGeneration{AnalysisID: analysisID, Language: "en"}, "job-"+analysisID, startedAt)
}

func TestStore_Add(t *testing.T) {
	t.Parallel()

	t.Run("duplicate id is a no-op", func(t *testing.T) {
		t.Parallel()

		store := NewStore(DefaultStoreConfig(), testLogger())
		first := Task{ID: "x", Kind: KindSpecGeneration, Status: StatusQueued, Metadata: SpecGeneration{AnalysisID: "x"}}
		second := first
		second.JobID = "other"

		assert.True(t, store.Add(first))
		assert.False(t, store.Add(second))
		assert.Len(t, store.List(), 1)

		got, ok := store.Get("x")
		require.True(t, ok)
		assert.Empty(t, got.JobID, "second registration must not overwrite the first")
	})

	t.Run("terminal and empty tasks are rejected", func(t *testing.T) {
		t.Parallel()

		store := NewStore(DefaultStoreConfig(), testLogger())
		done := newSpecTask("a1", time.Now())
		done.Status = StatusCompleted

		assert.False(t, store.Add(done))
		assert.False(t, store.Add(Task{}))
		assert.Equal(t, 0, store.Len())
	})

	t.Run("empty status defaults to queued", func(t *testing.T) {
		t.Parallel()

		store := NewStore(DefaultStoreConfig(), testLogger())
		tk := newSpecTask("a1", time.Now())
		tk.Status = ""
		require.True(t, store.Add(tk))

		got, _ := store.Get(tk.ID)
		assert.Equal(t, StatusQueued, got.Status)
	})
}

func TestStore_Update(t *testing.T) {
	t.Parallel()

	store := NewStore(DefaultStoreConfig(), testLogger())
	tk := newSpecTask("a1", time.Time{})
	require.True(t, store.Add(tk))

	startedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.True(t, store.Update(tk.ID, Patch{Status: StatusProcessing, StartedAt: startedAt}))

	got, _ := store.Get(tk.ID)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, startedAt, got.StartedAt)

	// status never moves backwards
	assert.False(t, store.Update(tk.ID, Patch{Status: StatusQueued}))
	got, _ = store.Get(tk.ID)
	assert.Equal(t, StatusProcessing, got.Status)

	// startedAt is set once
	assert.False(t, store.Update(tk.ID, Patch{StartedAt: startedAt.Add(time.Hour)}))

	// terminal status is never widened back
	assert.True(t, store.Update(tk.ID, Patch{Status: StatusFailed}))
	assert.False(t, store.Update(tk.ID, Patch{Status: StatusCompleted}))
	assert.False(t, store.Update(tk.ID, Patch{Status: StatusProcessing}))
	got, _ = store.Get(tk.ID)
	assert.Equal(t, StatusFailed, got.Status)

	// unknown id is a no-op
	assert.False(t, store.Update("missing", Patch{Status: StatusProcessing}))
}

func TestStore_Remove(t *testing.T) {
	t.Parallel()

	store := NewStore(DefaultStoreConfig(), testLogger())
	tk := Task{ID: "x", Kind: KindSpecGeneration, Status: StatusQueued, Metadata: SpecGeneration{AnalysisID: "x"}}
	require.True(t, store.Add(tk))

	assert.NotPanics(t, func() {
		assert.True(t, store.Remove("x"))
		assert.False(t, store.Remove("x"))
	})
	_, ok := store.Get("x")
	assert.False(t, ok)
}

func TestStore_AdoptRespectsTombstones(t *testing.T) {
	t.Parallel()

	store := NewStore(DefaultStoreConfig(), testLogger())
	tk := newSpecTask("a1", time.Now())

	require.True(t, store.Adopt(tk))
	require.True(t, store.Remove(tk.ID))

	assert.False(t, store.Adopt(tk), "recently removed task must not be resurrected by adoption")
	assert.True(t, store.Add(tk), "explicit registration starts a new lifetime")
	assert.True(t, store.Has(tk.ID))
}

func TestStore_AdoptRenewsTombstoneWhileListed(t *testing.T) {
	t.Parallel()

	store := NewStore(StoreConfig{TombstoneTTL: 300 * time.Millisecond, TombstoneSize: 8}, testLogger())
	tk := newSpecTask("a1", time.Now())

	require.True(t, store.Add(tk))
	require.True(t, store.Remove(tk.ID))

	// Each refused adoption happens before the renewed tombstone expires, while
	// the total time exceeds the original TTL.
	for i := 0; i < 3; i++ {
		time.Sleep(150 * time.Millisecond)
		assert.False(t, store.Adopt(tk), "job still listed after %d refusals must stay refused", i)
	}

	time.Sleep(400 * time.Millisecond)
	assert.True(t, store.Adopt(tk), "tombstone expires once the job stops being listed")
}

func TestStore_AdoptAcceptsNewJobForRemovedID(t *testing.T) {
	t.Parallel()

	store := NewStore(DefaultStoreConfig(), testLogger())
	old := newSpecTask("a1", time.Now())
	require.True(t, store.Add(old))
	require.True(t, store.Remove(old.ID))

	unknownJob := old
	unknownJob.JobID = ""
	assert.False(t, store.Adopt(unknownJob), "a listing without a job reference matches the removed job")

	rerun := old
	rerun.JobID = "job-a1-rerun"
	assert.True(t, store.Adopt(rerun), "a different server job is a new lifetime")
}

func TestStore_ListFiltersAndOrders(t *testing.T) {
	t.Parallel()

	store := NewStore(DefaultStoreConfig(), testLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	late := newSpecTask("late", base.Add(time.Minute))
	early := newSpecTask("early", base)
	repo := New(RepoAnalysis{Owner: "acme", Repo: "api"}, "job-r", base.Add(30*time.Second))
	repo.Status = StatusProcessing

	require.True(t, store.Add(late))
	require.True(t, store.Add(early))
	require.True(t, store.Add(repo))

	all := store.List()
	require.Len(t, all, 3)
	assert.Equal(t, []string{early.ID, repo.ID, late.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	specs := store.List(OfKind(KindSpecGeneration), Active())
	assert.Len(t, specs, 2)

	repos := store.List(OfKind(KindRepoAnalysis))
	require.Len(t, repos, 1)
	assert.Equal(t, "repo-analysis-acme/api", repos[0].ID)
}

func TestStore_Subscribe(t *testing.T) {
	t.Parallel()

	store := NewStore(DefaultStoreConfig(), testLogger())

	var mu sync.Mutex
	var changes []Change
	unsubscribe := store.Subscribe(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	tk := newSpecTask("a1", time.Now())
	store.Add(tk)
	store.Add(tk)
	store.Update(tk.ID, Patch{Status: StatusProcessing})
	store.Remove(tk.ID)
	store.Remove(tk.ID)

	unsubscribe()
	unsubscribe()
	store.Add(tk)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 3)
	assert.Equal(t, ChangeAdded, changes[0].Type)
	assert.Equal(t, ChangeUpdated, changes[1].Type)
	assert.Equal(t, ChangeRemoved, changes[2].Type)
	assert.Less(t, changes[0].Version, changes[1].Version)
	assert.Less(t, changes[1].Version, changes[2].Version)
}

func TestStore_ListenerMayReenterStore(t *testing.T) {
	t.Parallel()

	store := NewStore(DefaultStoreConfig(), testLogger())
	var seen int
	store.Subscribe(func(c Change) {
		seen = store.Snapshot().Tasks[0].Status.rank()
	})

	store.Add(newSpecTask("a1", time.Now()))
	assert.Equal(t, StatusQueued.rank(), seen)
}

func TestStore_ConcurrentAddSameID(t *testing.T) {
	t.Parallel()

	store := NewStore(DefaultStoreConfig(), testLogger())
	tk := newSpecTask("a1", time.Now())

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Add(tk) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, store.Len())
}

func TestStore_Restore(t *testing.T) {
	t.Parallel()

	store := NewStore(DefaultStoreConfig(), testLogger())
	valid := newSpecTask("a1", time.Now())
	terminal := newSpecTask("a2", time.Now())
	terminal.Status = StatusCompleted
	invalid := newSpecTask("a3", time.Now())
	invalid.ID = "tampered"

	require.True(t, store.Add(newSpecTask("a4", time.Now())))
	restored := store.Restore([]Task{valid, terminal, invalid, newSpecTask("a4", time.Now())})

	assert.Equal(t, 1, restored)
	assert.True(t, store.Has(valid.ID))
	assert.False(t, store.Has(terminal.ID))
	assert.False(t, store.Has("tampered"))
}
