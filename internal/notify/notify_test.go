package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phrazzld/taskwatch/internal/events"
	"github.com/phrazzld/taskwatch/internal/progress"
	"github.com/phrazzld/taskwatch/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockNotifier is a testify mock of Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, n Notification) error {
	return m.Called(ctx, n).Error(0)
}

func specEvent(outcome events.Outcome) *events.CompletionEvent {
	tk := task.New(task.SpecGeneration{AnalysisID: "a1"}, "job-1", time.Now())
	return events.NewCompletionEvent(tk, outcome, time.Now())
}

func TestHandler_Presentation(t *testing.T) {
	t.Parallel()

	machine := progress.NewMachine(testLogger())
	event := specEvent(events.OutcomeSucceeded)

	tests := []struct {
		name  string
		setup func(t *testing.T)
		want  progress.Presentation
	}{
		{
			name:  "closed surface uses toast",
			setup: func(t *testing.T) {},
			want:  progress.PresentationToast,
		},
		{
			name:  "open surface for the task shows inline",
			setup: func(t *testing.T) { require.NoError(t, machine.Open(event.TaskID)) },
			want:  progress.PresentationInline,
		},
		{
			name:  "backgrounded surface uses toast",
			setup: func(t *testing.T) { require.NoError(t, machine.Background()) },
			want:  progress.PresentationToast,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup(t)

			notifier := &MockNotifier{}
			notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n Notification) bool {
				return n.TaskID == event.TaskID &&
					n.Outcome == events.OutcomeSucceeded &&
					n.Presentation == tt.want
			})).Return(nil).Once()

			require.NoError(t, NewHandler(notifier, machine, testLogger()).HandleEvent(context.Background(), event))
			notifier.AssertExpectations(t)
		})
	}
}

func TestHandler_NilPresenter(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	ch, cancel := b.Subscribe(1)
	defer cancel()

	event := specEvent(events.OutcomeFailed)
	require.NoError(t, NewHandler(b, nil, testLogger()).HandleEvent(context.Background(), event))

	n := <-ch
	assert.Equal(t, progress.PresentationToast, n.Presentation)
	assert.Equal(t, events.OutcomeFailed, n.Outcome)
	assert.Equal(t, event.ID, n.ID)
	assert.Equal(t, task.Target{AnalysisID: "a1"}, n.Target)
}

func TestMulti(t *testing.T) {
	t.Parallel()

	first := &MockNotifier{}
	second := &MockNotifier{}
	failure := errors.New("webhook down")
	first.On("Notify", mock.Anything, mock.Anything).Return(failure).Once()
	second.On("Notify", mock.Anything, mock.Anything).Return(nil).Once()

	err := Multi{first, second, NewLogNotifier(testLogger())}.Notify(context.Background(), Notification{TaskID: "x"})

	assert.ErrorIs(t, err, failure)
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestBroadcaster(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger())
	fast, cancelFast := b.Subscribe(4)
	slow, cancelSlow := b.Subscribe(1)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Notify(context.Background(), Notification{TaskID: "x"}))
	}

	assert.Len(t, fast, 3)
	assert.Len(t, slow, 1, "full subscriber drops instead of blocking")

	cancelSlow()
	cancelSlow()
	_, open := <-slow
	assert.True(t, open, "buffered notification is still readable")
	_, open = <-slow
	assert.False(t, open)

	require.NoError(t, b.Notify(context.Background(), Notification{TaskID: "y"}))
	assert.Len(t, fast, 4)
	cancelFast()
}

func TestHandler_HandleDiscard(t *testing.T) {
	t.Parallel()

	tk := task.New(task.SpecGeneration{AnalysisID: "a1"}, "job-1", time.Now())

	t.Run("timeout produces a timed out notification", func(t *testing.T) {
		t.Parallel()

		notifier := &MockNotifier{}
		event := events.NewDiscardEvent(tk, events.DiscardTimeout, time.Now())
		notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n Notification) bool {
			return n.ID == event.ID &&
				n.TaskID == tk.ID &&
				n.JobID == "job-1" &&
				n.Outcome == events.OutcomeTimedOut &&
				n.Presentation == progress.PresentationToast &&
				n.FinishedAt.Equal(event.DiscardedAt)
		})).Return(nil).Once()

		h := NewHandler(notifier, nil, testLogger())
		require.NoError(t, h.HandleDiscard(context.Background(), event))
		notifier.AssertExpectations(t)
	})

	for _, reason := range []events.DiscardReason{events.DiscardAmbiguous, events.DiscardUser} {
		reason := reason
		t.Run(string(reason)+" discard is silent", func(t *testing.T) {
			t.Parallel()

			notifier := &MockNotifier{}
			h := NewHandler(notifier, nil, testLogger())
			require.NoError(t, h.HandleDiscard(context.Background(), events.NewDiscardEvent(tk, reason, time.Now())))
			notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
		})
	}
}
