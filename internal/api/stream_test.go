package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/phrazzld/taskwatch/internal/events"
	"github.com/phrazzld/taskwatch/internal/notify"
	"github.com/phrazzld/taskwatch/internal/progress"
	"github.com/phrazzld/taskwatch/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialStream(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(env.router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/tasks/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads frames until one satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, match func(StreamMessage) bool) StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg StreamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	conn := dialStream(t, env)

	var first StreamMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, MessageSnapshot, first.Type)
	require.NotNil(t, first.Snapshot)
	assert.Empty(t, first.Snapshot.Tasks)

	var second StreamMessage
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, MessageProgress, second.Type)
	require.NotNil(t, second.Progress)
	assert.Equal(t, progress.PhaseClosed, second.Progress.Phase)

	tk := task.New(task.SpecGeneration{AnalysisID: "a1"}, "job-1", time.Now())
	require.True(t, env.store.Add(tk))
	msg := readUntil(t, conn, func(m StreamMessage) bool {
		return m.Type == MessageSnapshot && len(m.Snapshot.Tasks) == 1
	})
	assert.Equal(t, tk.ID, msg.Snapshot.Tasks[0].ID)
	assert.Greater(t, msg.Snapshot.Version, first.Snapshot.Version)

	require.NoError(t, env.progress.Open(tk.ID))
	msg = readUntil(t, conn, func(m StreamMessage) bool { return m.Type == MessageProgress })
	assert.Equal(t, progress.View{Phase: progress.PhaseOpen, TaskID: tk.ID}, *msg.Progress)

	// The subscription is registered before the first frame is written
	require.NoError(t, env.notifications.Notify(context.Background(), notify.Notification{
		ID:           uuid.New(),
		TaskID:       tk.ID,
		Kind:         tk.Kind,
		Outcome:      events.OutcomeSucceeded,
		Presentation: progress.PresentationInline,
	}))
	msg = readUntil(t, conn, func(m StreamMessage) bool { return m.Type == MessageNotification })
	assert.Equal(t, tk.ID, msg.Notification.TaskID)
	assert.Equal(t, events.OutcomeSucceeded, msg.Notification.Outcome)
}

func TestStream_ClientCloseUnsubscribes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	conn := dialStream(t, env)

	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	// Store mutations after the client left must not block
	for i := 0; i < 10; i++ {
		require.True(t, env.store.Add(task.New(task.RepoAnalysis{Owner: "acme", Repo: uuid.NewString()}, "job", time.Now())))
	}
}

func TestLocalOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "", want: true},
		{origin: "http://localhost:5173", want: true},
		{origin: "http://127.0.0.1:3000", want: true},
		{origin: "http://[::1]:3000", want: true},
		{origin: "http://daemon.local:8080", want: true},
		{origin: "https://evil.example.com", want: false},
		{origin: "::not a url", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://daemon.local:8080/api/tasks/stream", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, localOrigin(r))
		})
	}
}
