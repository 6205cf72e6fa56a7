package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phrazzld/taskwatch/internal/api/shared"
	"github.com/phrazzld/taskwatch/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAuth bool

func (a staticAuth) Authenticated() bool { return bool(a) }

func TestTraceMiddleware(t *testing.T) {
	t.Parallel()

	log, buf := logger.NewTestLogger(t)

	var traceID string
	handler := NewTraceMiddleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = shared.GetTraceID(r.Context())
		logger.FromContext(r.Context()).Info("handled")
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NotEmpty(t, traceID)
	assert.True(t, buf.HasEntry("request started", map[string]any{"trace_id": traceID, "path": "/api/tasks"}))
	assert.True(t, buf.HasEntry("handled", map[string]any{"trace_id": traceID}))
}

func TestRequireSession(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name string
		auth Authenticator
		want int
	}{
		{name: "signed in", auth: staticAuth(true), want: http.StatusOK},
		{name: "signed out", auth: staticAuth(false), want: http.StatusUnauthorized},
		{name: "no authenticator", auth: nil, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			RequireSession(tt.auth)(ok).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/tasks", nil))
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				var body shared.ErrorResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
				assert.Equal(t, "Not signed in", body.Error)
			}
		})
	}
}
