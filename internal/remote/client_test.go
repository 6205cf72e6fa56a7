package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/taskwatch/internal/poller"
	"github.com/phrazzld/taskwatch/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newJobServer fakes the job server endpoints.
func newJobServer(t *testing.T) *httptest.Server {
	t.Helper()

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer good-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Post("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Kind     task.Kind       `json:"kind"`
			Metadata json.RawMessage `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		meta, err := task.DecodeMetadata(req.Kind, req.Metadata)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if meta.Key() == "conflict" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		if meta.Key() == "empty" {
			writeJSON(w, http.StatusAccepted, map[string]string{})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": "job-42", "status": "pending"})
	})

	r.Get("/api/jobs/active", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs": []map[string]any{
				{
					"job_id":   "job-7",
					"kind":     "repo-analysis",
					"status":   "running",
					"metadata": map[string]string{"owner": "acme", "repo": "api"},
				},
			},
		})
	})

	r.Get("/api/jobs/{jobID}/status", func(w http.ResponseWriter, r *http.Request) {
		switch chi.URLParam(r, "jobID") {
		case "job-42":
			status := "running"
			if r.URL.Query().Get("discriminator") == "de" {
				status = "completed"
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": status})
		case "job-500":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	r.Get("/api/jobs/{jobID}/result", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "jobID") != "job-42" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"spec": "# Generated"})
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, server *httptest.Server, token string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: server.URL, Timeout: time.Second}, staticToken(token), nil, testLogger())
	require.NoError(t, err)
	return c
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not a url"}, nil, nil, testLogger())
	assert.Error(t, err)
}

func TestClient_Initiate(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, newJobServer(t), "good-token")

	ack, err := c.Initiate(context.Background(), task.SpecGeneration{AnalysisID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "job-42", ack.JobID)
	assert.Equal(t, task.RemotePending, ack.Status)

	_, err = c.Initiate(context.Background(), task.SpecGeneration{AnalysisID: "conflict"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusConflict, statusErr.Code)

	_, err = c.Initiate(context.Background(), task.SpecGeneration{AnalysisID: "empty"})
	assert.ErrorIs(t, err, ErrNotAccepted)
}

func TestClient_CheckStatus(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, newJobServer(t), "good-token")

	tests := []struct {
		name    string
		ref     poller.JobRef
		want    task.RemoteStatus
		wantErr bool
	}{
		{name: "running", ref: poller.JobRef{JobID: "job-42"}, want: task.RemoteRunning},
		{name: "discriminator forwarded", ref: poller.JobRef{JobID: "job-42", Discriminator: "de"}, want: task.RemoteCompleted},
		{name: "404 is not_found", ref: poller.JobRef{JobID: "job-missing"}, want: task.RemoteNotFound},
		{name: "no job id is not_found", ref: poller.JobRef{}, want: task.RemoteNotFound},
		{name: "server error", ref: poller.JobRef{JobID: "job-500"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.CheckStatus(context.Background(), tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_ListActive(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, newJobServer(t), "good-token")

	jobs, err := c.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	tk, err := jobs[0].Task(time.Now())
	require.NoError(t, err)
	assert.Equal(t, "repo-analysis-acme/api", tk.ID)
	assert.Equal(t, "job-7", tk.JobID)
	assert.Equal(t, task.StatusProcessing, tk.Status)
}

func TestClient_FetchResult(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, newJobServer(t), "good-token")

	doc, err := c.FetchResult(context.Background(), "job-42")
	require.NoError(t, err)
	assert.JSONEq(t, `{"spec":"# Generated"}`, string(doc))

	_, err = c.FetchResult(context.Background(), "job-1")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestClient_Unauthorized(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, newJobServer(t), "")

	_, err := c.ListActive(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestClient_TransportErrorIsRedacted(t *testing.T) {
	t.Parallel()

	server := newJobServer(t)
	c := newTestClient(t, server, "good-token")
	server.Close()

	_, err := c.CheckStatus(context.Background(), poller.JobRef{JobID: "job-42"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "good-token")
}

func TestClient_ContextCancelled(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, newJobServer(t), "good-token")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.CheckStatus(ctx, poller.JobRef{JobID: "job-42"})
	assert.True(t, errors.Is(err, context.Canceled))
}
