// Package remote is the HTTP client for the job server: job initiation, status
// checks, the active-job listing and result documents.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/phrazzld/taskwatch/internal/poller"
	"github.com/phrazzld/taskwatch/internal/reconcile"
	"github.com/phrazzld/taskwatch/internal/redact"
	"github.com/phrazzld/taskwatch/internal/task"
)

// Common errors
var (
	// ErrUnauthorized is returned when the server rejects the session token.
	ErrUnauthorized = errors.New("job server rejected credentials")

	// ErrNotAccepted is returned when job initiation is not acknowledged.
	ErrNotAccepted = errors.New("job was not accepted")
)

// StatusError reports an unexpected HTTP status from the job server.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
}

// TokenSource supplies the bearer token for requests. An empty token sends no
// Authorization header.
type TokenSource interface {
	Token() string
}

// Config holds job server client settings.
type Config struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

// Client talks to the job server.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	tokens  TokenSource
	logger  *slog.Logger
}

// NewClient creates a Client. A nil httpClient gets a default client using the
// configured timeout.
func NewClient(cfg Config, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid job server base url %q", cfg.BaseURL)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: base,
		http:    httpClient,
		tokens:  tokens,
		logger:  logger.With("component", "job_server_client"),
	}, nil
}

// Ack is the initiation acknowledgment.
type Ack struct {
	JobID  string            `json:"job_id"`
	Status task.RemoteStatus `json:"status,omitempty"`
}

type initiateRequest struct {
	Kind     task.Kind     `json:"kind"`
	Metadata task.Metadata `json:"metadata"`
}

type statusResponse struct {
	Status task.RemoteStatus `json:"status"`
}

type activeResponse struct {
	Jobs []reconcile.ActiveJob `json:"jobs"`
}

// Initiate requests a new job. It succeeds only on 200 or 202 with a job ID.
func (c *Client) Initiate(ctx context.Context, meta task.Metadata) (Ack, error) {
	body, err := json.Marshal(initiateRequest{Kind: meta.Kind(), Metadata: meta})
	if err != nil {
		return Ack{}, fmt.Errorf("encode job request: %w", err)
	}

	var ack Ack
	code, err := c.do(ctx, http.MethodPost, "/api/jobs", nil, body, &ack, http.StatusOK, http.StatusAccepted)
	if err != nil {
		return Ack{}, err
	}
	if ack.JobID == "" {
		return Ack{}, fmt.Errorf("%w: status %d without job id", ErrNotAccepted, code)
	}
	return ack, nil
}

// CheckStatus implements poller.StatusChecker. A 404 maps to not_found.
func (c *Client) CheckStatus(ctx context.Context, ref poller.JobRef) (task.RemoteStatus, error) {
	if ref.JobID == "" {
		return task.RemoteNotFound, nil
	}

	query := url.Values{}
	if ref.Discriminator != "" {
		query.Set("discriminator", ref.Discriminator)
	}

	var resp statusResponse
	code, err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(ref.JobID)+"/status", query, nil, &resp,
		http.StatusOK, http.StatusNotFound)
	if err != nil {
		return "", err
	}
	if code == http.StatusNotFound {
		return task.RemoteNotFound, nil
	}
	return resp.Status, nil
}

// ListActive implements reconcile.ActiveLister.
func (c *Client) ListActive(ctx context.Context) ([]reconcile.ActiveJob, error) {
	var resp activeResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/jobs/active", nil, nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// FetchResult returns the raw result document of a finished job.
func (c *Client) FetchResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	var doc json.RawMessage
	if _, err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID)+"/result", nil, nil, &doc, http.StatusOK); err != nil {
		return nil, err
	}
	return doc, nil
}

// do performs a request and decodes the body into out when the status is one
// of the accepted codes and the response has content.
func (c *Client) do(
	ctx context.Context,
	method, path string,
	query url.Values,
	body []byte,
	out any,
	accept ...int,
) (int, error) {
	u := c.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		// Transport errors echo the full URL; keep tokens out of logs
		return 0, fmt.Errorf("%s %s: %s", method, path, redact.Error(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return resp.StatusCode, ErrUnauthorized
	}

	accepted := false
	for _, code := range accept {
		if resp.StatusCode == code {
			accepted = true
			break
		}
	}
	if !accepted {
		c.logger.Debug("unexpected job server response",
			"method", method,
			"path", path,
			"status", resp.StatusCode)
		return resp.StatusCode, &StatusError{Method: method, Path: path, Code: resp.StatusCode}
	}

	if resp.StatusCode == http.StatusNotFound || out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return resp.StatusCode, nil
}
