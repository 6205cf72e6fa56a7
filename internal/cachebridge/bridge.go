// Package cachebridge signals downstream data caches that a task reached a
// terminal status, and holds the local cache of fetched result documents.
//
// This package does not know what is cached downstream. It only guarantees that
// the Invalidator is called once per terminal transition, because the Handler
// is driven by completion events emitted by the arbiter.
package cachebridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/taskwatch/internal/events"
	"github.com/phrazzld/taskwatch/internal/redact"
	"github.com/phrazzld/taskwatch/internal/task"
)

// Invalidation describes what changed so dependent caches can refresh.
type Invalidation struct {
	TaskID  string         `json:"task_id"`
	Kind    task.Kind      `json:"kind"`
	Outcome events.Outcome `json:"outcome"`
	Target  task.Target    `json:"target"`
}

// Invalidator is the downstream cache invalidation surface.
type Invalidator interface {
	Invalidate(ctx context.Context, inv Invalidation) error
}

// Handler adapts an Invalidator to the completion event stream.
type Handler struct {
	invalidator Invalidator
	logger      *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(invalidator Invalidator, logger *slog.Logger) *Handler {
	return &Handler{
		invalidator: invalidator,
		logger:      logger.With("component", "cache_bridge"),
	}
}

// HandleEvent implements events.EventHandler.
func (h *Handler) HandleEvent(ctx context.Context, event *events.CompletionEvent) error {
	inv := Invalidation{
		TaskID:  event.TaskID,
		Kind:    event.Kind,
		Outcome: event.Outcome,
		Target:  event.Target,
	}
	if err := h.invalidator.Invalidate(ctx, inv); err != nil {
		return fmt.Errorf("cache invalidation failed for task %s: %w", event.TaskID, err)
	}
	h.logger.Debug("downstream caches invalidated",
		"task_id", event.TaskID,
		"target_owner", event.Target.Owner,
		"target_repo", event.Target.Repo,
		"target_analysis_id", event.Target.AnalysisID)
	return nil
}

// LogInvalidator only logs invalidations. It is used when no downstream is configured.
type LogInvalidator struct {
	logger *slog.Logger
}

// NewLogInvalidator creates a LogInvalidator.
func NewLogInvalidator(logger *slog.Logger) *LogInvalidator {
	return &LogInvalidator{logger: logger.With("component", "log_invalidator")}
}

// Invalidate implements Invalidator.
func (l *LogInvalidator) Invalidate(ctx context.Context, inv Invalidation) error {
	l.logger.Info("cache invalidation",
		"task_id", inv.TaskID,
		"kind", inv.Kind,
		"outcome", inv.Outcome,
		"target", inv.Target)
	return nil
}

// WebhookInvalidator posts invalidations as JSON to a downstream URL.
type WebhookInvalidator struct {
	url    string
	client *http.Client
}

// NewWebhookInvalidator creates a WebhookInvalidator. A nil client gets a
// default client with a short timeout.
func NewWebhookInvalidator(url string, client *http.Client) *WebhookInvalidator {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookInvalidator{url: url, client: client}
}

// Invalidate implements Invalidator.
func (w *WebhookInvalidator) Invalidate(ctx context.Context, inv Invalidation) error {
	body, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to encode invalidation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build invalidation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("invalidation webhook request failed: %s", redact.Error(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("invalidation webhook returned status %d", resp.StatusCode)
	}
	return nil
}
