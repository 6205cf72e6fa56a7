package cachebridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/phrazzld/taskwatch/internal/events"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownResult is returned for tasks with no recorded successful completion.
var ErrUnknownResult = errors.New("no result known for task")

// ResultFetcher loads the result document of a finished job.
type ResultFetcher interface {
	FetchResult(ctx context.Context, jobID string) (json.RawMessage, error)
}

// ResultFetcherFunc adapts a function to the ResultFetcher interface.
type ResultFetcherFunc func(ctx context.Context, jobID string) (json.RawMessage, error)

// FetchResult calls f(ctx, jobID).
func (f ResultFetcherFunc) FetchResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	return f(ctx, jobID)
}

// ResultCache keeps recently read result documents keyed by job ID. It learns
// which job produced a task's result from completion events, and concurrent
// misses for the same job share one fetch. A fetch of an earlier job that
// finishes late can never be served for a newer completion.
type ResultCache struct {
	docs    *lru.Cache[string, json.RawMessage]
	jobs    *lru.Cache[string, string]
	fetcher ResultFetcher
	group   singleflight.Group
	logger  *slog.Logger
}

// NewResultCache creates a ResultCache holding at most size documents.
func NewResultCache(size int, fetcher ResultFetcher, logger *slog.Logger) (*ResultCache, error) {
	docs, err := lru.New[string, json.RawMessage](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}
	jobs, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create result job index: %w", err)
	}
	return &ResultCache{
		docs:    docs,
		jobs:    jobs,
		fetcher: fetcher,
		logger:  logger.With("component", "result_cache"),
	}, nil
}

// HandleEvent implements events.EventHandler. Successful completions make the
// task's result available; failed ones forget it.
func (c *ResultCache) HandleEvent(ctx context.Context, event *events.CompletionEvent) error {
	if !event.Succeeded() || event.JobID == "" {
		c.forget(event.TaskID)
		return nil
	}
	if previous, ok := c.jobs.Peek(event.TaskID); ok && previous != event.JobID {
		c.docs.Remove(previous)
	}
	c.jobs.Add(event.TaskID, event.JobID)
	return nil
}

// Get returns the cached document or fetches it from the job that last
// completed the task.
func (c *ResultCache) Get(ctx context.Context, taskID string) (json.RawMessage, error) {
	jobID, ok := c.jobs.Get(taskID)
	if !ok {
		return nil, ErrUnknownResult
	}
	if doc, ok := c.docs.Get(jobID); ok {
		return doc, nil
	}

	v, err, shared := c.group.Do(jobID, func() (any, error) {
		doc, err := c.fetcher.FetchResult(ctx, jobID)
		if err != nil {
			return nil, err
		}
		c.docs.Add(jobID, doc)
		return doc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch result for task %s: %w", taskID, err)
	}
	c.logger.Debug("result fetched", "task_id", taskID, "job_id", jobID, "shared", shared)
	return v.(json.RawMessage), nil
}

// InvalidateResult forgets the task's result when its job is about to be
// finalized. Reads fail with ErrUnknownResult until the completion event names
// the job holding the fresh result.
func (c *ResultCache) InvalidateResult(taskID string) {
	if c.forget(taskID) {
		c.logger.Debug("result invalidated", "task_id", taskID)
	}
}

// Len returns the number of cached documents.
func (c *ResultCache) Len() int {
	return c.docs.Len()
}

func (c *ResultCache) forget(taskID string) bool {
	jobID, ok := c.jobs.Peek(taskID)
	if !ok {
		return false
	}
	c.jobs.Remove(taskID)
	c.docs.Remove(jobID)
	return true
}
