package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskwatch/internal/task"
)

// SnapshotStore implements task.Persister on a tracked_tasks table. Each scope
// (normally the session subject) owns an independent snapshot.
type SnapshotStore struct {
	db     *sql.DB
	driver string
	scope  string
	logger *slog.Logger
	now    func() time.Time
}

var _ task.Persister = (*SnapshotStore)(nil)

// NewSnapshotStore creates a SnapshotStore.
func NewSnapshotStore(db *sql.DB, driver, scope string, logger *slog.Logger) *SnapshotStore {
	return &SnapshotStore{
		db:     db,
		driver: driver,
		scope:  scope,
		logger: logger.With("component", "snapshot_store", "scope", scope),
		now:    time.Now,
	}
}

// Save replaces the scope's rows with tasks in one transaction.
func (s *SnapshotStore) Save(ctx context.Context, tasks []task.Task) error {
	now := s.now().UTC()

	err := RunInTransaction(ctx, s.db, s.logger, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			rebind(s.driver, `DELETE FROM tracked_tasks WHERE scope = $1`),
			s.scope,
		); err != nil {
			return MapError(err)
		}

		insert := rebind(s.driver, `
			INSERT INTO tracked_tasks (scope, id, kind, job_id, status, metadata, started_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`)
		for _, t := range tasks {
			meta, err := json.Marshal(t.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata of %s: %w", t.ID, err)
			}
			if _, err := tx.ExecContext(ctx, insert,
				s.scope,
				t.ID,
				string(t.Kind),
				t.JobID,
				string(t.Status),
				string(meta),
				t.StartedAt.UTC(),
				now,
			); err != nil {
				return MapError(err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to save task snapshot", "count", len(tasks), "error", err)
		return fmt.Errorf("save task snapshot: %w", err)
	}
	return nil
}

// Load returns the scope's tasks ordered by start time. Rows that no longer
// decode into a valid task are skipped.
func (s *SnapshotStore) Load(ctx context.Context) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.driver, `
		SELECT id, kind, job_id, status, metadata, started_at
		FROM tracked_tasks
		WHERE scope = $1
		ORDER BY started_at ASC, id ASC
	`), s.scope)
	if err != nil {
		return nil, fmt.Errorf("load task snapshot: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []task.Task
	for rows.Next() {
		var (
			id, kind, jobID, status, meta string
			startedAt                     time.Time
		)
		if err := rows.Scan(&id, &kind, &jobID, &status, &meta, &startedAt); err != nil {
			return nil, fmt.Errorf("scan tracked task: %w", err)
		}

		t, err := decodeRow(id, task.Kind(kind), jobID, task.Status(status), meta, startedAt)
		if err != nil {
			s.logger.Warn("skipping unreadable persisted task", "task_id", id, "error", err)
			continue
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked tasks: %w", err)
	}
	return tasks, nil
}

func decodeRow(id string, kind task.Kind, jobID string, status task.Status, meta string, startedAt time.Time) (task.Task, error) {
	metadata, err := task.DecodeMetadata(kind, json.RawMessage(meta))
	if err != nil {
		return task.Task{}, err
	}

	t := task.New(metadata, jobID, startedAt)
	t.Status = status
	if t.ID != id {
		return task.Task{}, fmt.Errorf("stored id %q does not match derived id %q", id, t.ID)
	}
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	return t, nil
}
