package testdb

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskwatch/internal/platform/sqldb"
)

// EnvTestDatabaseURL names the PostgreSQL URL used by integration tests.
const EnvTestDatabaseURL = "TASKWATCH_TEST_DATABASE_URL"

// GetTestDatabaseURL returns the PostgreSQL test URL, or "".
func GetTestDatabaseURL() string {
	return os.Getenv(EnvTestDatabaseURL)
}

// SQLiteConfig returns a config for a fresh SQLite file in t's temp dir.
func SQLiteConfig(t *testing.T) sqldb.Config {
	t.Helper()
	cfg := sqldb.DefaultConfig()
	cfg.DSN = "file:" + filepath.Join(t.TempDir(), "taskwatch.db") + "?_pragma=busy_timeout(5000)"
	return cfg
}

// PostgresConfig returns a config for the PostgreSQL test database, skipping
// the test when none is configured.
func PostgresConfig(t *testing.T) sqldb.Config {
	t.Helper()
	dsn := GetTestDatabaseURL()
	if dsn == "" {
		t.Skipf("%s not set - skipping PostgreSQL test", EnvTestDatabaseURL)
	}
	cfg := sqldb.DefaultConfig()
	cfg.Driver = sqldb.DriverPostgres
	cfg.DSN = dsn
	return cfg
}

// Open opens and migrates the database described by cfg and closes it when
// the test ends.
func Open(t *testing.T, cfg sqldb.Config) *sql.DB {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sqldb.Open(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("failed to open %s test database %s: %v", cfg.Driver, maskDatabaseURL(cfg.DSN), err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := sqldb.Migrate(ctx, db, cfg.Driver, logger); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// Scope returns a snapshot scope unique to this test run. Rows under it are
// deleted when the test ends.
func Scope(t *testing.T, db *sql.DB, driver string) string {
	t.Helper()
	scope := "test-" + uuid.NewString()
	t.Cleanup(func() {
		query := `DELETE FROM tracked_tasks WHERE scope = $1`
		if driver == sqldb.DriverSQLite {
			query = `DELETE FROM tracked_tasks WHERE scope = ?`
		}
		if _, err := db.Exec(query, scope); err != nil {
			t.Logf("failed to clean up scope %s: %v", scope, err)
		}
	})
	return scope
}

// WithTx runs fn inside a transaction that is always rolled back.
func WithTx(t *testing.T, db *sql.DB, fn func(t *testing.T, tx *sql.Tx)) {
	t.Helper()

	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			t.Errorf("failed to roll back test transaction: %v", err)
		}
	}()

	fn(t, tx)
}

// maskDatabaseURL hides the password of a database URL.
func maskDatabaseURL(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}
