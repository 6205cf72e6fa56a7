// Package testdb provides database helpers for tests.
//
// SQLite databases are always available and live in the test's temp dir.
// PostgreSQL tests run only when TASKWATCH_TEST_DATABASE_URL points at a
// disposable database; otherwise they are skipped. Tests isolate their rows
// either with a per-test scope (see Scope) or by running inside a transaction
// that is rolled back (see WithTx).
//
// Migrations mutate goose's package-level state, so tests that open databases
// through this package must not run in parallel with each other.
package testdb
