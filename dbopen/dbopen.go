// Package dbopen opens the mirror's SQLite databases with the pragmas
// the audit trail depends on: WAL so readers never block the writer, a
// generous busy timeout, and foreign keys on.
//
// Usage:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("chatmirror.db", dbopen.WithMkdirAll())
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type options struct {
	busyTimeoutMs int
	syncMode      string
	foreignKeys   bool
	mkdirAll      bool
	schemas       []string
}

// Option customises Open behaviour.
type Option func(*options)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option {
	return func(o *options) { o.busyTimeoutMs = ms }
}

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option {
	return func(o *options) { o.syncMode = mode }
}

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option {
	return func(o *options) { o.mkdirAll = true }
}

// WithSchema queues inline SQL to execute after pragmas are applied.
func WithSchema(ddl string) Option {
	return func(o *options) { o.schemas = append(o.schemas, ddl) }
}

// WithoutForeignKeys disables PRAGMA foreign_keys.
func WithoutForeignKeys() Option {
	return func(o *options) { o.foreignKeys = false }
}

// Open opens the SQLite database at path and applies the pragmas the
// writer side depends on. The caller must blank-import a driver
// registered as "sqlite" first, normally modernc.org/sqlite.
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := options{busyTimeoutMs: 10_000, syncMode: "NORMAL", foreignKeys: true}
	for _, apply := range opts {
		apply(&o)
	}

	if o.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	fail := func(err error) (*sql.DB, error) {
		db.Close()
		return nil, err
	}

	fk := 1
	if !o.foreignKeys {
		fk = 0
	}
	for _, stmt := range []string{
		fmt.Sprintf("PRAGMA foreign_keys = %d", fk),
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", o.busyTimeoutMs),
		"PRAGMA synchronous = " + o.syncMode,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return fail(fmt.Errorf("dbopen: %s: %w", stmt, err))
		}
	}

	for _, ddl := range o.schemas {
		if _, err := db.Exec(ddl); err != nil {
			return fail(fmt.Errorf("dbopen: apply schema: %w", err))
		}
	}

	if err := db.Ping(); err != nil {
		return fail(fmt.Errorf("dbopen: ping %s: %w", path, err))
	}
	return db, nil
}

// OpenMemory opens an in-memory database for tests, pinned to a single
// connection. Each new connection to ":memory:" gets its own empty
// database, so pooling would make tables vanish between queries. Closed
// via t.Cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
