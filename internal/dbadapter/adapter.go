// Package dbadapter is the Database Adapter collaborator: it owns the
// embedded SQLite connection and exposes the small surface the Satellite
// core needs — run, query, runInTransaction, and an interactive transaction
// handle for callbacks that must return a value out of the transaction.
package dbadapter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// Adapter executes SQL against the embedded store. The core never talks to
// database/sql directly; every query and mutation flows through here so the
// driver swap between the pure-Go and cgo-accelerated builds (driverName,
// set by driver_modernc.go or driver_cgo.go depending on the sqlite_cgo
// build tag) touches only this package.
type Adapter struct {
	conn *sql.DB
	dir  string
}

// Open opens (creating if necessary) the SQLite file at dbPath and applies
// the concurrency-safe pragmas a single-writer embedded store needs.
func Open(dbPath string) (*Adapter, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite has one writer; pinning the pool to a single connection keeps
	// the driver from fanning out extra connections that would corrupt the
	// WAL/SHM files under concurrent access from this process's goroutines.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &Adapter{conn: conn, dir: filepath.Dir(dbPath)}, nil
}

// Close checkpoints the WAL back into the main file before closing, so a
// later opener never has to recover from a stale -wal/-shm pair.
func (a *Adapter) Close() error {
	a.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return a.conn.Close()
}

// Conn exposes the raw *sql.DB for packages that need PRAGMA introspection
// (e.g. the relation cache's pragma_table_info probe) the Adapter doesn't
// wrap directly.
func (a *Adapter) Conn() *sql.DB {
	return a.conn
}

// ExecContext executes a statement with no result rows. Named to match
// database/sql's own convention so both Adapter and Tx satisfy the
// Execer-shaped interfaces the satellite packages write their queries
// against, whether or not a transaction is in flight.
func (a *Adapter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return a.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a statement that returns rows.
func (a *Adapter) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return a.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a statement expected to return at most one row.
func (a *Adapter) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return a.conn.QueryRowContext(ctx, query, args...)
}

// Tx is the interactive transaction handle passed to RunInTransaction
// callbacks. It mirrors the Adapter's Exec/Query surface so nested
// callbacks (the Snapshotter's four steps, the Applier's merge-then-write)
// read the same way whether or not they're inside a transaction.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// RunInTransaction runs fn inside a single ACID transaction and returns
// whatever fn returns, committing on nil error and rolling back otherwise.
// This is the "interactive transaction handle for nested callbacks" the
// Database Adapter collaborator is required to expose: the Snapshotter and
// Applier both need to carry a typed result out of a transaction body.
func RunInTransaction[T any](ctx context.Context, a *Adapter, fn func(*Tx) (T, error)) (T, error) {
	var zero T
	sqlTx, err := a.conn.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin transaction: %w", err)
	}

	result, err := fn(&Tx{tx: sqlTx})
	if err != nil {
		sqlTx.Rollback()
		return zero, err
	}
	if err := sqlTx.Commit(); err != nil {
		return zero, fmt.Errorf("commit transaction: %w", err)
	}
	return result, nil
}

// WithWriteLock executes fn while holding the cross-process exclusive write
// lock. Spec §5 assumes a single process owns a given database file; this
// is defense in depth against a second process opening the same file.
func (a *Adapter) WithWriteLock(fn func() error) error {
	locker := newWriteLocker(a.dir)
	if err := locker.acquire(defaultTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}
