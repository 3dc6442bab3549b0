package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// The audit writer and the status server share one SQLite file. Under WAL
// a second writer still hits SQLITE_BUSY when a checkpoint or a long
// transaction holds the lock past busy_timeout, so short writes get a few
// spaced retries before the caller falls back to the JSONL trail.

const busyAttempts = 4

func busyWait(attempt int) time.Duration {
	return time.Duration(attempt) * 100 * time.Millisecond
}

// IsBusy reports whether err is an SQLITE_BUSY or SQLITE_LOCKED failure.
// Matched on message text so it works across driver implementations.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database table is locked")
}

// Exec runs a single statement, retrying on busy errors.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		res, err = db.ExecContext(ctx, query, args...)
		if err == nil || !IsBusy(err) {
			return res, err
		}
		if attempt == busyAttempts {
			break
		}
		if werr := sleepCtx(ctx, busyWait(attempt)); werr != nil {
			return nil, werr
		}
	}
	return nil, fmt.Errorf("dbopen: exec still busy after %d attempts: %w", busyAttempts, err)
}

// RunTx runs fn inside a transaction, retrying the whole transaction on
// busy errors. fn must be idempotent across retries. A non-busy error from
// fn rolls back and returns immediately.
func RunTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= busyAttempts; attempt++ {
		err = runTxOnce(ctx, db, fn)
		if err == nil || !IsBusy(err) {
			return err
		}
		if attempt == busyAttempts {
			break
		}
		if werr := sleepCtx(ctx, busyWait(attempt)); werr != nil {
			return werr
		}
	}
	return fmt.Errorf("dbopen: tx still busy after %d attempts: %w", busyAttempts, err)
}

func runTxOnce(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
