package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/chatmirror/dbopen"
)

// HasRun reports whether a run key was already recorded. A recorded key
// means the write side of that run completed and must not repeat.
func (l *Logger) HasRun(ctx context.Context, runKey string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM run_ledger WHERE run_key = ?`, runKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("audit: has run: %w", err)
	}
	return true, nil
}

// RecordRun marks a run key as completed. Recording the same key twice
// is harmless.
func (l *Logger) RecordRun(ctx context.Context, runKey, project, resource string) error {
	_, err := dbopen.Exec(ctx, l.db, `
		INSERT INTO run_ledger (run_key, project, resource, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_key) DO NOTHING`,
		runKey, project, resource, l.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("audit: record run: %w", err)
	}
	return nil
}
