// Package audit records every mirror operation in a durable trail.
//
// The primary backend is an SQLite table. When a write to the primary
// fails the entry is appended to a JSONL fallback file instead, so the
// trail survives a locked or missing database. The package also keeps
// the run ledger used for idempotent re-runs.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hazyhaar/chatmirror/dbopen"
	"github.com/hazyhaar/chatmirror/idgen"
)

// Entry statuses. An operation that succeeded after retries is recorded
// as "retried" so the trail distinguishes clean runs from flaky ones.
const (
	StatusStarted   = "started"
	StatusSuccess   = "success"
	StatusRetried   = "retried"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusCompleted = "completed"
)

// Entry is one audit record.
type Entry struct {
	EntryID    string `json:"entry_id"`
	Timestamp  int64  `json:"ts"` // unix milliseconds
	Operation  string `json:"operation"`
	Target     string `json:"target,omitempty"`   // "chat" or "docs"
	Resource   string `json:"resource,omitempty"` // channel or page identifier
	RunKey     string `json:"run_key,omitempty"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Transport  string `json:"transport,omitempty"`
	Details    string `json:"details,omitempty"` // JSON payload
	Error      string `json:"error,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id      TEXT PRIMARY KEY,
    ts            INTEGER NOT NULL,
    operation     TEXT NOT NULL,
    target        TEXT NOT NULL DEFAULT '',
    resource      TEXT NOT NULL DEFAULT '',
    run_key       TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    transport     TEXT NOT NULL DEFAULT '',
    details       TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_log_op_ts ON audit_log(operation, ts);
CREATE INDEX IF NOT EXISTS idx_audit_log_run_key ON audit_log(run_key);

CREATE TABLE IF NOT EXISTS run_ledger (
    run_key     TEXT PRIMARY KEY,
    project     TEXT NOT NULL,
    resource    TEXT NOT NULL DEFAULT '',
    recorded_at INTEGER NOT NULL
);
`

const (
	batchSize     = 32
	flushInterval = 50 * time.Millisecond
	queueDepth    = 256
)

// Logger writes audit entries to SQLite with a JSONL fallback.
type Logger struct {
	db           *sql.DB
	fallbackPath string
	idgen        idgen.Generator
	now          func() time.Time
	log          *slog.Logger

	queue  chan *Entry
	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

// Option configures a Logger.
type Option func(*Logger)

// WithIDGenerator overrides the entry ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Logger) { l.idgen = gen }
}

// WithFallbackPath sets the JSONL file used when the primary is
// unavailable. Empty disables the fallback.
func WithFallbackPath(path string) Option {
	return func(l *Logger) { l.fallbackPath = path }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates an audit logger over db. Call Init before logging.
func NewLogger(db *sql.DB, opts ...Option) *Logger {
	l := &Logger{
		db:    db,
		idgen: idgen.Prefixed("aud", idgen.UUIDv7()),
		now:   time.Now,
		log:   slog.Default().With("pkg", "audit"),
		queue: make(chan *Entry, queueDepth),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.wg.Add(1)
	go l.drain()
	return l
}

// Init creates the audit tables.
func (l *Logger) Init() error {
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Log records an entry synchronously. Defaults are filled in place so
// callers can inspect the generated EntryID. A primary write failure
// falls through to the JSONL fallback; the returned error is non-nil
// only when both backends reject the entry.
func (l *Logger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	if err := l.insert(ctx, e); err != nil {
		if ferr := l.appendFallback(e); ferr != nil {
			return fmt.Errorf("audit: primary: %w (fallback: %v)", err, ferr)
		}
		l.log.Warn("primary audit write failed, entry routed to fallback",
			"entry_id", e.EntryID, "operation", e.Operation, "error", err)
	}
	return nil
}

// Record logs an entry and never propagates a failure to the pipeline.
// When both backends reject the entry the loss is logged and suppressed.
func (l *Logger) Record(ctx context.Context, e *Entry) {
	if err := l.Log(ctx, e); err != nil {
		l.log.Debug("audit entry dropped", "operation", e.Operation, "error", err)
	}
}

// LogAsync queues an entry for background write. When the queue is full
// or the logger is closed, the entry is written synchronously instead of
// being dropped. The closed check runs before the enqueue: after Close
// nothing drains the queue, so an entry parked there would be lost.
func (l *Logger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	select {
	case <-l.done:
		l.persist([]*Entry{e})
		return
	default:
	}
	select {
	case l.queue <- e:
	case <-l.done:
		l.persist([]*Entry{e})
	default:
		l.persist([]*Entry{e})
	}
}

// Close flushes queued entries and stops the background writer.
func (l *Logger) Close() error {
	l.closed.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) drain() {
	defer l.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.persist(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.queue:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			// Drain whatever is still queued.
			for {
				select {
				case e := <-l.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) persist(entries []*Entry) {
	ctx := context.Background()
	for _, e := range entries {
		if err := l.insert(ctx, e); err != nil {
			if ferr := l.appendFallback(e); ferr != nil {
				l.log.Error("audit entry lost",
					"entry_id", e.EntryID, "operation", e.Operation,
					"primary_error", err, "fallback_error", ferr)
				continue
			}
			l.log.Warn("primary audit write failed, entry routed to fallback",
				"entry_id", e.EntryID, "operation", e.Operation, "error", err)
		}
	}
}

func (l *Logger) insert(ctx context.Context, e *Entry) error {
	_, err := dbopen.Exec(ctx, l.db, `
		INSERT INTO audit_log
		  (entry_id, ts, operation, target, resource, run_key, status,
		   attempts, duration_ms, transport, details, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.Timestamp, e.Operation, e.Target, e.Resource, e.RunKey,
		e.Status, e.Attempts, e.DurationMs, e.Transport, e.Details, e.Error)
	return err
}

func (l *Logger) appendFallback(e *Entry) error {
	if l.fallbackPath == "" {
		return fmt.Errorf("no fallback configured")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(l.fallbackPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

func (l *Logger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.idgen()
	}
	if e.Timestamp == 0 {
		e.Timestamp = l.now().UnixMilli()
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = StatusFailed
		} else {
			e.Status = StatusSuccess
		}
	}
}

// Tail returns the most recent entries, newest first.
func (l *Logger) Tail(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT entry_id, ts, operation, target, resource, run_key, status,
		       attempts, duration_ms, transport, details, error_message
		FROM audit_log ORDER BY ts DESC, entry_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: tail: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &e.Operation, &e.Target,
			&e.Resource, &e.RunKey, &e.Status, &e.Attempts, &e.DurationMs,
			&e.Transport, &e.Details, &e.Error); err != nil {
			return nil, fmt.Errorf("audit: tail scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
