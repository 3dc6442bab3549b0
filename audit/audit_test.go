package audit

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/chatmirror/kit"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA foreign_keys=ON")
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLogger_Init(t *testing.T) {
	db := setupTestDB(t)
	logger := NewLogger(db)
	defer logger.Close()

	if err := logger.Init(); err != nil {
		t.Fatal(err)
	}

	for _, table := range []string{"audit_log", "run_ledger"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("%s table not created", table)
		}
	}
}

func TestLogger_Log_Sync(t *testing.T) {
	db := setupTestDB(t)
	logger := NewLogger(db)
	defer logger.Close()
	logger.Init()

	ctx := context.Background()
	entry := &Entry{
		Operation: "fetch_history",
		Target:    "chat",
		Resource:  "C012ABCDEF",
		Details:   `{"pages":3}`,
	}
	if err := logger.Log(ctx, entry); err != nil {
		t.Fatal(err)
	}

	// Verify defaults were filled.
	if entry.EntryID == "" {
		t.Fatal("entry_id not generated")
	}
	if entry.Timestamp == 0 {
		t.Fatal("timestamp not set")
	}
	if entry.Status != StatusSuccess {
		t.Fatalf("status: got %q, want %q", entry.Status, StatusSuccess)
	}

	// Verify in DB.
	var operation, resource string
	db.QueryRow("SELECT operation, resource FROM audit_log WHERE entry_id = ?", entry.EntryID).
		Scan(&operation, &resource)
	if operation != "fetch_history" {
		t.Fatalf("DB operation: got %q", operation)
	}
	if resource != "C012ABCDEF" {
		t.Fatalf("DB resource: got %q", resource)
	}
}

func TestLogger_LogAsync(t *testing.T) {
	db := setupTestDB(t)
	logger := NewLogger(db)
	logger.Init()

	entry := &Entry{Operation: "async_test"}
	logger.LogAsync(entry)

	// Close flushes the buffer.
	logger.Close()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE operation='async_test'").Scan(&count)
	if count != 1 {
		t.Fatalf("async entry count: got %d", count)
	}
}

func TestLogger_LogAsync_AfterClose(t *testing.T) {
	db := setupTestDB(t)
	logger := NewLogger(db)
	logger.Init()
	logger.Close()

	// Nothing drains the queue anymore; the entry must be written
	// synchronously, not parked.
	logger.LogAsync(&Entry{Operation: "late_entry"})

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE operation='late_entry'").Scan(&count)
	if count != 1 {
		t.Fatalf("post-close entry count: got %d, want 1", count)
	}
}

func TestLogger_FillDefaults_Error(t *testing.T) {
	db := setupTestDB(t)
	logger := NewLogger(db)
	defer logger.Close()
	logger.Init()

	entry := &Entry{
		Operation: "failing_op",
		Error:     "something broke",
	}
	logger.Log(context.Background(), entry)

	if entry.Status != StatusFailed {
		t.Fatalf("status for error entry: got %q", entry.Status)
	}
}

func TestLogger_WithIDGenerator(t *testing.T) {
	db := setupTestDB(t)
	gen := func() string { return "custom_id" }

	logger := NewLogger(db, WithIDGenerator(gen))
	defer logger.Close()
	logger.Init()

	entry := &Entry{Operation: "custom_gen"}
	logger.Log(context.Background(), entry)

	if entry.EntryID != "custom_id" {
		t.Fatalf("custom ID: got %q", entry.EntryID)
	}
}

func TestLogger_FallbackOnPrimaryFailure(t *testing.T) {
	db := setupTestDB(t)
	fallback := filepath.Join(t.TempDir(), "audit.jsonl")
	logger := NewLogger(db, WithFallbackPath(fallback))
	defer logger.Close()
	// Init deliberately skipped: every primary insert fails.

	entry := &Entry{Operation: "orphan_op", Status: StatusRetried}
	if err := logger.Log(context.Background(), entry); err != nil {
		t.Fatalf("Log should not error when fallback absorbs the entry: %v", err)
	}

	data, err := os.ReadFile(fallback)
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(data))
	if !strings.Contains(line, `"operation":"orphan_op"`) {
		t.Fatalf("fallback line missing operation: %q", line)
	}
	if !strings.Contains(line, `"status":"retried"`) {
		t.Fatalf("fallback line missing status: %q", line)
	}
}

func TestLogger_NoFallbackConfigured(t *testing.T) {
	db := setupTestDB(t)
	logger := NewLogger(db)
	defer logger.Close()
	// No Init, no fallback: both backends fail.

	err := logger.Log(context.Background(), &Entry{Operation: "doomed"})
	if err == nil {
		t.Fatal("expected error when both backends fail")
	}
}

func TestLedger_HasRunAndRecordRun(t *testing.T) {
	db := setupTestDB(t)
	logger := NewLogger(db)
	defer logger.Close()
	logger.Init()

	ctx := context.Background()
	const key = "run_deadbeef"

	seen, err := logger.HasRun(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("unrecorded key reported as seen")
	}

	if err := logger.RecordRun(ctx, key, "atlas", "C012ABCDEF"); err != nil {
		t.Fatal(err)
	}
	// Recording is idempotent.
	if err := logger.RecordRun(ctx, key, "atlas", "C012ABCDEF"); err != nil {
		t.Fatal(err)
	}

	seen, err = logger.HasRun(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Fatal("recorded key not reported as seen")
	}
}

func TestLogger_Tail(t *testing.T) {
	db := setupTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	logger := NewLogger(db, WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	defer logger.Close()
	logger.Init()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		logger.Log(ctx, &Entry{Operation: "op"})
	}

	entries, err := logger.Tail(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("tail length: got %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp > entries[i-1].Timestamp {
			t.Fatal("tail not ordered newest first")
		}
	}
}

func TestMiddleware_Success(t *testing.T) {
	db := setupTestDB(t)
	logger := NewLogger(db)
	logger.Init()

	base := func(ctx context.Context, req any) (any, error) {
		return "result", nil
	}

	mw := Middleware(logger, "mirror_sync")
	endpoint := mw(base)

	ctx := kit.WithRunKey(context.Background(), "run_abc")
	ctx = kit.WithTransport(ctx, "mcp")

	resp, err := endpoint(ctx, map[string]string{"project": "atlas"})
	if err != nil {
		t.Fatal(err)
	}
	if resp != "result" {
		t.Fatalf("response: got %v", resp)
	}

	// Close to flush async entries.
	logger.Close()

	var operation, runKey, transport, status string
	db.QueryRow("SELECT operation, run_key, transport, status FROM audit_log WHERE operation='mirror_sync'").
		Scan(&operation, &runKey, &transport, &status)
	if operation != "mirror_sync" {
		t.Fatalf("operation: got %q", operation)
	}
	if runKey != "run_abc" {
		t.Fatalf("run_key: got %q", runKey)
	}
	if transport != "mcp" {
		t.Fatalf("transport: got %q", transport)
	}
	if status != StatusSuccess {
		t.Fatalf("status: got %q", status)
	}
}

func TestMiddleware_Error(t *testing.T) {
	db := setupTestDB(t)
	logger := NewLogger(db)
	logger.Init()

	errFail := errors.New("endpoint failed")
	base := func(ctx context.Context, req any) (any, error) {
		return nil, errFail
	}

	mw := Middleware(logger, "fail_op")
	endpoint := mw(base)

	_, err := endpoint(context.Background(), nil)
	if !errors.Is(err, errFail) {
		t.Fatalf("error: got %v", err)
	}

	logger.Close()

	var status, errMsg string
	db.QueryRow("SELECT status, error_message FROM audit_log WHERE operation='fail_op'").
		Scan(&status, &errMsg)
	if status != StatusFailed {
		t.Fatalf("status: got %q", status)
	}
	if errMsg != "endpoint failed" {
		t.Fatalf("error_message: got %q", errMsg)
	}
}

func TestLogger_BatchFlush(t *testing.T) {
	db := setupTestDB(t)
	logger := NewLogger(db)
	logger.Init()

	for i := 0; i < 50; i++ {
		logger.LogAsync(&Entry{Operation: "batch_test"})
	}

	// Wait for at least one timed flush, then close to flush the rest.
	time.Sleep(100 * time.Millisecond)
	logger.Close()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE operation='batch_test'").Scan(&count)
	if count != 50 {
		t.Fatalf("batch count: got %d, want 50", count)
	}
}
