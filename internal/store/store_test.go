package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"blobs", "items", "edges", "runs", "run_inputs", "run_outputs", "run_logs", "tasks"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	path := "/nonexistent/dir/test.db"

	_, err := Open(path)
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestPragmas(t *testing.T) {
	s := openTestStore(t)

	cases := map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"busy_timeout": "5000",
		"foreign_keys": "1",
	}
	for name, want := range cases {
		if err := s.verifyPragma(name, want); err != nil {
			t.Error(err)
		}
	}
}

func TestSchema_ItemsTable(t *testing.T) {
	s := openTestStore(t)

	columns := getTableColumns(t, s.db, "items")
	expected := []string{
		"item_id", "type", "title", "source_type", "source_id", "external_ref",
		"canonical_uri", "content_digest", "normalization_version", "observed_at",
		"tags", "sensitivity", "blob_ref", "inline_text", "meta", "created_at", "updated_at",
	}
	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("items table missing column %q", col)
		}
	}
}

func TestSchema_TasksTable(t *testing.T) {
	s := openTestStore(t)

	columns := getTableColumns(t, s.db, "tasks")
	expected := []string{
		"task_id", "run_id", "type", "payload", "status", "priority", "due_at",
		"attempts", "max_attempts", "locked_until", "locked_by", "last_error",
		"created_at", "updated_at",
	}
	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("tasks table missing column %q", col)
		}
	}
}

func TestConstraint_ItemPayloadExactlyOne(t *testing.T) {
	s := openTestStore(t)
	now := FormatTime(time.Now())

	insert := `
		INSERT INTO items (item_id, type, source_type, source_id, blob_ref, inline_text, created_at, updated_at)
		VALUES (?, 'note', 'test', 'src', ?, ?, ?, ?)
	`
	if _, err := s.db.Exec(insert, "neither", nil, nil, now, now); err == nil {
		t.Error("expected CHECK failure for item with no payload")
	}

	if _, err := s.db.Exec(`INSERT INTO blobs (digest, size_bytes, created_at) VALUES ('sha256:aa', 1, ?)`, now); err != nil {
		t.Fatalf("insert blob: %v", err)
	}
	if _, err := s.db.Exec(insert, "both", "sha256:aa", "text", now, now); err == nil {
		t.Error("expected CHECK failure for item with two payloads")
	}
	if _, err := s.db.Exec(insert, "inline", nil, "text", now, now); err != nil {
		t.Errorf("inline-only item rejected: %v", err)
	}
}

func TestConstraint_RunLogsAppendOnly(t *testing.T) {
	s := openTestStore(t)
	now := FormatTime(time.Now())

	if _, err := s.db.Exec(`
		INSERT INTO runs (run_id, kind, normalization_version, status, started_at)
		VALUES ('run1', 'cli', 'v1', 'running', ?)
	`, now); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if _, err := s.db.Exec(`
		INSERT INTO run_logs (log_id, run_id, level, message, created_at)
		VALUES ('log1', 'run1', 'info', 'hello', ?)
	`, now); err != nil {
		t.Fatalf("insert log: %v", err)
	}

	if _, err := s.db.Exec(`UPDATE run_logs SET message = 'changed' WHERE log_id = 'log1'`); err == nil {
		t.Error("expected run_logs update to be rejected")
	}
	if _, err := s.db.Exec(`DELETE FROM run_logs WHERE log_id = 'log1'`); err == nil {
		t.Error("expected run_logs delete to be rejected")
	}
}

func TestConstraint_ItemAddressingImmutable(t *testing.T) {
	s := openTestStore(t)
	now := FormatTime(time.Now())

	if _, err := s.db.Exec(`
		INSERT INTO items (item_id, type, source_type, source_id, canonical_uri, inline_text, created_at, updated_at)
		VALUES ('i1', 'note', 'test', 'src', 'https://a.example/', 'x', ?, ?)
	`, now, now); err != nil {
		t.Fatalf("insert item: %v", err)
	}

	if _, err := s.db.Exec(`UPDATE items SET canonical_uri = 'https://b.example/' WHERE item_id = 'i1'`); err == nil {
		t.Error("expected canonical_uri update to be rejected")
	}
	if _, err := s.db.Exec(`UPDATE items SET updated_at = ? WHERE item_id = 'i1'`, now); err != nil {
		t.Errorf("updated_at update rejected: %v", err)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := FormatTime(time.Now())
	boom := errors.New("boom")

	err := s.InTx(ctx, func(q Querier) error {
		if _, err := q.ExecContext(ctx, `INSERT INTO blobs (digest, size_bytes, created_at) VALUES ('sha256:bb', 1, ?)`, now); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want %v", err, boom)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM blobs`).Scan(&count); err != nil {
		t.Fatalf("count blobs: %v", err)
	}
	if count != 0 {
		t.Errorf("blob count after rollback = %d, want 0", count)
	}
}

func TestInTx_Commits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := FormatTime(time.Now())

	err := s.InTx(ctx, func(q Querier) error {
		_, err := q.ExecContext(ctx, `INSERT INTO blobs (digest, size_bytes, created_at) VALUES ('sha256:cc', 1, ?)`, now)
		return err
	})
	if err != nil {
		t.Fatalf("InTx() failed: %v", err)
	}

	var digest string
	if err := s.db.QueryRow(`SELECT digest FROM blobs`).Scan(&digest); err != nil {
		t.Fatalf("select blob: %v", err)
	}
	if digest != "sha256:cc" {
		t.Errorf("digest = %q, want sha256:cc", digest)
	}
}

func TestMigration_SchemaVersion(t *testing.T) {
	s := openTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("query user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}

	indexes := getTableIndexes(t, s.db, "tasks")
	if !contains(indexes, "idx_tasks_run") {
		t.Error("tasks table missing index idx_tasks_run")
	}
}

func TestTimeLayout_SortsLexically(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	earlier := FormatTime(base)
	later := FormatTime(base.Add(time.Nanosecond))

	if !(earlier < later) {
		t.Errorf("FormatTime ordering broken: %q >= %q", earlier, later)
	}

	parsed, err := ParseTime(later)
	if err != nil {
		t.Fatalf("ParseTime() failed: %v", err)
	}
	if !parsed.Equal(base.Add(time.Nanosecond)) {
		t.Errorf("ParseTime() = %v, want %v", parsed, base.Add(time.Nanosecond))
	}

	local := time.Date(2026, 1, 2, 5, 4, 5, 0, time.FixedZone("X", 2*3600))
	if got := FormatTime(local); got != earlier {
		t.Errorf("FormatTime(non-UTC) = %q, want %q", got, earlier)
	}
}

func TestNullTime_RoundTrip(t *testing.T) {
	if ns := NullTime(nil); ns.Valid {
		t.Error("NullTime(nil) should be invalid")
	}
	got, err := ScanNullTime(sql.NullString{})
	if err != nil || got != nil {
		t.Errorf("ScanNullTime(NULL) = %v, %v; want nil, nil", got, err)
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
