package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

var testHeader = []string{"date", "participantId", "attachmentRef", "activityLabel"}

func runStorageTests(t *testing.T, store TableStore) {
	ctx := context.Background()

	// Missing table
	if _, err := store.GetTable(ctx, "2025-05-21"); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("GetTable on missing table: got %v, want ErrTableNotFound", err)
	}

	// Create
	tbl, err := store.CreateTable(ctx, "2025-05-21", testHeader)
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if !reflect.DeepEqual(tbl.Header, testHeader) {
		t.Errorf("CreateTable header: got %v, want %v", tbl.Header, testHeader)
	}
	if _, err := store.CreateTable(ctx, "2025-05-21", testHeader); !errors.Is(err, ErrTableExists) {
		t.Errorf("second CreateTable: got %v, want ErrTableExists", err)
	}
	got, err := store.GetTable(ctx, "2025-05-21")
	if err != nil {
		t.Fatalf("GetTable failed: %v", err)
	}
	if got.Name != "2025-05-21" || !reflect.DeepEqual(got.Header, testHeader) {
		t.Errorf("GetTable: got %+v", got)
	}

	// Empty table lists no rows (the header is not a row)
	rows, err := store.ListRows(ctx, got)
	if err != nil {
		t.Fatalf("ListRows failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("ListRows on new table: got %d rows, want 0", len(rows))
	}

	// Append keeps insertion order
	want := [][]string{
		{"2025-05-21", "alice", "https://x/1.png", "two-sum"},
		{"2025-05-21", "bob", "https://x/2.png", "two-sum"},
		{"2025-05-21", "alice", "https://x/3.png", "lru-cache"},
	}
	for _, row := range want {
		if err := store.AppendRow(ctx, got, row); err != nil {
			t.Fatalf("AppendRow failed: %v", err)
		}
	}
	rows, err = store.ListRows(ctx, got)
	if err != nil {
		t.Fatalf("ListRows failed: %v", err)
	}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("ListRows: got %v, want %v", rows, want)
	}

	// Appending to a missing table fails
	if err := store.AppendRow(ctx, &Table{Name: "nope"}, want[0]); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("AppendRow on missing table: got %v, want ErrTableNotFound", err)
	}

	// ListTables is sorted
	if _, err := store.CreateTable(ctx, "Registered_Users", []string{"participantId", "displayName"}); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if _, err := store.CreateTable(ctx, "2025-05-20", testHeader); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	names, err := store.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables failed: %v", err)
	}
	wantNames := []string{"2025-05-20", "2025-05-21", "Registered_Users"}
	if !reflect.DeepEqual(names, wantNames) {
		t.Errorf("ListTables: got %v, want %v", names, wantNames)
	}

	// Delete
	if err := store.DeleteTable(ctx, "2025-05-21"); err != nil {
		t.Errorf("DeleteTable failed: %v", err)
	}
	if _, err := store.GetTable(ctx, "2025-05-21"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("expected ErrTableNotFound after DeleteTable, got %v", err)
	}
	// A recreated table starts empty
	tbl, err = store.CreateTable(ctx, "2025-05-21", testHeader)
	if err != nil {
		t.Fatalf("CreateTable after delete failed: %v", err)
	}
	rows, err = store.ListRows(ctx, tbl)
	if err != nil || len(rows) != 0 {
		t.Errorf("ListRows after recreate: got %d rows, err %v", len(rows), err)
	}
}

func TestMemoryStore(t *testing.T) {
	runStorageTests(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "tables.json"))
	runStorageTests(t, store)
}

func TestFileStorePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tables.json")

	store := NewFileStore(path)
	tbl, err := store.CreateTable(ctx, "Registered_Users", []string{"participantId", "displayName"})
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if err := store.AppendRow(ctx, tbl, []string{"alice", "Alice A"}); err != nil {
		t.Fatalf("AppendRow failed: %v", err)
	}

	// A new store on the same file sees the same rows.
	reopened := NewFileStore(path)
	tbl, err = reopened.GetTable(ctx, "Registered_Users")
	if err != nil {
		t.Fatalf("GetTable after reopen failed: %v", err)
	}
	rows, err := reopened.ListRows(ctx, tbl)
	if err != nil {
		t.Fatalf("ListRows after reopen failed: %v", err)
	}
	if len(rows) != 1 || rows[0][0] != "alice" {
		t.Errorf("rows after reopen: got %v", rows)
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to create SQLite storage: %v", err)
	}
	defer store.Close()

	runStorageTests(t, store)
}

func TestSQLCreateLosingRaceReportsExists(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create SQLite storage: %v", err)
	}
	defer store.Close()

	if _, err := store.CreateTable(ctx, "2025-05-21", testHeader); err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	// A second process committed the same name first; our insert fails on
	// the primary key.
	unique := errors.New("UNIQUE constraint failed: ledger_tables.name")
	if err := store.createConflict(ctx, "2025-05-21", unique); !errors.Is(err, ErrTableExists) {
		t.Errorf("conflict on existing table: got %v, want ErrTableExists", err)
	}

	// Nothing was created: the failure is a storage error.
	err = store.createConflict(ctx, "2025-05-22", unique)
	var se *Error
	if !errors.As(err, &se) || se.Op != "create" || !errors.Is(err, unique) {
		t.Errorf("conflict on missing table: got %v, want *Error wrapping the cause", err)
	}

	// Two stores on one database file race through the public API.
	other, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to open second store: %v", err)
	}
	defer other.Close()
	if _, err := other.CreateTable(ctx, "2025-05-21", testHeader); !errors.Is(err, ErrTableExists) {
		t.Errorf("second store CreateTable: got %v, want ErrTableExists", err)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{"memory", "file", "sqlite"} {
		store, err := Open(Options{
			Backend:    backend,
			FilePath:   filepath.Join(dir, "tables.json"),
			SQLitePath: filepath.Join(dir, "ledger.db"),
		})
		if err != nil {
			t.Fatalf("Open(%s) failed: %v", backend, err)
		}
		store.Close()
	}
	if _, err := Open(Options{Backend: "spreadsheet"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := Open(Options{Backend: "postgres"}); err == nil {
		t.Error("expected error for postgres without a URL")
	}
}

func TestRewritePlaceholders(t *testing.T) {
	got := postgresDialect{}.RewriteQuery("INSERT INTO ledger_rows (table_name, cells) VALUES (?, ?)")
	want := "INSERT INTO ledger_rows (table_name, cells) VALUES ($1, $2)"
	if got != want {
		t.Errorf("RewriteQuery: got %q, want %q", got, want)
	}
}

func TestErrorWrapping(t *testing.T) {
	base := errors.New("disk full")
	err := wrap("append", "2025-05-21", base)
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if se.Op != "append" || se.Table != "2025-05-21" || !errors.Is(err, base) {
		t.Errorf("unexpected error: %+v", se)
	}
	if wrap("get", "x", ErrTableNotFound) != ErrTableNotFound {
		t.Error("ErrTableNotFound must not be wrapped")
	}
}
