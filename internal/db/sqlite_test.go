package db

import (
	"path/filepath"
	"testing"
)

func TestInitDBIsSingleton(t *testing.T) {
	ResetDB()
	defer ResetDB()

	path := filepath.Join(t.TempDir(), "bridge.db")
	first, err := InitDB(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := InitDB(filepath.Join(t.TempDir(), "other.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second || GetDB() != first {
		t.Error("expected InitDB to return the same handle")
	}

	var mode string
	if err := first.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != "wal" {
		t.Errorf("expected wal journal mode, got %s", mode)
	}
}

func TestNewTestDBHasSchema(t *testing.T) {
	testDB, err := NewTestDB()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer testDB.Close()

	if _, err := testDB.Exec(`INSERT INTO login_sessions (id, username, created_at, expires_at) VALUES ('a', 'alice', 1, 2)`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var n int
	if err := testDB.QueryRow(`SELECT COUNT(*) FROM login_sessions`).Scan(&n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row, got %d", n)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	testDB, err := NewTestDB()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer testDB.Close()

	if err := runMigrations(testDB); err != nil {
		t.Errorf("expected second migration run to succeed, got %v", err)
	}
}
