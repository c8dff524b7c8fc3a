package db

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestNewDBAppliesPragmas(t *testing.T) {
	database := openTestDB(t)

	var mode string
	if err := database.QueryRow("PRAGMA journal_mode;").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	var fk int
	if err := database.QueryRow("PRAGMA foreign_keys;").Scan(&fk); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestMigrateUpCreatesSchema(t *testing.T) {
	database := openTestDB(t)

	if err := database.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}

	for _, table := range []string{"scan_records", "scan_status_history"} {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}

	version, dirty, err := database.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if version == 0 || dirty {
		t.Errorf("version = %d dirty = %v after MigrateUp", version, dirty)
	}
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	database := openTestDB(t)
	if err := database.MigrateUp(); err != nil {
		t.Fatalf("first MigrateUp: %v", err)
	}
	if err := database.MigrateUp(); err != nil {
		t.Fatalf("second MigrateUp: %v", err)
	}
}

func TestMigrateVersionBeforeAnyMigration(t *testing.T) {
	database := openTestDB(t)
	version, dirty, err := database.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("version = %d dirty = %v on fresh db, want 0 false", version, dirty)
	}
}

func TestMigrateDownRollsBack(t *testing.T) {
	database := openTestDB(t)
	if err := database.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	if err := database.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}

	var name string
	err := database.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='scan_records'",
	).Scan(&name)
	if err == nil {
		t.Error("scan_records still present after rollback")
	}
}
