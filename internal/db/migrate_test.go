// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"V1__create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"V2__create_b.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER PRIMARY KEY);")},
		"V2__create_b.down.sql": {Data: []byte("DROP TABLE b;")},
		"README.md":             {Data: []byte("ignored")},
		"Vx__bad.up.sql":        {Data: []byte("ignored")},
	}
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n); err != nil {
		t.Fatalf("sqlite_master query failed: %v", err)
	}
	return n == 1
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if !tableExists(t, db, "schema_migrations") {
		t.Fatal("schema_migrations table not found")
	}

	// checksum column must hold a SHA-256 hex digest
	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		9, 123456, "test_migration", "short")
	if err == nil {
		t.Error("insert with short checksum should violate the CHECK constraint")
	}
	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		9, 123456, "test_migration", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("valid insert failed: %v", err)
	}
}

// TestUp_appliesMigrations verifies pending migrations run in version order.
func TestUp_appliesMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if !tableExists(t, db, "a") || !tableExists(t, db, "b") {
		t.Fatal("Up() did not create both tables")
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("len(applied) = %d, want 2", len(applied))
	}
	if applied[0].Description != "create_a" {
		t.Errorf("Description = %q, want 'create_a'", applied[0].Description)
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("len(Checksum) = %d, want 64", len(applied[0].Checksum))
	}

	// Second run is a no-op.
	if err := m.Up(); err != nil {
		t.Errorf("second Up() failed: %v", err)
	}
}

// TestUp_detectsModifiedMigration verifies checksum drift is reported.
func TestUp_detectsModifiedMigration(t *testing.T) {
	db := openMemory(t)
	files := testMigrations()
	if err := NewMigrator(db, files).Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	files["V1__create_a.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id TEXT);")}
	err := NewMigrator(db, files).Up()
	if err == nil || !strings.Contains(err.Error(), "modified") {
		t.Errorf("Up() error = %v, want checksum mismatch", err)
	}
}

// TestDown verifies the last migration is rolled back.
func TestDown(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations())
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if tableExists(t, db, "b") {
		t.Error("Down() did not drop table b")
	}
	if version, _ := m.CurrentVersion(); version != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", version)
	}
}

// TestDown_noMigrations verifies an empty schema cannot be rolled back.
func TestDown_noMigrations(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, fstest.MapFS{})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Down(); err == nil {
		t.Error("Down() with no migrations should return error")
	}
}

// TestEmbeddedMigrations verifies the shipped schema applies cleanly.
func TestEmbeddedMigrations(t *testing.T) {
	db := openMemory(t)
	if err := NewMigrator(db, Migrations()).Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := NewMigrator(db, Migrations()).Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if tableExists(t, db, "posts") {
		t.Error("Down() did not drop posts")
	}
}
