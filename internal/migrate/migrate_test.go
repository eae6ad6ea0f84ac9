package migrate_test

import (
	"testing"

	"opsline/internal/db"
	"opsline/internal/migrate"
)

func TestMigrateFreshDatabase(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v < 1 {
		t.Fatalf("expected schema version >= 1, got %d", v)
	}

	// Core tables exist after a fresh migration.
	for _, table := range []string{"proposals", "missions", "mission_steps", "agent_events", "reaction_queue", "policies", "triggers", "api_keys"} {
		var n int
		err := conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		if err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if n != 1 {
			t.Errorf("table %s missing after migration", table)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	first, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	second, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if first != second {
		t.Fatalf("version changed on re-run: %d -> %d", first, second)
	}

	var rows int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&rows); err != nil {
		t.Fatalf("count ledger rows: %v", err)
	}
	if rows != first {
		t.Fatalf("expected %d ledger rows, got %d", first, rows)
	}
}

func TestVersionOnUnmigratedDatabase(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected version 0 before migration, got %d", v)
	}
}
