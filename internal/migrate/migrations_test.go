package migrate

import (
	"context"
	"testing"

	"docforge/internal/db"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	latest, err := Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	got, err := CurrentVersion(context.Background(), conn)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if got != latest || latest < 1 {
		t.Fatalf("expected version %d, got %d", latest, got)
	}
	for _, table := range []string{"projects", "artifacts", "audit_entries", "refinement_requests", "pipeline_leases", "events"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
