package datastore

import (
	"context"
	"testing"
)

func TestFailedMigrationRollsBack(t *testing.T) {
	l, err := NewSQLLog(":memory:")
	if err != nil {
		t.Fatalf("NewSQLLog: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	ctx := context.Background()

	err = l.applyMigration(ctx, 3, []string{
		"CREATE TABLE extra (x INTEGER)",
		"THIS IS NOT SQL",
	})
	if err == nil {
		t.Fatalf("applyMigration: expected error")
	}
	if v, _ := l.SchemaVersion(ctx); v != 2 {
		t.Fatalf("SchemaVersion after failed migration = %d, want 2", v)
	}
	var n int
	if err := l.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'extra'").Scan(&n); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if n != 0 {
		t.Fatalf("table from failed migration was kept")
	}

	if err := l.applyMigration(ctx, 3, []string{"CREATE TABLE extra (x INTEGER)"}); err != nil {
		t.Fatalf("applyMigration: %v", err)
	}
	if v, _ := l.SchemaVersion(ctx); v != 3 {
		t.Fatalf("SchemaVersion = %d, want 3", v)
	}
}
