package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/harvest/db"
)

// CreateTestDB creates a migrated SQLite job store in a per-test temp dir.
// A file is used instead of :memory: so pooled connections share one database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "harvest_test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
