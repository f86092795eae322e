// Package testing provides testing utilities and helpers for the earnings service.
package testing

import (
	"path/filepath"
	"testing"

	"github.com/aristath/earnings/internal/database"
)

// NewTestDB creates a temp-file SQLite database with the embedded schema for name applied.
// Returns the database instance and a cleanup function that closes the connection.
//
// Supported schema names:
//   - "earnings" - earnings, market_snapshots, guidance
//   - "coordination" - daily_state, job_locks
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "test_"+name+".db"),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
	}
}
