package migrator

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mirajehossain/migrun/internal/db"
	"github.com/mirajehossain/migrun/internal/lock"
)

const testTable = "schema_changelog"

// newTestRunner returns a runner on a fresh SQLite file with an in-memory
// lock taken from reg (a fast-polling one when nil), and a clock that ticks one second per call so row
// order never depends on timer resolution.
func newTestRunner(t *testing.T, reg *lock.MemoryRegistry) (*Runner, *sql.DB) {
	t.Helper()
	sqlDB, dialect, err := db.Open("sqlite", filepath.Join(t.TempDir(), "migrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if reg == nil {
		reg = lock.NewMemoryRegistry().WithPollInterval(10 * time.Millisecond)
	}
	r := NewRunner(sqlDB, dialect, testTable, reg.Handle(lock.KeyFor("test", testTable)), "tester")
	r.LockTimeout = 200 * time.Millisecond
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	require.NoError(t, r.Ensure(context.Background()))
	return r, sqlDB
}

func versioned(version, desc, content string) Script {
	return Script{Version: version, Kind: KindVersioned, Description: desc, Content: content}
}

func repeatable(desc, content string) Script {
	return Script{Kind: KindRepeatable, Description: desc, Content: content}
}

func tableExists(t *testing.T, sqlDB *sql.DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, sqlDB.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?`, name).Scan(&n))
	return n > 0
}

func countRows(t *testing.T, sqlDB *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, sqlDB.QueryRow(query, args...).Scan(&n))
	return n
}
