// Package dbtest opens throwaway in-memory SQLite pools for package tests.
package dbtest

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"horse.fit/storyline/internal/db"
)

var counter atomic.Int64

// Open returns a migrated in-memory pool that is closed when the test ends.
func Open(t testing.TB, role string) *db.Pool {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s_%d?mode=memory&cache=shared", name, role, counter.Add(1))

	pool, err := db.OpenSQLite(context.Background(), role, dsn, "silent", "test")
	if err != nil {
		t.Fatalf("open %s test database: %v", role, err)
	}
	t.Cleanup(func() {
		_ = pool.Close()
	})
	return pool
}
