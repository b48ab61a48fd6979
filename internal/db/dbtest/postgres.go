package dbtest

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"horse.fit/storyline/internal/db"
)

// PostgresURLEnv names the URL-form DSN that enables Postgres-backed tests.
const PostgresURLEnv = "STORYLINE_TEST_DATABASE_URL"

// OpenPostgres returns a migrated primary pool in a fresh schema of the
// database named by PostgresURLEnv. The test is skipped when it is unset.
func OpenPostgres(t testing.TB, maxConns int) *db.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv(PostgresURLEnv))
	if raw == "" {
		t.Skipf("%s is not set", PostgresURLEnv)
	}
	dsn, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", PostgresURLEnv, err)
	}

	admin, err := gorm.Open(postgres.Open(raw), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open postgres admin connection: %v", err)
	}
	adminDB, err := admin.DB()
	if err != nil {
		t.Fatalf("get postgres admin sql db: %v", err)
	}

	schema := fmt.Sprintf("storyline_test_%d_%d", os.Getpid(), counter.Add(1))
	if err := admin.Exec("CREATE SCHEMA " + schema).Error; err != nil {
		_ = adminDB.Close()
		t.Fatalf("create schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		_ = admin.Exec("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Error
		_ = adminDB.Close()
	})

	query := dsn.Query()
	query.Set("search_path", schema)
	dsn.RawQuery = query.Encode()

	pool, err := db.Open(context.Background(), db.Options{
		Role:        db.RolePrimary,
		Dialector:   postgres.Open(dsn.String()),
		LogLevel:    "silent",
		Environment: "test",
		MaxOpen:     maxConns,
		MaxIdle:     maxConns,
	})
	if err != nil {
		t.Fatalf("open postgres test database: %v", err)
	}
	t.Cleanup(func() {
		_ = pool.Close()
	})
	return pool
}
