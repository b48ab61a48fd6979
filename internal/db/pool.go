package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"horse.fit/storyline/internal/config"
	"horse.fit/storyline/internal/globaltime"
)

const (
	RolePrimary = "primary"
	RoleCache   = "cache"
)

// Options describes one gorm connection pool.
type Options struct {
	Role        string
	Dialector   gorm.Dialector
	LogLevel    string
	Environment string
	MaxOpen     int
	MaxIdle     int
}

type Pool struct {
	gdb   *gorm.DB
	sqlDB *sql.DB
	role  string
}

// NewPool opens the authoritative Postgres store.
func NewPool(ctx context.Context, cfg *config.Config) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	maxOpen := int(cfg.DBMaxConns)
	if maxOpen <= 0 {
		maxOpen = 8
	}
	return Open(ctx, Options{
		Role:        RolePrimary,
		Dialector:   postgres.Open(cfg.DatabaseURL),
		LogLevel:    cfg.LogLevel,
		Environment: cfg.Environment,
		MaxOpen:     maxOpen,
		MaxIdle:     max(1, min(int(cfg.DBMinConns), maxOpen)),
	})
}

// NewCachePool opens the local SQLite cache store.
func NewCachePool(ctx context.Context, cfg *config.Config) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	return OpenSQLite(ctx, RoleCache, cfg.CacheDSN, cfg.LogLevel, cfg.Environment)
}

// OpenSQLite opens a single-connection SQLite pool. SQLite allows one writer, so the
// pool never holds more than one connection.
func OpenSQLite(ctx context.Context, role, dsn, logLevel, environment string) (*Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}
	return Open(ctx, Options{
		Role:        role,
		Dialector:   sqlite.Open(dsn),
		LogLevel:    logLevel,
		Environment: environment,
		MaxOpen:     1,
		MaxIdle:     1,
	})
}

func Open(ctx context.Context, opts Options) (*Pool, error) {
	if opts.Dialector == nil {
		return nil, fmt.Errorf("database dialector is required")
	}
	role := strings.TrimSpace(opts.Role)
	if role == "" {
		role = RolePrimary
	}

	gdb, err := gorm.Open(opts.Dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(resolveGormLogLevel(opts.LogLevel, opts.Environment)),
		NowFunc: globaltime.UTC,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", role, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get %s sql db: %w", role, err)
	}

	maxOpen := opts.MaxOpen
	if maxOpen <= 0 {
		maxOpen = 1
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(max(1, min(opts.MaxIdle, maxOpen)))
	if gdb.Dialector.Name() != "sqlite" {
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s database: %w", role, err)
	}

	pool := &Pool{
		gdb:   gdb,
		sqlDB: sqlDB,
		role:  role,
	}
	if err := pool.autoMigrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto-migrate %s schema: %w", role, err)
	}

	return pool, nil
}

func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.sqlDB == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	return p.sqlDB.PingContext(ctx)
}

func (p *Pool) Close() error {
	if p == nil || p.sqlDB == nil {
		return nil
	}
	return p.sqlDB.Close()
}

func (p *Pool) Role() string {
	if p == nil {
		return ""
	}
	return p.role
}

func (p *Pool) GORM() *gorm.DB {
	if p == nil {
		return nil
	}
	return p.gdb
}

func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows)
}

func resolveGormLogLevel(appLogLevel, environment string) logger.LogLevel {
	level := strings.ToLower(strings.TrimSpace(appLogLevel))
	switch level {
	case "trace", "debug":
		return logger.Info
	case "warn", "warning", "info", "":
		return logger.Warn
	case "error":
		return logger.Error
	case "silent", "disabled":
		return logger.Silent
	default:
		if strings.EqualFold(strings.TrimSpace(environment), "local") {
			return logger.Warn
		}
		return logger.Error
	}
}
