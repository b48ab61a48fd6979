package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/metrics"
)

type ReadSource string

const (
	ReadFromPrimary ReadSource = "primary"
	ReadFromCache   ReadSource = "cache"
)

var ErrCacheUnavailable = errors.New("cache store is not enabled")

// ParseReadSource maps a config value onto a ReadSource.
func ParseReadSource(raw string) (ReadSource, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ReadFromPrimary):
		return ReadFromPrimary, nil
	case string(ReadFromCache):
		return ReadFromCache, nil
	default:
		return "", fmt.Errorf("unknown read source %q", raw)
	}
}

// Store writes to the authoritative primary store and mirrors every committed
// entity into the cache store on a best-effort basis.
type Store struct {
	primary    *db.Pool
	cache      *db.Pool
	readSource ReadSource
	logger     zerolog.Logger
}

// New wires a dual-write store. cache may be nil when caching is disabled.
func New(primary, cache *db.Pool, readSource ReadSource, logger zerolog.Logger) (*Store, error) {
	if primary == nil || primary.GORM() == nil {
		return nil, fmt.Errorf("primary store is required")
	}
	if readSource == "" {
		readSource = ReadFromPrimary
	}
	if readSource == ReadFromCache && (cache == nil || cache.GORM() == nil) {
		return nil, fmt.Errorf("read source %q: %w", readSource, ErrCacheUnavailable)
	}
	return &Store{
		primary:    primary,
		cache:      cache,
		readSource: readSource,
		logger:     logger,
	}, nil
}

func (s *Store) CacheEnabled() bool {
	return s != nil && s.cache != nil && s.cache.GORM() != nil
}

func (s *Store) ReadSource() ReadSource {
	if s == nil {
		return ReadFromPrimary
	}
	return s.readSource
}

// Tx is a primary-store transaction that remembers which entities it wrote so
// they can be mirrored after commit.
type Tx struct {
	db       *gorm.DB
	recorded []any
}

// DB exposes the underlying transaction for reads and locking queries.
func (t *Tx) DB() *gorm.DB {
	return t.db
}

// Upsert inserts or fully updates entity by primary key.
func (t *Tx) Upsert(entity any) error {
	if err := t.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(entity).Error; err != nil {
		return fmt.Errorf("upsert %s: %w", entityKind(entity), err)
	}
	t.Record(entity)
	return nil
}

// Create inserts entity, letting the store assign generated keys.
func (t *Tx) Create(entity any) error {
	if err := t.db.Create(entity).Error; err != nil {
		return fmt.Errorf("create %s: %w", entityKind(entity), err)
	}
	t.Record(entity)
	return nil
}

// InsertIgnore inserts entity unless a row with the same key exists. It reports
// whether a row was written.
func (t *Tx) InsertIgnore(entity any) (bool, error) {
	res := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(entity)
	if res.Error != nil {
		return false, fmt.Errorf("insert %s: %w", entityKind(entity), res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	t.Record(entity)
	return true, nil
}

// Record marks entities for mirroring without writing them.
func (t *Tx) Record(entities ...any) {
	t.recorded = append(t.recorded, entities...)
}

// WriteResult reports what happened after the primary commit.
type WriteResult struct {
	Entities int
	Mirror   SyncResult
	CacheErr *CacheWriteError
}

// CacheWriteError describes a partial or total mirror failure. It is returned as a
// value inside WriteResult and never as the Write error.
type CacheWriteError struct {
	Failed int
	Total  int
	Err    error
}

func (e *CacheWriteError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("cache mirror failed for %d of %d entities: %v", e.Failed, e.Total, e.Err)
}

func (e *CacheWriteError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Write runs fn inside one primary transaction. On commit the recorded entities are
// mirrored to the cache; mirror failures are logged and reported in WriteResult.
func (s *Store) Write(ctx context.Context, fn func(tx *Tx) error) (WriteResult, error) {
	if s == nil || s.primary == nil {
		return WriteResult{}, fmt.Errorf("store is not initialized")
	}
	if fn == nil {
		return WriteResult{}, fmt.Errorf("write function is required")
	}

	var recorded []any
	err := s.primary.GORM().WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		tx := &Tx{db: gtx}
		if err := fn(tx); err != nil {
			return err
		}
		recorded = tx.recorded
		return nil
	})
	if err != nil {
		return WriteResult{}, fmt.Errorf("primary write: %w", err)
	}

	result := WriteResult{Entities: len(recorded)}
	if !s.CacheEnabled() || len(recorded) == 0 {
		return result, nil
	}

	result.Mirror = s.SyncToCache(ctx, recorded...)
	if result.Mirror.Failed > 0 {
		result.CacheErr = &CacheWriteError{
			Failed: result.Mirror.Failed,
			Total:  len(recorded),
			Err:    result.Mirror.FirstErr,
		}
	}
	return result, nil
}

// Read runs fn against the configured read source.
func (s *Store) Read(ctx context.Context, fn func(q *gorm.DB) error) error {
	if s == nil || s.primary == nil {
		return fmt.Errorf("store is not initialized")
	}
	if s.readSource == ReadFromCache {
		if !s.CacheEnabled() {
			return ErrCacheUnavailable
		}
		return fn(s.cache.GORM().WithContext(ctx))
	}
	return fn(s.primary.GORM().WithContext(ctx))
}

// ReadPrimary runs fn against the primary store regardless of the read source.
func (s *Store) ReadPrimary(ctx context.Context, fn func(q *gorm.DB) error) error {
	if s == nil || s.primary == nil {
		return fmt.Errorf("store is not initialized")
	}
	return fn(s.primary.GORM().WithContext(ctx))
}

func entityKind(entity any) string {
	switch entity.(type) {
	case *db.Article, db.Article:
		return "article"
	case *db.Event, db.Event:
		return "event"
	case *db.EventArticle, db.EventArticle:
		return "event_article"
	case *db.Setting, db.Setting:
		return "setting"
	default:
		return fmt.Sprintf("%T", entity)
	}
}

func countMirror(result string, n int) {
	if n <= 0 {
		return
	}
	metrics.CacheSyncEntities.WithLabelValues(result).Add(float64(n))
}
