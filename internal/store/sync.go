package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"horse.fit/storyline/internal/db"
)

type Kind string

const (
	KindArticles      Kind = "articles"
	KindEvents        Kind = "events"
	KindEventArticles Kind = "event_articles"
	KindSettings      Kind = "settings"
	KindAll           Kind = "all"

	DefaultBackfillBatchSize = 500
)

func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case KindArticles, KindEvents, KindEventArticles, KindSettings, KindAll:
		return kind, nil
	case "":
		return KindAll, nil
	default:
		return "", fmt.Errorf("unknown entity kind %q", raw)
	}
}

// SyncResult counts mirrored entities. FirstErr keeps the first failure for logging.
type SyncResult struct {
	Synced   int
	Failed   int
	FirstErr error
}

func (r *SyncResult) add(other SyncResult) {
	r.Synced += other.Synced
	r.Failed += other.Failed
	if r.FirstErr == nil {
		r.FirstErr = other.FirstErr
	}
}

// SyncToCache upserts entities into the cache by primary key. Each entity is
// written under its own savepoint so one bad row does not discard the others.
// Failures are counted and logged, never returned.
func (s *Store) SyncToCache(ctx context.Context, entities ...any) SyncResult {
	result := SyncResult{}
	if len(entities) == 0 {
		return result
	}
	if !s.CacheEnabled() {
		result.Failed = len(entities)
		result.FirstErr = ErrCacheUnavailable
		s.logSyncFailure(result)
		return result
	}

	err := s.cache.GORM().WithContext(ctx).Transaction(func(cacheTx *gorm.DB) error {
		for _, entity := range entities {
			upsertErr := cacheTx.Transaction(func(sp *gorm.DB) error {
				return sp.Clauses(clause.OnConflict{UpdateAll: true}).Create(entity).Error
			})
			if upsertErr != nil {
				result.Failed++
				if result.FirstErr == nil {
					result.FirstErr = fmt.Errorf("mirror %s: %w", entityKind(entity), upsertErr)
				}
				continue
			}
			result.Synced++
		}
		return nil
	})
	if err != nil {
		result = SyncResult{
			Failed:   len(entities),
			FirstErr: fmt.Errorf("cache transaction: %w", err),
		}
	}

	countMirror("synced", result.Synced)
	countMirror("failed", result.Failed)
	if result.Failed > 0 {
		s.logSyncFailure(result)
	}
	return result
}

func (s *Store) logSyncFailure(result SyncResult) {
	if s == nil {
		return
	}
	s.logger.Warn().
		Err(result.FirstErr).
		Int("synced", result.Synced).
		Int("failed", result.Failed).
		Msg("cache mirror incomplete")
}

// Backfill copies every row of kind from the primary store into the cache.
func (s *Store) Backfill(ctx context.Context, kind Kind, batchSize int) (SyncResult, error) {
	if s == nil || s.primary == nil {
		return SyncResult{}, fmt.Errorf("store is not initialized")
	}
	if !s.CacheEnabled() {
		return SyncResult{}, ErrCacheUnavailable
	}
	if batchSize <= 0 {
		batchSize = DefaultBackfillBatchSize
	}

	kinds := []Kind{kind}
	if kind == KindAll {
		kinds = []Kind{KindSettings, KindArticles, KindEvents, KindEventArticles}
	}

	total := SyncResult{}
	for _, k := range kinds {
		result, err := s.backfillKind(ctx, k, batchSize)
		total.add(result)
		if err != nil {
			return total, err
		}
		s.logger.Info().
			Str("kind", string(k)).
			Int("synced", result.Synced).
			Int("failed", result.Failed).
			Msg("cache backfill completed")
	}
	return total, nil
}

func (s *Store) backfillKind(ctx context.Context, kind Kind, batchSize int) (SyncResult, error) {
	total := SyncResult{}
	for offset := 0; ; offset += batchSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		page, err := s.loadPage(ctx, kind, offset, batchSize)
		if err != nil {
			return total, fmt.Errorf("load %s page offset=%d: %w", kind, offset, err)
		}
		if len(page) == 0 {
			return total, nil
		}
		total.add(s.SyncToCache(ctx, page...))
		if len(page) < batchSize {
			return total, nil
		}
	}
}

func (s *Store) loadPage(ctx context.Context, kind Kind, offset, limit int) ([]any, error) {
	q := s.primary.GORM().WithContext(ctx).Offset(offset).Limit(limit)
	switch kind {
	case KindArticles:
		var rows []db.Article
		if err := q.Order("article_id ASC").Find(&rows).Error; err != nil {
			return nil, err
		}
		return asEntities(rows), nil
	case KindEvents:
		var rows []db.Event
		if err := q.Order("event_id ASC").Find(&rows).Error; err != nil {
			return nil, err
		}
		return asEntities(rows), nil
	case KindEventArticles:
		var rows []db.EventArticle
		if err := q.Order("event_id ASC, article_id ASC").Find(&rows).Error; err != nil {
			return nil, err
		}
		return asEntities(rows), nil
	case KindSettings:
		var rows []db.Setting
		if err := q.Order(clause.OrderByColumn{Column: clause.Column{Name: "key"}}).Find(&rows).Error; err != nil {
			return nil, err
		}
		return asEntities(rows), nil
	default:
		return nil, errors.New("unsupported entity kind " + string(kind))
	}
}

func asEntities[T any](rows []T) []any {
	out := make([]any, 0, len(rows))
	for i := range rows {
		out = append(out, &rows[i])
	}
	return out
}
