package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/embedding"
	"horse.fit/storyline/internal/entities"
	"horse.fit/storyline/internal/globaltime"
	"horse.fit/storyline/internal/lexical"
	"horse.fit/storyline/internal/metrics"
	"horse.fit/storyline/internal/settings"
	"horse.fit/storyline/internal/store"
)

const (
	DefaultBatchLimit = 200
	DefaultWorkers    = 4
)

// ErrEmbeddingCountMismatch aborts a batch when the provider returns a
// different number of vectors than texts sent.
var ErrEmbeddingCountMismatch = errors.New("embedding count mismatch")

type Dependencies struct {
	Store      *store.Store
	Normalizer *Normalizer
	Vectorizer *lexical.Vectorizer
	Embedders  *embedding.Registry
	Extractor  *entities.Extractor
	// Settings is optional; without it the default embedder and batch limit apply.
	Settings *settings.Provider
	Workers  int
}

type Service struct {
	store      *store.Store
	normalizer *Normalizer
	vectorizer *lexical.Vectorizer
	embedders  *embedding.Registry
	extractor  *entities.Extractor
	settings   *settings.Provider
	workers    int
	logger     zerolog.Logger
}

// Result summarises one batch. Processed+Skipped equals the batch size.
type Result struct {
	BatchID      string
	Processed    int
	Skipped      int
	ModelVersion int64
}

func NewService(deps Dependencies, logger zerolog.Logger) *Service {
	workers := deps.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Service{
		store:      deps.Store,
		normalizer: deps.Normalizer,
		vectorizer: deps.Vectorizer,
		embedders:  deps.Embedders,
		extractor:  deps.Extractor,
		settings:   deps.Settings,
		workers:    workers,
		logger:     logger,
	}
}

// EnrichPending enriches up to limit articles that have never been enriched or
// skipped, oldest id first. limit <= 0 uses the configured batch limit.
func (s *Service) EnrichPending(ctx context.Context, limit int) (Result, error) {
	if err := s.validate(); err != nil {
		return Result{}, err
	}
	if limit <= 0 {
		limit = s.batchLimit(ctx)
	}

	var pending []db.Article
	err := s.store.ReadPrimary(ctx, func(q *gorm.DB) error {
		return q.Where("normalized_text IS NULL AND enrichment_skipped = ?", false).
			Order("article_id").
			Limit(limit).
			Find(&pending).Error
	})
	if err != nil {
		return Result{}, fmt.Errorf("select pending articles: %w", err)
	}
	return s.EnrichBatch(ctx, pending)
}

// EnrichByIDs re-enriches the given articles regardless of their current state.
// Unknown ids are ignored.
func (s *Service) EnrichByIDs(ctx context.Context, ids []int64) (Result, error) {
	if err := s.validate(); err != nil {
		return Result{}, err
	}
	if len(ids) == 0 {
		return Result{}, nil
	}

	var selected []db.Article
	err := s.store.ReadPrimary(ctx, func(q *gorm.DB) error {
		return q.Where("article_id IN ?", ids).Order("article_id").Find(&selected).Error
	})
	if err != nil {
		return Result{}, fmt.Errorf("select articles by id: %w", err)
	}
	return s.EnrichBatch(ctx, selected)
}

type prepared struct {
	article    *db.Article
	norm       Normalized
	extraction entities.Result
	extractErr error
}

// EnrichBatch enriches articles and persists the outcome in one primary
// transaction. Articles whose extraction fails are left pending for a retry.
func (s *Service) EnrichBatch(ctx context.Context, articles []db.Article) (Result, error) {
	if err := s.validate(); err != nil {
		return Result{}, err
	}

	result := Result{BatchID: uuid.NewString()}
	if len(articles) == 0 {
		return result, nil
	}
	logger := s.logger.With().Str("batch_id", result.BatchID).Int("articles", len(articles)).Logger()

	var (
		ready     []*prepared
		skipMarks []*db.Article
	)
	for i := range articles {
		a := &articles[i]
		norm, err := s.normalizer.Normalize(ctx, a)
		if err != nil {
			logger.Warn().Err(err).Int64("article_id", a.ID).Msg("normalization failed; article left pending")
			result.Skipped++
			continue
		}
		if norm.Text == "" {
			markSkipped(a)
			skipMarks = append(skipMarks, a)
			result.Skipped++
			continue
		}
		ready = append(ready, &prepared{article: a, norm: norm})
	}

	var model *lexical.Model
	if len(ready) > 0 {
		var err error
		model, err = s.refit(ctx, ready)
		if err != nil {
			metrics.EnrichBatches.WithLabelValues("failed").Inc()
			return Result{BatchID: result.BatchID}, err
		}
		result.ModelVersion = model.Version

		vectors, err := s.embedAndExtract(ctx, ready)
		if err != nil {
			metrics.EnrichBatches.WithLabelValues("failed").Inc()
			return Result{BatchID: result.BatchID}, err
		}

		now := globaltime.UTC()
		for i, p := range ready {
			if p.extractErr != nil {
				logger.Warn().Err(p.extractErr).Int64("article_id", p.article.ID).Msg("entity extraction failed; article left pending")
				result.Skipped++
				continue
			}
			applyEnrichment(p, model, vectors[i], now)
			result.Processed++
		}
	}

	writes := make([]*db.Article, 0, result.Processed+len(skipMarks))
	for _, p := range ready {
		if p.extractErr == nil {
			writes = append(writes, p.article)
		}
	}
	writes = append(writes, skipMarks...)

	if len(writes) > 0 {
		wr, err := s.store.Write(ctx, func(tx *store.Tx) error {
			for _, a := range writes {
				if err := tx.Upsert(a); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			metrics.EnrichBatches.WithLabelValues("failed").Inc()
			return Result{BatchID: result.BatchID}, fmt.Errorf("persist enrichment batch: %w", err)
		}
		if wr.CacheErr != nil {
			logger.Warn().Err(wr.CacheErr).Msg("enrichment batch not fully mirrored to cache")
		}
	}

	metrics.EnrichBatches.WithLabelValues("completed").Inc()
	metrics.EnrichArticles.WithLabelValues("processed").Add(float64(result.Processed))
	metrics.EnrichArticles.WithLabelValues("skipped").Add(float64(result.Skipped))

	logger.Info().
		Int("processed", result.Processed).
		Int("skipped", result.Skipped).
		Int64("lexical_model_version", result.ModelVersion).
		Msg("enrichment batch completed")
	return result, nil
}

// refit fits a fresh lexical model over every enriched article outside the
// batch plus the batch itself.
func (s *Service) refit(ctx context.Context, ready []*prepared) (*lexical.Model, error) {
	batchIDs := make([]int64, 0, len(ready))
	for _, p := range ready {
		batchIDs = append(batchIDs, p.article.ID)
	}

	var corpus []string
	err := s.store.ReadPrimary(ctx, func(q *gorm.DB) error {
		query := q.Model(&db.Article{}).
			Where("normalized_text IS NOT NULL AND enrichment_skipped = ?", false)
		if len(batchIDs) > 0 {
			query = query.Where("article_id NOT IN ?", batchIDs)
		}
		return query.Pluck("normalized_text", &corpus).Error
	})
	if err != nil {
		return nil, fmt.Errorf("load lexical corpus: %w", err)
	}
	for _, p := range ready {
		corpus = append(corpus, p.norm.Text)
	}

	model, err := s.vectorizer.Refit(corpus)
	if err != nil {
		return nil, fmt.Errorf("refit lexical model: %w", err)
	}
	metrics.LexicalModelVersion.Set(float64(model.Version))
	return model, nil
}

// embedAndExtract runs the batched embedding call alongside bounded per-article
// entity extraction. Extraction errors stay on the article. Embedding errors
// and malformed vectors fail the batch; stored vectors are unit length.
func (s *Service) embedAndExtract(ctx context.Context, ready []*prepared) ([][]float64, error) {
	provider, err := s.embedders.Provider(s.embeddingProviderName(ctx))
	if err != nil {
		return nil, fmt.Errorf("resolve embedding provider: %w", err)
	}

	texts := make([]string, 0, len(ready))
	for _, p := range ready {
		texts = append(texts, p.norm.Clean)
	}

	var vectors [][]float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := provider.EncodeBatch(gctx, texts)
		if err != nil {
			return fmt.Errorf("encode batch with %s: %w", provider.Name(), err)
		}
		if len(out) != len(texts) {
			return fmt.Errorf("%w: sent %d texts, got %d vectors", ErrEmbeddingCountMismatch, len(texts), len(out))
		}
		unit, err := embedding.Normalize(out)
		if err != nil {
			return fmt.Errorf("validate %s embeddings: %w", provider.Name(), err)
		}
		vectors = unit
		return nil
	})
	g.Go(func() error {
		var workers errgroup.Group
		workers.SetLimit(s.workers)
		for _, p := range ready {
			workers.Go(func() error {
				p.extraction, p.extractErr = s.extractor.Extract(gctx, p.article.Title, p.norm.Clean)
				return nil
			})
		}
		return workers.Wait()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func applyEnrichment(p *prepared, model *lexical.Model, vector []float64, now time.Time) {
	a := p.article
	text := p.norm.Text
	a.NormalizedText = &text
	a.Tokens = datatypes.NewJSONSlice(p.norm.Tokens)
	a.Embedding = datatypes.NewJSONSlice(vector)
	a.TFIDF = datatypes.NewJSONType(map[string]float64(model.Transform(text)))
	a.Entities = datatypes.NewJSONSlice(toDBEntities(p.extraction))
	a.ExtractedDates = datatypes.NewJSONSlice(nonNil(p.extraction.Dates))
	a.ExtractedLocations = datatypes.NewJSONSlice(nonNil(p.extraction.Locations))
	a.EventType = p.extraction.EventType
	a.LexicalModelVersion = model.Version
	a.EnrichedAt = &now
	a.EnrichmentSkipped = false
	a.SkipReason = nil
	if p.norm.Language != "" {
		a.Language = p.norm.Language
	}
}

func markSkipped(a *db.Article) {
	empty := ""
	reason := db.SkipReasonEmptyText
	a.NormalizedText = &empty
	a.EnrichmentSkipped = true
	a.SkipReason = &reason
	a.EnrichedAt = nil
}

func toDBEntities(res entities.Result) []db.Entity {
	out := make([]db.Entity, 0, len(res.Entities))
	for _, e := range res.Entities {
		out = append(out, db.Entity{Text: e.Text, Label: e.Label})
	}
	return out
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func (s *Service) batchLimit(ctx context.Context) int {
	if s.settings == nil {
		return DefaultBatchLimit
	}
	limit, err := s.settings.Int(ctx, settings.KeyEnrichBatchLimit)
	if err != nil || limit <= 0 {
		s.logger.Warn().Err(err).Int("fallback", DefaultBatchLimit).Msg("invalid enrichment batch limit")
		return DefaultBatchLimit
	}
	return limit
}

func (s *Service) embeddingProviderName(ctx context.Context) string {
	if s.settings == nil {
		return ""
	}
	name, err := s.settings.Get(ctx, settings.KeyEmbeddingProvider)
	if err != nil {
		s.logger.Warn().Err(err).Msg("read embedding provider setting; using default")
		return ""
	}
	return name
}

func (s *Service) validate() error {
	if s == nil || s.store == nil || s.normalizer == nil || s.vectorizer == nil || s.embedders == nil || s.extractor == nil {
		return fmt.Errorf("enrichment service is not initialized")
	}
	return nil
}
