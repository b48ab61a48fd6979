package assign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/gazetteer"
	"horse.fit/storyline/internal/globaltime"
	"horse.fit/storyline/internal/metrics"
	"horse.fit/storyline/internal/scoring"
	"horse.fit/storyline/internal/settings"
	"horse.fit/storyline/internal/store"
)

const (
	ActionLinked        = "linked"
	ActionSpawned       = "spawned"
	ActionAlreadyLinked = "already_linked"

	seedScore = 1.0
)

var (
	ErrArticleNotFound    = errors.New("article not found")
	ErrArticleNotEnriched = errors.New("article is not enriched")
	ErrEventNotFound      = errors.New("event not found")
)

// Limits bound the candidate scan and centroid growth.
type Limits struct {
	Lookback      time.Duration
	MaxCandidates int
	TermLimit     int
	EntityLimit   int
}

func DefaultLimits() Limits {
	return Limits{
		Lookback:      72 * time.Hour,
		MaxCandidates: 200,
		TermLimit:     200,
		EntityLimit:   100,
	}
}

type Dependencies struct {
	Store     *store.Store
	Settings  *settings.Provider
	Gazetteer *gazetteer.Gazetteer
	// Oracle is optional; near-ties fall back to the numeric decision without it.
	Oracle scoring.Oracle
}

type Service struct {
	store    *store.Store
	settings *settings.Provider
	gaz      *gazetteer.Gazetteer
	oracle   scoring.Oracle
	logger   zerolog.Logger
}

// Outcome describes what happened to one article.
type Outcome struct {
	ArticleID int64
	EventID   int64
	Action    string
	LinkType  string
	Score     float64
	DecidedBy string
	Breakdown scoring.Breakdown
	CacheErr  *store.CacheWriteError
}

// Summary aggregates AssignPending.
type Summary struct {
	Linked        int
	Spawned       int
	AlreadyLinked int
	Failed        int
}

func (s Summary) Total() int {
	return s.Linked + s.Spawned + s.AlreadyLinked + s.Failed
}

func NewService(deps Dependencies, logger zerolog.Logger) *Service {
	return &Service{
		store:    deps.Store,
		settings: deps.Settings,
		gaz:      deps.Gazetteer,
		oracle:   deps.Oracle,
		logger:   logger,
	}
}

// AssignArticle links an enriched article to its best matching active event or
// seeds a new event with it. An article that already has a scored, oracle or
// seed link is returned unchanged.
func (s *Service) AssignArticle(ctx context.Context, articleID int64) (Outcome, error) {
	if s == nil || s.store == nil {
		return Outcome{}, fmt.Errorf("assign service is not initialized")
	}

	article, err := s.loadArticle(ctx, articleID)
	if err != nil {
		return Outcome{}, err
	}

	if existing, ok, err := s.existingLink(ctx, articleID); err != nil {
		return Outcome{}, err
	} else if ok {
		return alreadyLinked(articleID, existing), nil
	}

	cfg, limits, err := s.Config(ctx)
	if err != nil {
		return Outcome{}, err
	}

	candidates, err := s.candidates(ctx, articleTime(article), limits)
	if err != nil {
		return Outcome{}, err
	}

	decision := scoring.Decide(ctx, scoring.Article{
		ID:      article.ID,
		Title:   article.Title,
		Summary: article.Summary,
		Signals: articleSignals(article),
	}, candidates, cfg, s.oracle)
	if decision.OracleErr != nil {
		s.logger.Warn().Err(decision.OracleErr).Int64("article_id", articleID).Msg("decision oracle failed; using numeric decision")
	}

	var out Outcome
	if decision.Action == scoring.ActionLink {
		out, err = s.link(ctx, article, decision, limits)
	} else {
		out, err = s.spawn(ctx, article, decision, cfg)
	}
	if err != nil {
		return Outcome{}, err
	}

	metrics.AssignDecisions.WithLabelValues(out.Action, out.DecidedBy).Inc()
	s.logger.Info().
		Int64("article_id", articleID).
		Int64("event_id", out.EventID).
		Str("action", out.Action).
		Str("decided_by", out.DecidedBy).
		Float64("score", out.Score).
		Int("candidates", len(candidates)).
		Msg("article assigned")
	return out, nil
}

// AssignPending assigns enriched, unlinked, non-international articles in id
// order. A failure on one article is logged and counted; the rest continue.
func (s *Service) AssignPending(ctx context.Context, limit int) (Summary, error) {
	if s == nil || s.store == nil {
		return Summary{}, fmt.Errorf("assign service is not initialized")
	}
	if limit <= 0 {
		limit = 200
	}

	var ids []int64
	err := s.store.ReadPrimary(ctx, func(q *gorm.DB) error {
		return q.Model(&db.Article{}).
			Where("normalized_text IS NOT NULL AND enrichment_skipped = ? AND is_international = ?", false, false).
			Where("NOT EXISTS (SELECT 1 FROM event_articles ea WHERE ea.article_id = articles.article_id)").
			Order("article_id").
			Limit(limit).
			Pluck("article_id", &ids).Error
	})
	if err != nil {
		return Summary{}, fmt.Errorf("select unassigned articles: %w", err)
	}

	summary := Summary{}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		out, err := s.AssignArticle(ctx, id)
		if err != nil {
			summary.Failed++
			s.logger.Error().Err(err).Int64("article_id", id).Msg("assign article failed")
			continue
		}
		switch out.Action {
		case ActionLinked:
			summary.Linked++
		case ActionSpawned:
			summary.Spawned++
		default:
			summary.AlreadyLinked++
		}
	}
	return summary, nil
}

// Config reads the scoring parameters and scan limits from settings.
func (s *Service) Config(ctx context.Context) (scoring.Config, Limits, error) {
	cfg := scoring.DefaultConfig()
	limits := DefaultLimits()
	if s.settings == nil {
		return cfg, limits, nil
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{settings.KeyWeightEmbedding, &cfg.Weights.Embedding},
		{settings.KeyWeightTFIDF, &cfg.Weights.TFIDF},
		{settings.KeyWeightEntities, &cfg.Weights.Entities},
		{settings.KeyThreshold, &cfg.Threshold},
		{settings.KeySecondaryThreshold, &cfg.SecondaryThreshold},
		{settings.KeyPlausibilityBand, &cfg.PlausibilityBand},
	}
	for _, f := range floats {
		v, err := s.settings.NonNegativeFloat(ctx, f.key)
		if err != nil {
			return scoring.Config{}, Limits{}, err
		}
		*f.dst = v
	}

	enabled, err := s.settings.Bool(ctx, settings.KeyOracleEnabled)
	if err != nil {
		return scoring.Config{}, Limits{}, err
	}
	cfg.OracleEnabled = enabled

	ints := []struct {
		key string
		dst *int
	}{
		{settings.KeyOracleTopN, &cfg.OracleTopN},
		{settings.KeyMaxCandidates, &limits.MaxCandidates},
		{settings.KeyCentroidTermLimit, &limits.TermLimit},
		{settings.KeyCentroidEntityLimit, &limits.EntityLimit},
	}
	for _, i := range ints {
		v, err := s.settings.Int(ctx, i.key)
		if err != nil {
			return scoring.Config{}, Limits{}, err
		}
		*i.dst = v
	}

	hours, err := s.settings.Int(ctx, settings.KeyCandidateLookback)
	if err != nil {
		return scoring.Config{}, Limits{}, err
	}
	limits.Lookback = time.Duration(hours) * time.Hour

	if sum := cfg.Weights.Sum(); sum < 0.999 || sum > 1.001 {
		s.logger.Warn().Float64("sum", sum).Msg("scoring weights do not sum to 1.0")
	}
	return cfg, limits, nil
}

func (s *Service) loadArticle(ctx context.Context, articleID int64) (*db.Article, error) {
	var article db.Article
	err := s.store.ReadPrimary(ctx, func(q *gorm.DB) error {
		return q.First(&article, articleID).Error
	})
	if db.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %d", ErrArticleNotFound, articleID)
	}
	if err != nil {
		return nil, fmt.Errorf("load article %d: %w", articleID, err)
	}
	if !article.IsEnriched() {
		return nil, fmt.Errorf("%w: %d", ErrArticleNotEnriched, articleID)
	}
	return &article, nil
}

func (s *Service) existingLink(ctx context.Context, articleID int64) (db.EventArticle, bool, error) {
	var links []db.EventArticle
	err := s.store.ReadPrimary(ctx, func(q *gorm.DB) error {
		return q.Where("article_id = ? AND link_type <> ?", articleID, db.LinkTypeInternational).
			Order("linked_at, event_id").
			Limit(1).
			Find(&links).Error
	})
	if err != nil {
		return db.EventArticle{}, false, fmt.Errorf("load existing link: %w", err)
	}
	if len(links) == 0 {
		return db.EventArticle{}, false, nil
	}
	return links[0], true, nil
}

// candidates scans active events touched within the lookback window of ref on
// the configured read source.
func (s *Service) candidates(ctx context.Context, ref time.Time, limits Limits) ([]scoring.Candidate, error) {
	var events []db.Event
	err := s.store.Read(ctx, func(q *gorm.DB) error {
		query := q.Where("status = ?", db.EventStatusActive)
		if limits.Lookback > 0 {
			query = query.Where("last_article_at >= ?", ref.Add(-limits.Lookback))
		}
		if limits.MaxCandidates > 0 {
			query = query.Limit(limits.MaxCandidates)
		}
		return query.Order("last_article_at DESC, event_id").Find(&events).Error
	})
	if err != nil {
		return nil, fmt.Errorf("load candidate events: %w", err)
	}

	out := make([]scoring.Candidate, 0, len(events))
	for i := range events {
		out = append(out, eventCandidate(&events[i]))
	}
	return out, nil
}

func (s *Service) link(ctx context.Context, article *db.Article, decision scoring.Decision, limits Limits) (Outcome, error) {
	linkType := db.LinkTypeScored
	if decision.DecidedBy == scoring.DecidedByOracle {
		linkType = db.LinkTypeOracle
	}
	breakdown, err := json.Marshal(decision.Breakdown)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode scoring breakdown: %w", err)
	}

	out := Outcome{
		ArticleID: article.ID,
		EventID:   decision.EventID,
		Action:    ActionLinked,
		LinkType:  linkType,
		Score:     decision.Breakdown.Score,
		DecidedBy: decision.DecidedBy,
		Breakdown: decision.Breakdown,
	}

	score := decision.Breakdown.Score
	wr, err := s.store.Write(ctx, func(tx *store.Tx) error {
		if existing, ok, err := claimArticle(tx, article.ID); err != nil {
			return err
		} else if ok {
			out = alreadyLinked(article.ID, existing)
			return nil
		}

		var event db.Event
		if err := tx.DB().Clauses(clause.Locking{Strength: "UPDATE"}).First(&event, decision.EventID).Error; err != nil {
			if db.IsNotFound(err) {
				return fmt.Errorf("%w: %d", ErrEventNotFound, decision.EventID)
			}
			return fmt.Errorf("reload event %d: %w", decision.EventID, err)
		}

		inserted, err := tx.InsertIgnore(&db.EventArticle{
			EventID:          event.ID,
			ArticleID:        article.ID,
			LinkType:         linkType,
			SimilarityScore:  &score,
			ScoringBreakdown: datatypes.JSON(breakdown),
			LinkedAt:         globaltime.UTC(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			out.Action = ActionAlreadyLinked
			return nil
		}

		ApplyArticle(&event, article, s.gaz, limits)
		return tx.Upsert(&event)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("link article %d to event %d: %w", article.ID, decision.EventID, err)
	}
	out.CacheErr = wr.CacheErr
	return out, nil
}

type seedBreakdown struct {
	Seed         bool               `json:"seed"`
	DecidedBy    string             `json:"decided_by"`
	Threshold    float64            `json:"threshold"`
	Weights      scoring.Weights    `json:"weights"`
	BestRejected *scoring.Breakdown `json:"best_rejected,omitempty"`
}

func (s *Service) spawn(ctx context.Context, article *db.Article, decision scoring.Decision, cfg scoring.Config) (Outcome, error) {
	seed := seedBreakdown{
		Seed:      true,
		DecidedBy: decision.DecidedBy,
		Threshold: cfg.Threshold,
		Weights:   cfg.Weights,
	}
	if decision.HasBest {
		best := decision.Breakdown
		seed.BestRejected = &best
	}
	breakdown, err := json.Marshal(seed)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode seed breakdown: %w", err)
	}

	event := NewEventFromArticle(article, s.gaz)
	score := seedScore
	var claimed *Outcome
	wr, err := s.store.Write(ctx, func(tx *store.Tx) error {
		if existing, ok, err := claimArticle(tx, article.ID); err != nil {
			return err
		} else if ok {
			prior := alreadyLinked(article.ID, existing)
			claimed = &prior
			return nil
		}

		if err := tx.Create(event); err != nil {
			return err
		}
		return tx.Create(&db.EventArticle{
			EventID:          event.ID,
			ArticleID:        article.ID,
			LinkType:         db.LinkTypeSeed,
			SimilarityScore:  &score,
			ScoringBreakdown: datatypes.JSON(breakdown),
			LinkedAt:         globaltime.UTC(),
		})
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("seed event from article %d: %w", article.ID, err)
	}
	if claimed != nil {
		return *claimed, nil
	}

	return Outcome{
		ArticleID: article.ID,
		EventID:   event.ID,
		Action:    ActionSpawned,
		LinkType:  db.LinkTypeSeed,
		Score:     seedScore,
		DecidedBy: decision.DecidedBy,
		Breakdown: decision.Breakdown,
		CacheErr:  wr.CacheErr,
	}, nil
}

// claimArticle locks the article row for the rest of tx and returns its
// scored, oracle or seed link if another writer committed one first.
func claimArticle(tx *store.Tx, articleID int64) (db.EventArticle, bool, error) {
	var locked db.Article
	err := tx.DB().Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("article_id").
		First(&locked, articleID).Error
	if db.IsNotFound(err) {
		return db.EventArticle{}, false, fmt.Errorf("%w: %d", ErrArticleNotFound, articleID)
	}
	if err != nil {
		return db.EventArticle{}, false, fmt.Errorf("lock article %d: %w", articleID, err)
	}

	var links []db.EventArticle
	err = tx.DB().
		Where("article_id = ? AND link_type <> ?", articleID, db.LinkTypeInternational).
		Limit(1).
		Find(&links).Error
	if err != nil {
		return db.EventArticle{}, false, fmt.Errorf("recheck links for article %d: %w", articleID, err)
	}
	if len(links) == 0 {
		return db.EventArticle{}, false, nil
	}
	return links[0], true, nil
}

func alreadyLinked(articleID int64, link db.EventArticle) Outcome {
	return Outcome{
		ArticleID: articleID,
		EventID:   link.EventID,
		Action:    ActionAlreadyLinked,
		LinkType:  link.LinkType,
		Score:     derefScore(link.SimilarityScore),
	}
}

func articleSignals(a *db.Article) scoring.Signals {
	return scoring.Signals{
		Embedding: []float64(a.Embedding),
		TFIDF:     a.TFIDF.Data(),
		Entities:  a.EntityTexts(),
	}
}

func eventCandidate(e *db.Event) scoring.Candidate {
	return scoring.Candidate{
		EventID: e.ID,
		Title:   e.Title,
		Summary: e.Summary,
		Signals: scoring.Signals{
			Embedding: []float64(e.CentroidEmbedding),
			TFIDF:     e.CentroidTFIDF.Data(),
			Entities:  []string(e.CentroidEntities),
		},
	}
}

// articleTime is the publication time, or the fetch time when unknown.
func articleTime(a *db.Article) time.Time {
	if a.PublishedAt != nil && !a.PublishedAt.IsZero() {
		return a.PublishedAt.UTC()
	}
	return a.FetchedAt.UTC()
}

func derefScore(score *float64) float64 {
	if score == nil {
		return 0
	}
	return *score
}
