package relevance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/gazetteer"
	"horse.fit/storyline/internal/globaltime"
	"horse.fit/storyline/internal/langdetect"
	"horse.fit/storyline/internal/store"
	"horse.fit/storyline/internal/urlnorm"
)

var ErrEventNotFound = errors.New("event not found")

type Service struct {
	store  *store.Store
	gaz    *gazetteer.Gazetteer
	logger zerolog.Logger
}

// AttachResult summarizes AttachInternational.
type AttachResult struct {
	EventID    int64
	Candidates int
	Attached   int
	ArticleIDs []int64
	CacheErr   *store.CacheWriteError
}

func NewService(st *store.Store, gaz *gazetteer.Gazetteer, logger zerolog.Logger) *Service {
	return &Service{store: st, gaz: gaz, logger: logger}
}

type internationalBreakdown struct {
	KeywordMatches int    `json:"keyword_matches"`
	Domain         string `json:"domain"`
}

// AttachInternational filters candidates for an event and stores the survivors
// as international articles linked to it. International links carry no
// similarity score and only bump the event's article count.
func (s *Service) AttachInternational(ctx context.Context, eventID int64, candidates []Candidate, keywords []string) (AttachResult, error) {
	if s == nil || s.store == nil {
		return AttachResult{}, fmt.Errorf("relevance service is not initialized")
	}
	result := AttachResult{EventID: eventID, Candidates: len(candidates)}

	var event db.Event
	err := s.store.ReadPrimary(ctx, func(q *gorm.DB) error {
		return q.First(&event, eventID).Error
	})
	if db.IsNotFound(err) {
		return result, fmt.Errorf("%w: %d", ErrEventNotFound, eventID)
	}
	if err != nil {
		return result, fmt.Errorf("load event %d: %w", eventID, err)
	}

	existing, err := s.existingURLs(ctx, candidates)
	if err != nil {
		return result, err
	}

	matches := Filter(candidates, keywords, Options{
		ExcludedDomains: s.gaz.ExcludedDomains(),
		HomeCountries:   s.gaz,
		EventCountries:  []string(event.DetectedCountries),
		Existing:        existing,
	})
	if len(matches) == 0 {
		s.logger.Info().Int64("event_id", eventID).Int("candidates", len(candidates)).Msg("no international candidates passed the filter")
		return result, nil
	}

	now := globaltime.UTC()
	wr, err := s.store.Write(ctx, func(tx *store.Tx) error {
		var current db.Event
		if err := tx.DB().Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, eventID).Error; err != nil {
			if db.IsNotFound(err) {
				return fmt.Errorf("%w: %d", ErrEventNotFound, eventID)
			}
			return fmt.Errorf("reload event %d: %w", eventID, err)
		}

		attached := 0
		ids := make([]int64, 0, len(matches))
		for _, m := range matches {
			article := s.internationalArticle(m, now)
			inserted, err := tx.InsertIgnore(article)
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}

			breakdown, err := json.Marshal(internationalBreakdown{KeywordMatches: m.KeywordMatches, Domain: m.Domain})
			if err != nil {
				return fmt.Errorf("encode international breakdown: %w", err)
			}
			if err := tx.Create(&db.EventArticle{
				EventID:          current.ID,
				ArticleID:        article.ID,
				LinkType:         db.LinkTypeInternational,
				ScoringBreakdown: datatypes.JSON(breakdown),
				LinkedAt:         now,
			}); err != nil {
				return err
			}
			attached++
			ids = append(ids, article.ID)
		}
		if attached == 0 {
			return nil
		}

		current.ArticleCount += attached
		result.Attached = attached
		result.ArticleIDs = ids
		return tx.Upsert(&current)
	})
	if err != nil {
		return AttachResult{EventID: eventID, Candidates: len(candidates)}, fmt.Errorf("attach international articles to event %d: %w", eventID, err)
	}
	result.CacheErr = wr.CacheErr

	s.logger.Info().
		Int64("event_id", eventID).
		Int("candidates", len(candidates)).
		Int("matched", len(matches)).
		Int("attached", result.Attached).
		Msg("international articles attached")
	return result, nil
}

func (s *Service) existingURLs(ctx context.Context, candidates []Candidate) (map[string]struct{}, error) {
	urls := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if canonical, _ := urlnorm.Normalize(c.URL); canonical != "" {
			urls = append(urls, canonical)
		}
	}
	existing := make(map[string]struct{}, len(urls))
	if len(urls) == 0 {
		return existing, nil
	}

	var found []string
	err := s.store.ReadPrimary(ctx, func(q *gorm.DB) error {
		return q.Model(&db.Article{}).Where("url IN ?", urls).Pluck("url", &found).Error
	})
	if err != nil {
		return nil, fmt.Errorf("load existing article urls: %w", err)
	}
	for _, u := range found {
		existing[u] = struct{}{}
	}
	return existing, nil
}

func (s *Service) internationalArticle(m Match, fetchedAt time.Time) *db.Article {
	title := strings.TrimSpace(m.Title)
	sourceName := strings.TrimSpace(m.SourceName)
	if sourceName == "" {
		sourceName = m.Domain
	}
	article := &db.Article{
		GUID:            uuid.NewString(),
		URL:             m.NormalizedURL,
		Title:           title,
		Content:         m.Content,
		Summary:         m.Summary,
		SourceName:      sourceName,
		SourceDomain:    m.Domain,
		IsInternational: true,
		Language:        langdetect.PrimaryCode(m.Language),
		PublishedAt:     m.PublishedAt,
		FetchedAt:       fetchedAt,
	}
	if countries := s.gaz.HomeCountries(m.Domain); len(countries) > 0 {
		country := countries[0]
		article.SourceCountry = &country
	}
	return article
}
