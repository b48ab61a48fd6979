package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/gazetteer"
	"horse.fit/storyline/internal/globaltime"
	"horse.fit/storyline/internal/langdetect"
	"horse.fit/storyline/internal/payloadschema"
	"horse.fit/storyline/internal/reader"
	"horse.fit/storyline/internal/store"
	"horse.fit/storyline/internal/urlnorm"
)

var ErrInvalidURL = errors.New("article url is not an absolute http(s) URL")

// Fetcher downloads the readable body of an article page.
type Fetcher interface {
	FetchText(ctx context.Context, pageURL, fallback string) (string, error)
}

// ReaderFetcher fetches bodies with the readability extractor.
type ReaderFetcher struct {
	Options reader.FetchOptions
}

func (f ReaderFetcher) FetchText(ctx context.Context, pageURL, fallback string) (string, error) {
	return reader.FetchText(ctx, pageURL, fallback, f.Options)
}

type Service struct {
	store   *store.Store
	gaz     *gazetteer.Gazetteer
	fetcher Fetcher
	logger  zerolog.Logger
}

type Result struct {
	ArticleID int64
	URL       string
	Inserted  bool
	Duplicate bool
	Fetched   bool
	CacheErr  *store.CacheWriteError
}

type BatchResult struct {
	Inserted   int
	Duplicates int
	Failed     int
	ArticleIDs []int64
}

// NewService wires ingest. fetcher may be nil, in which case articles without
// content are stored with whatever summary they carry.
func NewService(st *store.Store, gaz *gazetteer.Gazetteer, fetcher Fetcher, logger zerolog.Logger) *Service {
	return &Service{
		store:   st,
		gaz:     gaz,
		fetcher: fetcher,
		logger:  logger,
	}
}

// IngestOne stores a validated article payload unless its canonical URL is
// already present.
func (s *Service) IngestOne(ctx context.Context, item *payloadschema.Article) (Result, error) {
	if s == nil || s.store == nil {
		return Result{}, fmt.Errorf("ingest service is not initialized")
	}
	if item == nil {
		return Result{}, fmt.Errorf("article payload is required")
	}

	canonical, _ := urlnorm.Normalize(item.URL)
	if canonical == "" {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidURL, item.URL)
	}
	result := Result{URL: canonical}

	existingID, found, err := s.lookupURL(ctx, canonical)
	if err != nil {
		return Result{}, err
	}
	if found {
		result.ArticleID = existingID
		result.Duplicate = true
		return result, nil
	}

	published, err := item.PublishedTime()
	if err != nil {
		return Result{}, err
	}

	domain := urlnorm.RegistrableDomain(item.SourceDomain)
	if domain == "" {
		domain = urlnorm.RegistrableDomain(canonical)
	}

	content := strings.TrimSpace(item.Content)
	if content == "" && s.fetcher != nil {
		fetched, err := s.fetcher.FetchText(ctx, canonical, "")
		if err != nil {
			s.logger.Warn().Err(err).Str("url", canonical).Msg("article body fetch failed")
		} else if fetched = strings.TrimSpace(fetched); fetched != "" {
			content = fetched
			result.Fetched = true
		}
	}

	guid := strings.TrimSpace(item.GUID)
	if guid == "" {
		guid = uuid.NewString()
	}

	article := &db.Article{
		GUID:            guid,
		URL:             canonical,
		Title:           strings.TrimSpace(item.Title),
		Content:         content,
		Summary:         strings.TrimSpace(item.Summary),
		SourceName:      strings.TrimSpace(item.SourceName),
		SourceDomain:    domain,
		SourceCountry:   s.sourceCountry(item.SourceCountry, domain),
		IsInternational: item.IsInternational,
		Language:        langdetect.PrimaryCode(item.Language),
		PublishedAt:     published,
		FetchedAt:       globaltime.UTC(),
	}

	wr, err := s.store.Write(ctx, func(tx *store.Tx) error {
		inserted, err := tx.InsertIgnore(article)
		if err != nil {
			return err
		}
		result.Inserted = inserted
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("store article %s: %w", canonical, err)
	}
	result.CacheErr = wr.CacheErr

	if !result.Inserted {
		// A concurrent ingest or a reused guid won the insert.
		result.Duplicate = true
		if id, ok, err := s.lookupURL(ctx, canonical); err == nil && ok {
			result.ArticleID = id
		}
		return result, nil
	}
	result.ArticleID = article.ID

	s.logger.Info().
		Int64("article_id", article.ID).
		Str("url", canonical).
		Str("source_domain", domain).
		Bool("fetched", result.Fetched).
		Msg("article ingested")
	return result, nil
}

// IngestBatch ingests items in order. Per-item failures are logged and counted.
func (s *Service) IngestBatch(ctx context.Context, items []*payloadschema.Article) (BatchResult, error) {
	if s == nil || s.store == nil {
		return BatchResult{}, fmt.Errorf("ingest service is not initialized")
	}

	out := BatchResult{}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.IngestOne(ctx, item)
		if err != nil {
			out.Failed++
			s.logger.Error().Err(err).Msg("ingest article failed")
			continue
		}
		if res.Duplicate {
			out.Duplicates++
			continue
		}
		out.Inserted++
		out.ArticleIDs = append(out.ArticleIDs, res.ArticleID)
	}
	return out, nil
}

func (s *Service) lookupURL(ctx context.Context, canonical string) (int64, bool, error) {
	var ids []int64
	err := s.store.ReadPrimary(ctx, func(q *gorm.DB) error {
		return q.Model(&db.Article{}).Where("url = ?", canonical).Limit(1).Pluck("article_id", &ids).Error
	})
	if err != nil {
		return 0, false, fmt.Errorf("lookup article url: %w", err)
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], true, nil
}

func (s *Service) sourceCountry(explicit *string, domain string) *string {
	if explicit != nil {
		if c := strings.ToUpper(strings.TrimSpace(*explicit)); c != "" {
			return &c
		}
	}
	if countries := s.gaz.HomeCountries(domain); len(countries) > 0 {
		c := countries[0]
		return &c
	}
	return nil
}
