package relevance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/db/dbtest"
	"horse.fit/storyline/internal/gazetteer"
	"horse.fit/storyline/internal/store"
)

type homeCountries map[string][]string

func (h homeCountries) HomeCountries(domain string) []string { return h[domain] }

func TestKeywordMatchesIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	title := "Netanyahu announces new Israel policy"
	assert.Equal(t, 2, KeywordMatches(title, []string{"Netanyahu", "Israel"}))
	assert.Equal(t, 1, KeywordMatches(title, []string{"netanyahu"}))
	assert.Equal(t, 1, KeywordMatches(title, []string{"israel", "ISRAEL", " "}))
	assert.Zero(t, KeywordMatches(title, []string{"Gaza"}))
}

func TestFilterRanksAndDedupes(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		{URL: "https://edition.cnn.com/world/a", Title: "Israel cabinet meets"},
		{URL: "https://www.lemonde.fr/b?utm_source=rss", Title: "Netanyahu et Israel"},
		{URL: "https://www.lemonde.fr/b/#comments", Title: "Netanyahu and Israel again"},
		{URL: "https://nos.nl/c", Title: "Weather in Utrecht"},
		{URL: "https://news.bbc.co.uk/d", Title: "Netanyahu speech"},
		{URL: "not a url", Title: "Israel"},
	}

	got := Filter(candidates, []string{"Netanyahu", "Israel"}, Options{
		Existing: map[string]struct{}{"https://news.bbc.co.uk/d": {}},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "https://www.lemonde.fr/b", got[0].NormalizedURL)
	assert.Equal(t, 2, got[0].KeywordMatches)
	assert.Equal(t, "lemonde.fr", got[0].Domain)
	assert.Equal(t, "https://edition.cnn.com/world/a", got[1].NormalizedURL)
	assert.Equal(t, "cnn.com", got[1].Domain)
	assert.Equal(t, 1, got[1].KeywordMatches)

	assert.Empty(t, Filter(candidates, nil, Options{}))
}

func TestFilterExcludesOutletsOutsideEventCountries(t *testing.T) {
	t.Parallel()

	candidates := []Candidate{
		{URL: "https://www.timesofisrael.com/x", Title: "Israel strikes"},
		{URL: "https://www.haaretz.co.il/y", Title: "Israel debate"},
	}
	lookup := homeCountries{"timesofisrael.com": {"IL"}, "haaretz.co.il": {"IL"}}
	opts := Options{
		ExcludedDomains: []string{"timesofisrael.com", "news.haaretz.co.il"},
		HomeCountries:   lookup,
		EventCountries:  []string{"UA"},
	}

	assert.Empty(t, Filter(candidates, []string{"israel"}, opts))

	opts.EventCountries = []string{"ua", "il"}
	assert.Len(t, Filter(candidates, []string{"israel"}, opts), 2)
}

type fixture struct {
	svc     *Service
	store   *store.Store
	primary *db.Pool
	cache   *db.Pool
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	return newFixtureOn(t, dbtest.Open(t, db.RolePrimary), dbtest.Open(t, db.RoleCache))
}

func newFixtureOn(t *testing.T, primary, cache *db.Pool) fixture {
	t.Helper()
	st, err := store.New(primary, cache, store.ReadFromPrimary, zerolog.Nop())
	require.NoError(t, err)
	gaz, err := gazetteer.Default()
	require.NoError(t, err)
	return fixture{svc: NewService(st, gaz, zerolog.Nop()), store: st, primary: primary, cache: cache}
}

func (f fixture) insertEvent(t *testing.T, countries []string) *db.Event {
	t.Helper()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e := &db.Event{
		Title:                "Gaza ceasefire talks",
		Status:               db.EventStatusActive,
		EventType:            "conflict",
		ArticleCount:         1,
		CentroidCount:        1,
		SpectrumDistribution: datatypes.NewJSONType(map[string]int{"center": 1}),
		DetectedCountries:    datatypes.NewJSONSlice(countries),
		FirstArticleAt:       now,
		LastArticleAt:        now,
	}
	_, err := f.store.Write(context.Background(), func(tx *store.Tx) error { return tx.Create(e) })
	require.NoError(t, err)
	return e
}

func TestAttachInternational(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	event := f.insertEvent(t, []string{"PS", "EG"})

	existing := &db.Article{GUID: "seen", URL: "https://www.aljazeera.com/seen", Title: "Gaza", SourceDomain: "aljazeera.com", FetchedAt: time.Now()}
	_, err := f.store.Write(context.Background(), func(tx *store.Tx) error { return tx.Create(existing) })
	require.NoError(t, err)

	candidates := []Candidate{
		{URL: "https://www.aljazeera.com/seen", Title: "Gaza talks resume"},
		{URL: "https://www.aljazeera.com/new?utm_medium=x", Title: "Gaza ceasefire talks in Cairo", Language: "EN"},
		{URL: "https://www.timesofisrael.com/z", Title: "Gaza ceasefire"},
		{URL: "https://www.nytimes.com/q", Title: "Markets rally"},
	}
	res, err := f.svc.AttachInternational(context.Background(), event.ID, candidates, []string{"Gaza", "ceasefire"})
	require.NoError(t, err)
	assert.Nil(t, res.CacheErr)
	require.Equal(t, 1, res.Attached)
	require.Len(t, res.ArticleIDs, 1)

	var article db.Article
	require.NoError(t, f.primary.GORM().First(&article, res.ArticleIDs[0]).Error)
	assert.True(t, article.IsInternational)
	assert.Equal(t, "https://www.aljazeera.com/new", article.URL)
	assert.Equal(t, "aljazeera.com", article.SourceDomain)
	assert.Equal(t, "en", article.Language)
	require.NotNil(t, article.SourceCountry)
	assert.Equal(t, "QA", *article.SourceCountry)

	var link db.EventArticle
	require.NoError(t, f.primary.GORM().Where("article_id = ?", article.ID).First(&link).Error)
	assert.Equal(t, db.LinkTypeInternational, link.LinkType)
	assert.Nil(t, link.SimilarityScore)
	var breakdown map[string]any
	require.NoError(t, json.Unmarshal(link.ScoringBreakdown, &breakdown))
	assert.EqualValues(t, 2, breakdown["keyword_matches"])

	var updated db.Event
	require.NoError(t, f.cache.GORM().First(&updated, event.ID).Error)
	assert.Equal(t, 2, updated.ArticleCount)
	assert.Equal(t, 1, updated.CentroidCount)

	again, err := f.svc.AttachInternational(context.Background(), event.ID, candidates, []string{"Gaza"})
	require.NoError(t, err)
	assert.Zero(t, again.Attached)
}

func TestAttachInternationalConcurrentBatchesKeepCount(t *testing.T) {
	t.Parallel()

	f := newFixtureOn(t, dbtest.OpenPostgres(t, 8), nil)
	event := f.insertEvent(t, []string{"PS", "EG"})

	const batches = 6
	errs := make([]error, batches)
	var wg sync.WaitGroup
	for i := 0; i < batches; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			candidates := []Candidate{
				{URL: fmt.Sprintf("https://www.aljazeera.com/gaza-%d-a", i), Title: "Gaza ceasefire talks"},
				{URL: fmt.Sprintf("https://www.aljazeera.com/gaza-%d-b", i), Title: "Gaza aid convoy"},
			}
			_, errs[i] = f.svc.AttachInternational(context.Background(), event.ID, candidates, []string{"Gaza"})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	var updated db.Event
	require.NoError(t, f.primary.GORM().First(&updated, event.ID).Error)
	assert.Equal(t, 1+2*batches, updated.ArticleCount)
	assert.Equal(t, 1, updated.CentroidCount)

	var links int64
	require.NoError(t, f.primary.GORM().Model(&db.EventArticle{}).
		Where("event_id = ? AND link_type = ?", event.ID, db.LinkTypeInternational).
		Count(&links).Error)
	assert.Equal(t, int64(2*batches), links)
}

func TestAttachInternationalUnknownEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.svc.AttachInternational(context.Background(), 99, nil, []string{"x"})
	assert.True(t, errors.Is(err, ErrEventNotFound))

	var nilSvc *Service
	_, err = nilSvc.AttachInternational(context.Background(), 1, nil, nil)
	assert.Error(t, err)
}
