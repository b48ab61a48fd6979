package assign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/db/dbtest"
	"horse.fit/storyline/internal/gazetteer"
	"horse.fit/storyline/internal/scoring"
	"horse.fit/storyline/internal/settings"
	"horse.fit/storyline/internal/store"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	store    *store.Store
	primary  *db.Pool
	cache    *db.Pool
	settings *settings.Provider
}

func newFixture(t *testing.T, oracle scoring.Oracle) fixture {
	t.Helper()

	return newFixtureOn(t, dbtest.Open(t, db.RolePrimary), dbtest.Open(t, db.RoleCache), oracle)
}

func newFixtureOn(t *testing.T, primary, cache *db.Pool, oracle scoring.Oracle) fixture {
	t.Helper()

	st, err := store.New(primary, cache, store.ReadFromPrimary, zerolog.Nop())
	require.NoError(t, err)

	gaz, err := gazetteer.Default()
	require.NoError(t, err)

	provider := settings.NewProvider(settings.NewStoreSource(st), 0, zerolog.Nop())
	svc := NewService(Dependencies{
		Store:     st,
		Settings:  provider,
		Gazetteer: gaz,
		Oracle:    oracle,
	}, zerolog.Nop())
	return fixture{svc: svc, store: st, primary: primary, cache: cache, settings: provider}
}

func (f fixture) set(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		require.NoError(t, f.settings.Set(context.Background(), k, v))
	}
}

type articleSpec struct {
	slug      string
	domain    string
	embedding []float64
	tfidf     map[string]float64
	entities  []string
	locations []string
	published time.Time
}

func (f fixture) insertArticle(t *testing.T, spec articleSpec) *db.Article {
	t.Helper()

	text := "normalized " + spec.slug
	enrichedAt := base
	published := spec.published
	if published.IsZero() {
		published = base
	}
	ents := make([]db.Entity, 0, len(spec.entities))
	for _, e := range spec.entities {
		ents = append(ents, db.Entity{Text: e, Label: "GPE"})
	}
	a := &db.Article{
		GUID:               "guid-" + spec.slug,
		URL:                "https://" + spec.domain + "/" + spec.slug,
		Title:              "Title " + spec.slug,
		Summary:            "Summary " + spec.slug,
		SourceName:         spec.domain,
		SourceDomain:       spec.domain,
		PublishedAt:        &published,
		FetchedAt:          published,
		NormalizedText:     &text,
		Embedding:          datatypes.NewJSONSlice(spec.embedding),
		TFIDF:              datatypes.NewJSONType(spec.tfidf),
		Entities:           datatypes.NewJSONSlice(ents),
		ExtractedLocations: datatypes.NewJSONSlice(spec.locations),
		EventType:          "conflict",
		EnrichedAt:         &enrichedAt,
	}
	_, err := f.store.Write(context.Background(), func(tx *store.Tx) error {
		return tx.Create(a)
	})
	require.NoError(t, err)
	return a
}

func (f fixture) insertEvent(t *testing.T, title string, embedding []float64, last time.Time) *db.Event {
	t.Helper()
	e := &db.Event{
		Title:                title,
		Status:               db.EventStatusActive,
		EventType:            "conflict",
		ArticleCount:         1,
		CentroidCount:        1,
		SpectrumDistribution: datatypes.NewJSONType(map[string]int{"center": 1}),
		DetectedCountries:    datatypes.NewJSONSlice([]string{}),
		CentroidEntities:     datatypes.NewJSONSlice([]string{}),
		CentroidEmbedding:    datatypes.NewJSONSlice(embedding),
		CentroidTFIDF:        datatypes.NewJSONType(map[string]float64{}),
		FirstArticleAt:       last,
		LastArticleAt:        last,
	}
	_, err := f.store.Write(context.Background(), func(tx *store.Tx) error {
		return tx.Create(e)
	})
	require.NoError(t, err)
	return e
}

func loadLink(t *testing.T, pool *db.Pool, articleID int64) db.EventArticle {
	t.Helper()
	var link db.EventArticle
	require.NoError(t, pool.GORM().Where("article_id = ?", articleID).First(&link).Error)
	return link
}

func unit(cos float64) []float64 {
	return []float64{cos, math.Sqrt(1 - cos*cos)}
}

func TestAssignSpawnsThenLinks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.insertArticle(t, articleSpec{
		slug: "first", domain: "bbc.co.uk",
		embedding: []float64{1, 0},
		tfidf:     map[string]float64{"gaza": 1},
		entities:  []string{"Gaza", "Cairo"},
		locations: []string{"Gaza"},
	})
	out, err := f.svc.AssignArticle(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionSpawned, out.Action)
	assert.Equal(t, scoring.DecidedByNoCandidates, out.DecidedBy)

	seed := loadLink(t, f.primary, first.ID)
	assert.Equal(t, db.LinkTypeSeed, seed.LinkType)
	require.NotNil(t, seed.SimilarityScore)
	assert.Equal(t, 1.0, *seed.SimilarityScore)

	second := f.insertArticle(t, articleSpec{
		slug: "second", domain: "theguardian.com",
		embedding: unit(0.99),
		tfidf:     map[string]float64{"gaza": 1},
		entities:  []string{"gaza", "Cairo"},
		locations: []string{"Tel Aviv"},
		published: base.Add(2 * time.Hour),
	})
	out, err = f.svc.AssignArticle(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionLinked, out.Action)
	assert.Equal(t, db.LinkTypeScored, out.LinkType)
	assert.InDelta(t, 0.995, out.Score, 1e-9)

	var event db.Event
	require.NoError(t, f.primary.GORM().First(&event, out.EventID).Error)
	assert.Equal(t, 2, event.ArticleCount)
	assert.Equal(t, map[string]int{"center": 1, "left": 1}, event.SpectrumDistribution.Data())
	assert.Equal(t, []string{"IL", "PS"}, []string(event.DetectedCountries))
	assert.Equal(t, []string{"Gaza", "Cairo"}, []string(event.CentroidEntities))
	require.Len(t, event.CentroidEmbedding, 2)
	assert.InDelta(t, (1+0.99)/2, event.CentroidEmbedding[0], 1e-9)
	assert.True(t, event.LastArticleAt.Equal(base.Add(2*time.Hour)))
	assert.True(t, event.FirstArticleAt.Equal(base))

	var mirrored db.Event
	require.NoError(t, f.cache.GORM().First(&mirrored, out.EventID).Error)
	assert.Equal(t, 2, mirrored.ArticleCount)

	again, err := f.svc.AssignArticle(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadyLinked, again.Action)
	assert.Equal(t, out.EventID, again.EventID)
}

func TestAssignCentroidIgnoresInternationalAttachments(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.set(t, map[string]string{
		settings.KeyWeightEmbedding: "0.5",
		settings.KeyWeightTFIDF:     "0.5",
		settings.KeyWeightEntities:  "0",
		settings.KeyThreshold:       "0.40",
	})
	ctx := context.Background()

	first := f.insertArticle(t, articleSpec{
		slug: "first", domain: "bbc.co.uk",
		embedding: []float64{1, 0},
		tfidf:     map[string]float64{"gaza": 1},
	})
	seeded, err := f.svc.AssignArticle(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, ActionSpawned, seeded.Action)

	_, err = f.store.Write(ctx, func(tx *store.Tx) error {
		var event db.Event
		if err := tx.DB().First(&event, seeded.EventID).Error; err != nil {
			return err
		}
		for i := 0; i < 4; i++ {
			slug := fmt.Sprintf("intl-%d", i)
			intl := &db.Article{
				GUID:            "guid-" + slug,
				URL:             "https://aljazeera.com/" + slug,
				Title:           slug,
				SourceDomain:    "aljazeera.com",
				FetchedAt:       base,
				IsInternational: true,
			}
			if err := tx.Create(intl); err != nil {
				return err
			}
			if err := tx.Create(&db.EventArticle{
				EventID:   event.ID,
				ArticleID: intl.ID,
				LinkType:  db.LinkTypeInternational,
				LinkedAt:  base,
			}); err != nil {
				return err
			}
		}
		event.ArticleCount += 4
		return tx.Upsert(&event)
	})
	require.NoError(t, err)

	second := f.insertArticle(t, articleSpec{
		slug: "second", domain: "theguardian.com",
		embedding: []float64{0, 1},
		tfidf:     map[string]float64{"gaza": 1},
	})
	out, err := f.svc.AssignArticle(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, ActionLinked, out.Action)
	assert.Equal(t, seeded.EventID, out.EventID)

	var event db.Event
	require.NoError(t, f.primary.GORM().First(&event, out.EventID).Error)
	assert.Equal(t, 6, event.ArticleCount)
	assert.Equal(t, 2, event.CentroidCount)
	require.Len(t, event.CentroidEmbedding, 2)
	assert.InDelta(t, 0.5, event.CentroidEmbedding[0], 1e-9)
	assert.InDelta(t, 0.5, event.CentroidEmbedding[1], 1e-9)
	assert.InDelta(t, 1.0, event.CentroidTFIDF.Data()["gaza"], 1e-9)
}

func TestAssignReturnsLinkCommittedByAnotherWriter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	event := f.insertEvent(t, "existing", []float64{1, 0}, base)
	article := f.insertArticle(t, articleSpec{slug: "a", domain: "nos.nl", embedding: []float64{0, 1}})

	score := 0.9
	_, err := f.store.Write(ctx, func(tx *store.Tx) error {
		return tx.Create(&db.EventArticle{
			EventID:         event.ID,
			ArticleID:       article.ID,
			LinkType:        db.LinkTypeScored,
			SimilarityScore: &score,
			LinkedAt:        base,
		})
	})
	require.NoError(t, err)

	// The decision below would seed a new event; the claim inside the write
	// must see the committed link instead.
	out, err := f.svc.spawn(ctx, article, scoring.Decision{Action: scoring.ActionSpawn}, scoring.Config{})
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadyLinked, out.Action)
	assert.Equal(t, event.ID, out.EventID)

	var events int64
	require.NoError(t, f.primary.GORM().Model(&db.Event{}).Count(&events).Error)
	assert.Equal(t, int64(1), events)

	out, err = f.svc.link(ctx, article, scoring.Decision{Action: scoring.ActionLink, EventID: event.ID}, Limits{})
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadyLinked, out.Action)
	assert.Equal(t, db.LinkTypeScored, out.LinkType)

	var stored db.Event
	require.NoError(t, f.primary.GORM().First(&stored, event.ID).Error)
	assert.Equal(t, 1, stored.ArticleCount)
	assert.Equal(t, 1, stored.CentroidCount)
}

func TestAssignPicksHigherScoringEventAndRecordsBreakdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.set(t, map[string]string{
		settings.KeyWeightEmbedding: "1",
		settings.KeyWeightTFIDF:     "0",
		settings.KeyWeightEntities:  "0",
	})
	low := f.insertEvent(t, "low", unit(0.81), base)
	high := f.insertEvent(t, "high", unit(0.82), base)

	article := f.insertArticle(t, articleSpec{
		slug: "a", domain: "nos.nl",
		embedding: []float64{1, 0},
		tfidf:     map[string]float64{"storm": 1},
		entities:  []string{"Utrecht"},
	})
	out, err := f.svc.AssignArticle(context.Background(), article.ID)
	require.NoError(t, err)
	assert.Equal(t, high.ID, out.EventID)
	assert.NotEqual(t, low.ID, out.EventID)

	link := loadLink(t, f.primary, article.ID)
	require.NotNil(t, link.SimilarityScore)
	assert.InDelta(t, 0.82, *link.SimilarityScore, 1e-9)

	var breakdown scoring.Breakdown
	require.NoError(t, json.Unmarshal(link.ScoringBreakdown, &breakdown))
	assert.InDelta(t, 0.82, breakdown.Score, 1e-9)
	assert.InDelta(t, 0.82, breakdown.Embedding, 1e-9)
	assert.Equal(t, 1.0, breakdown.Weights.Embedding)
	assert.Equal(t, 0.60, breakdown.Threshold)
	assert.Equal(t, scoring.DecidedByThreshold, breakdown.DecidedBy)
	assert.ElementsMatch(t, []string{scoring.SignalTFIDF, scoring.SignalEntities}, breakdown.Missing)
}

func TestAssignSpawnRecordsBestRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.insertEvent(t, "other", []float64{0, 1}, base)

	article := f.insertArticle(t, articleSpec{
		slug: "a", domain: "example.org",
		embedding: []float64{1, 0},
		tfidf:     map[string]float64{"flood": 1},
		entities:  []string{"Utrecht"},
	})
	out, err := f.svc.AssignArticle(context.Background(), article.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionSpawned, out.Action)

	var seed seedBreakdown
	require.NoError(t, json.Unmarshal(loadLink(t, f.primary, article.ID).ScoringBreakdown, &seed))
	assert.True(t, seed.Seed)
	require.NotNil(t, seed.BestRejected)
	assert.Less(t, seed.BestRejected.Score, 0.60)

	var event db.Event
	require.NoError(t, f.primary.GORM().First(&event, out.EventID).Error)
	assert.Equal(t, map[string]int{gazetteer.UnknownSpectrum: 1}, event.SpectrumDistribution.Data())
}

func TestAssignIgnoresEventsOutsideLookback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.insertEvent(t, "stale", []float64{1, 0}, base.Add(-100*time.Hour))

	article := f.insertArticle(t, articleSpec{
		slug: "a", domain: "nos.nl",
		embedding: []float64{1, 0},
		tfidf:     map[string]float64{"x": 1},
		entities:  []string{"X"},
	})
	out, err := f.svc.AssignArticle(context.Background(), article.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionSpawned, out.Action)
	assert.Equal(t, scoring.DecidedByNoCandidates, out.DecidedBy)
}

type chooseOracle struct {
	pick  func(req scoring.OracleRequest) scoring.Verdict
	calls int
}

func (c *chooseOracle) Decide(_ context.Context, req scoring.OracleRequest) (scoring.Verdict, error) {
	c.calls++
	return c.pick(req), nil
}

func TestAssignOracleLinkType(t *testing.T) {
	t.Parallel()

	oracle := &chooseOracle{pick: func(req scoring.OracleRequest) scoring.Verdict {
		return scoring.ChosenEvent(req.Candidates[2].Candidate.EventID)
	}}
	f := newFixture(t, oracle)
	f.set(t, map[string]string{
		settings.KeyWeightEmbedding: "1",
		settings.KeyWeightTFIDF:     "0",
		settings.KeyWeightEntities:  "0",
		settings.KeyOracleEnabled:   "true",
	})
	f.insertEvent(t, "a", unit(0.70), base)
	f.insertEvent(t, "b", unit(0.68), base)
	third := f.insertEvent(t, "c", unit(0.66), base)

	article := f.insertArticle(t, articleSpec{
		slug: "a", domain: "nos.nl",
		embedding: []float64{1, 0},
		tfidf:     map[string]float64{"x": 1},
		entities:  []string{"X"},
	})
	out, err := f.svc.AssignArticle(context.Background(), article.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, oracle.calls)
	assert.Equal(t, third.ID, out.EventID)
	assert.Equal(t, db.LinkTypeOracle, loadLink(t, f.primary, article.ID).LinkType)
}

func TestAssignRejectsMissingAndUnenriched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.svc.AssignArticle(context.Background(), 404)
	assert.True(t, errors.Is(err, ErrArticleNotFound))

	raw := &db.Article{GUID: "g", URL: "https://nos.nl/raw", Title: "raw", SourceDomain: "nos.nl", FetchedAt: base}
	_, err = f.store.Write(context.Background(), func(tx *store.Tx) error { return tx.Create(raw) })
	require.NoError(t, err)

	_, err = f.svc.AssignArticle(context.Background(), raw.ID)
	assert.True(t, errors.Is(err, ErrArticleNotEnriched))
}

func TestAssignInvalidSettingIsReported(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.set(t, map[string]string{settings.KeyThreshold: "high"})
	article := f.insertArticle(t, articleSpec{slug: "a", domain: "nos.nl", embedding: []float64{1, 0}})

	_, err := f.svc.AssignArticle(context.Background(), article.ID)
	assert.True(t, errors.Is(err, settings.ErrInvalidValue))
}

func TestAssignPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.insertArticle(t, articleSpec{
		slug: "one", domain: "bbc.co.uk",
		embedding: []float64{1, 0},
		tfidf:     map[string]float64{"gaza": 1},
		entities:  []string{"Gaza"},
	})
	f.insertArticle(t, articleSpec{
		slug: "two", domain: "bbc.co.uk",
		embedding: unit(0.99),
		tfidf:     map[string]float64{"gaza": 1},
		entities:  []string{"Gaza"},
	})
	f.insertArticle(t, articleSpec{
		slug: "three", domain: "bbc.co.uk",
		embedding: []float64{0, 1},
		tfidf:     map[string]float64{"market": 1},
		entities:  []string{"Tokyo"},
	})
	raw := &db.Article{GUID: "raw", URL: "https://bbc.co.uk/raw", Title: "raw", SourceDomain: "bbc.co.uk", FetchedAt: base}
	_, err := f.store.Write(context.Background(), func(tx *store.Tx) error { return tx.Create(raw) })
	require.NoError(t, err)

	summary, err := f.svc.AssignPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Linked: 1, Spawned: 2}, summary)

	again, err := f.svc.AssignPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, again.Total())
}

func TestMergeEntitiesCapsAndDedupes(t *testing.T) {
	t.Parallel()

	got := mergeEntities([]string{"Gaza", "Cairo"}, []string{"gaza", "Doha", "Qatar"}, 3)
	assert.Equal(t, []string{"Gaza", "Cairo", "Doha"}, got)

	assert.Equal(t, []float64{0.5, 0.5}, meanDense([]float64{1, 0}, 1, []float64{0, 1}))
	assert.Equal(t, []float64{0, 1}, meanDense([]float64{1, 0, 0}, 3, []float64{0, 1}))
	assert.Equal(t, []float64{1, 0}, meanDense([]float64{1, 0}, 1, nil))
}
