package assign

import (
	"sort"
	"strings"

	"gorm.io/datatypes"

	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/entities"
	"horse.fit/storyline/internal/gazetteer"
	"horse.fit/storyline/internal/lexical"
)

// NewEventFromArticle builds an active event whose centroid is the article.
func NewEventFromArticle(a *db.Article, gaz *gazetteer.Gazetteer) *db.Event {
	at := articleTime(a)
	eventType := a.EventType
	if eventType == "" {
		eventType = entities.EventTypeGeneral
	}
	return &db.Event{
		Title:                a.Title,
		Summary:              a.Summary,
		Status:               db.EventStatusActive,
		EventType:            eventType,
		ArticleCount:         1,
		CentroidCount:        1,
		SpectrumDistribution: datatypes.NewJSONType(map[string]int{gaz.Spectrum(a.SourceDomain): 1}),
		DetectedCountries:    datatypes.NewJSONSlice(articleCountries(a, gaz)),
		CentroidEntities:     datatypes.NewJSONSlice(mergeEntities(nil, a.EntityTexts(), 0)),
		CentroidEmbedding:    datatypes.NewJSONSlice(append([]float64(nil), a.Embedding...)),
		CentroidTFIDF:        datatypes.NewJSONType(copyVector(a.TFIDF.Data())),
		FirstArticleAt:       at,
		LastArticleAt:        at,
	}
}

// ApplyArticle folds a newly linked article into the event aggregates. The
// centroid mean is weighted by CentroidCount, not ArticleCount.
func ApplyArticle(e *db.Event, a *db.Article, gaz *gazetteer.Gazetteer, limits Limits) {
	n := e.CentroidCount
	if n < 0 {
		n = 0
	}

	e.CentroidEmbedding = datatypes.NewJSONSlice(meanDense(e.CentroidEmbedding, n, a.Embedding))
	e.CentroidTFIDF = datatypes.NewJSONType(lexical.MeanUpdate(e.CentroidTFIDF.Data(), n, a.TFIDF.Data(), limits.TermLimit))
	e.CentroidEntities = datatypes.NewJSONSlice(mergeEntities(e.CentroidEntities, a.EntityTexts(), limits.EntityLimit))
	e.CentroidCount = n + 1
	e.ArticleCount++

	dist := copyCounts(e.SpectrumDistribution.Data())
	dist[gaz.Spectrum(a.SourceDomain)]++
	e.SpectrumDistribution = datatypes.NewJSONType(dist)

	e.DetectedCountries = datatypes.NewJSONSlice(mergeCountries(e.DetectedCountries, articleCountries(a, gaz)))

	at := articleTime(a)
	if e.LastArticleAt.IsZero() || at.After(e.LastArticleAt) {
		e.LastArticleAt = at
	}
	if e.FirstArticleAt.IsZero() || at.Before(e.FirstArticleAt) {
		e.FirstArticleAt = at
	}
	if (e.EventType == "" || e.EventType == entities.EventTypeGeneral) && a.EventType != "" {
		e.EventType = a.EventType
	}
}

// meanDense folds next into a running mean over n vectors. A dimension change
// restarts the centroid from next; a missing next keeps the mean.
func meanDense(mean []float64, n int, next []float64) []float64 {
	if len(next) == 0 {
		return append([]float64(nil), mean...)
	}
	if len(mean) != len(next) || n == 0 {
		return append([]float64(nil), next...)
	}
	out := make([]float64, len(mean))
	fn := float64(n)
	for i := range mean {
		out[i] = (mean[i]*fn + next[i]) / (fn + 1)
	}
	return out
}

// mergeEntities appends unseen entity texts, case-insensitively, keeping the
// oldest ones when limit is reached.
func mergeEntities(existing, incoming []string, limit int) []string {
	out := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, text := range list {
			key := gazetteer.Key(text)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			if limit > 0 && len(out) >= limit {
				return out
			}
			seen[key] = struct{}{}
			out = append(out, strings.TrimSpace(text))
		}
	}
	return out
}

// articleCountries maps the article's extracted locations to countries.
func articleCountries(a *db.Article, gaz *gazetteer.Gazetteer) []string {
	return gaz.CountriesOf(a.ExtractedLocations)
}

func mergeCountries(existing, incoming []string) []string {
	set := make(map[string]struct{}, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, c := range list {
			if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
				set[c] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func copyVector(v map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(v))
	for k, w := range v {
		out[k] = w
	}
	return out
}

func copyCounts(v map[string]int) map[string]int {
	out := make(map[string]int, len(v)+1)
	for k, c := range v {
		out[k] = c
	}
	return out
}
