package scoring

import (
	"math"
	"sort"
	"strings"

	"horse.fit/storyline/internal/lexical"
)

// Tolerance absorbs floating point error in threshold comparisons.
const Tolerance = 1e-9

const (
	SignalEmbedding = "embedding"
	SignalTFIDF     = "tfidf"
	SignalEntities  = "entities"
)

type Weights struct {
	Embedding float64 `json:"embedding"`
	TFIDF     float64 `json:"tfidf"`
	Entities  float64 `json:"entities"`
}

// Sum is informational; weights are not renormalized.
func (w Weights) Sum() float64 {
	return w.Embedding + w.TFIDF + w.Entities
}

// Signals are the comparable features of an article or an event centroid.
type Signals struct {
	Embedding []float64
	TFIDF     map[string]float64
	Entities  []string
}

type Contributions struct {
	Embedding float64 `json:"embedding"`
	TFIDF     float64 `json:"tfidf"`
	Entities  float64 `json:"entities"`
}

// Breakdown is the persisted explanation of one article/event comparison.
type Breakdown struct {
	EventID       int64         `json:"event_id,omitempty"`
	Embedding     float64       `json:"embedding"`
	TFIDF         float64       `json:"tfidf"`
	Entities      float64       `json:"entities"`
	Weights       Weights       `json:"weights"`
	Contributions Contributions `json:"contributions"`
	Score         float64       `json:"score"`
	Threshold     float64       `json:"threshold"`
	Missing       []string      `json:"missing,omitempty"`
	DecidedBy     string        `json:"decided_by,omitempty"`
}

// Score combines the three similarity signals. A signal missing on either side
// contributes zero and the remaining weights are left as they are.
func Score(article, event Signals, w Weights) Breakdown {
	b := Breakdown{Weights: w}

	if len(article.Embedding) == 0 || len(event.Embedding) == 0 {
		b.Missing = append(b.Missing, SignalEmbedding)
	} else {
		b.Embedding = CosineDense(article.Embedding, event.Embedding)
	}
	if len(article.TFIDF) == 0 || len(event.TFIDF) == 0 {
		b.Missing = append(b.Missing, SignalTFIDF)
	} else {
		b.TFIDF = lexical.Cosine(article.TFIDF, event.TFIDF)
	}
	if len(article.Entities) == 0 || len(event.Entities) == 0 {
		b.Missing = append(b.Missing, SignalEntities)
	} else {
		b.Entities = Jaccard(article.Entities, event.Entities)
	}

	b.Contributions = Contributions{
		Embedding: w.Embedding * b.Embedding,
		TFIDF:     w.TFIDF * b.TFIDF,
		Entities:  w.Entities * b.Entities,
	}
	b.Score = b.Contributions.Embedding + b.Contributions.TFIDF + b.Contributions.Entities
	return b
}

// Passes reports score >= threshold within Tolerance.
func Passes(score, threshold float64) bool {
	return score >= threshold-Tolerance
}

// CosineDense returns the cosine similarity of two dense vectors, or 0 when
// their dimensions differ or either has zero norm.
func CosineDense(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Jaccard is |A∩B| / |A∪B| over case-folded entity texts.
func Jaccard(a, b []string) float64 {
	setA := foldSet(a)
	setB := foldSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for k := range setA {
		if _, ok := setB[k]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func foldSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if k := strings.ToLower(strings.Join(strings.Fields(v), " ")); k != "" {
			out[k] = struct{}{}
		}
	}
	return out
}

// Candidate is an event considered for an article.
type Candidate struct {
	EventID int64
	Title   string
	Summary string
	Signals Signals
}

type Scored struct {
	Candidate Candidate
	Breakdown Breakdown
}

// Rank scores every candidate and orders them by score descending, breaking
// ties by the smaller event id.
func Rank(article Signals, candidates []Candidate, w Weights) []Scored {
	out := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		b := Score(article, c.Signals, w)
		b.EventID = c.EventID
		out = append(out, Scored{Candidate: c, Breakdown: b})
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Breakdown.Score, out[j].Breakdown.Score
		if si != sj {
			return si > sj
		}
		return out[i].Candidate.EventID < out[j].Candidate.EventID
	})
	return out
}
