package lexical

import (
	"math"
	"sort"
)

// Cosine returns the cosine similarity of two sparse vectors, or 0 when either
// is empty.
func Cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot, normA, normB float64
	for term, wa := range a {
		normA += wa * wa
		if wb, ok := b[term]; ok {
			dot += wa * wb
		}
	}
	for _, wb := range b {
		normB += wb * wb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// MeanUpdate folds one more vector into a running mean over count vectors and
// keeps at most limit of the heaviest terms (limit <= 0 keeps all).
func MeanUpdate(mean map[string]float64, count int, next map[string]float64, limit int) map[string]float64 {
	if count < 0 {
		count = 0
	}
	out := make(map[string]float64, len(mean)+len(next))
	n := float64(count)
	for term, w := range mean {
		out[term] = w * n / (n + 1)
	}
	for term, w := range next {
		out[term] += w / (n + 1)
	}
	return TopTerms(out, limit)
}

// TopTerms keeps the limit heaviest terms, ties broken alphabetically.
func TopTerms(vec map[string]float64, limit int) map[string]float64 {
	if limit <= 0 || len(vec) <= limit {
		return vec
	}
	terms := make([]string, 0, len(vec))
	for term := range vec {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if vec[terms[i]] != vec[terms[j]] {
			return vec[terms[i]] > vec[terms[j]]
		}
		return terms[i] < terms[j]
	})
	out := make(map[string]float64, limit)
	for _, term := range terms[:limit] {
		out[term] = vec[term]
	}
	return out
}
