package lexical

import (
	"errors"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"horse.fit/storyline/internal/globaltime"
)

var ErrEmptyCorpus = errors.New("lexical corpus is empty")

// Vector is a sparse term → weight map.
type Vector map[string]float64

type Options struct {
	// MaxFeatures keeps only the most document-frequent terms; 0 keeps all.
	MaxFeatures int
	// NgramMax is the longest n-gram emitted; 1 means unigrams only.
	NgramMax int
	// MinDF drops terms seen in fewer documents.
	MinDF int
}

// Model is an immutable fitted vocabulary. A Model is never modified after Refit
// returns it, so batches can keep using the snapshot they fitted.
type Model struct {
	Version  int64
	FittedAt time.Time
	DocCount int
	ngramMax int
	idf      map[string]float64
}

// Vectorizer refits a Model over a full corpus and publishes it as current.
// Concurrent refits are allowed; the last one to finish becomes current.
type Vectorizer struct {
	opts    Options
	version atomic.Int64
	current atomic.Pointer[Model]
}

func NewVectorizer(opts Options) *Vectorizer {
	if opts.NgramMax < 1 {
		opts.NgramMax = 1
	}
	if opts.MinDF < 1 {
		opts.MinDF = 1
	}
	if opts.MaxFeatures < 0 {
		opts.MaxFeatures = 0
	}
	return &Vectorizer{opts: opts}
}

// Current returns the most recently published model, or nil before the first fit.
func (v *Vectorizer) Current() *Model {
	return v.current.Load()
}

// Refit fits a new model over corpus, where each document is whitespace-separated
// normalized text.
func (v *Vectorizer) Refit(corpus []string) (*Model, error) {
	docFreq := make(map[string]int)
	docs := 0
	for _, doc := range corpus {
		terms := Terms(doc, v.opts.NgramMax)
		if len(terms) == 0 {
			continue
		}
		docs++
		seen := make(map[string]struct{}, len(terms))
		for _, term := range terms {
			if _, ok := seen[term]; ok {
				continue
			}
			seen[term] = struct{}{}
			docFreq[term]++
		}
	}
	if docs == 0 {
		return nil, ErrEmptyCorpus
	}

	vocab := make([]string, 0, len(docFreq))
	for term, df := range docFreq {
		if df >= v.opts.MinDF {
			vocab = append(vocab, term)
		}
	}
	if v.opts.MaxFeatures > 0 && len(vocab) > v.opts.MaxFeatures {
		sort.Slice(vocab, func(i, j int) bool {
			if docFreq[vocab[i]] != docFreq[vocab[j]] {
				return docFreq[vocab[i]] > docFreq[vocab[j]]
			}
			return vocab[i] < vocab[j]
		})
		vocab = vocab[:v.opts.MaxFeatures]
	}

	n := float64(docs)
	idf := make(map[string]float64, len(vocab))
	for _, term := range vocab {
		idf[term] = math.Log((1+n)/(1+float64(docFreq[term]))) + 1
	}

	model := &Model{
		Version:  v.version.Add(1),
		FittedAt: globaltime.UTC(),
		DocCount: docs,
		ngramMax: v.opts.NgramMax,
		idf:      idf,
	}
	v.current.Store(model)
	return model, nil
}

// VocabularySize reports how many terms the model weights.
func (m *Model) VocabularySize() int {
	if m == nil {
		return 0
	}
	return len(m.idf)
}

// Transform projects text onto the model vocabulary as an L2-normalized TF-IDF
// vector. Out-of-vocabulary terms are ignored.
func (m *Model) Transform(text string) Vector {
	if m == nil {
		return nil
	}
	counts := make(map[string]float64)
	for _, term := range Terms(text, m.ngramMax) {
		if _, ok := m.idf[term]; ok {
			counts[term]++
		}
	}
	if len(counts) == 0 {
		return Vector{}
	}

	out := make(Vector, len(counts))
	var norm float64
	for term, tf := range counts {
		w := tf * m.idf[term]
		out[term] = w
		norm += w * w
	}
	norm = math.Sqrt(norm)
	for term := range out {
		out[term] /= norm
	}
	return out
}

// Terms splits normalized text into unigrams and, up to ngramMax, joined n-grams.
func Terms(text string, ngramMax int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if ngramMax < 1 {
		ngramMax = 1
	}
	out := make([]string, 0, len(words)*ngramMax)
	out = append(out, words...)
	for n := 2; n <= ngramMax; n++ {
		for i := 0; i+n <= len(words); i++ {
			out = append(out, strings.Join(words[i:i+n], " "))
		}
	}
	return out
}
