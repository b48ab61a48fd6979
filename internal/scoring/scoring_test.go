package scoring

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unit returns a 2-d unit vector whose cosine with [1, 0] is cos.
func unit(cos float64) []float64 {
	return []float64{cos, math.Sqrt(1 - cos*cos)}
}

func embeddingOnly(threshold float64) Config {
	cfg := DefaultConfig()
	cfg.Weights = Weights{Embedding: 1}
	cfg.Threshold = threshold
	return cfg
}

func candidateAt(id int64, cos float64) Candidate {
	return Candidate{EventID: id, Title: "event", Signals: Signals{Embedding: unit(cos)}}
}

var subject = Article{ID: 1, Title: "article", Signals: Signals{Embedding: []float64{1, 0}}}

type fakeOracle struct {
	verdict Verdict
	err     error
	calls   int
	seen    []int64
}

func (f *fakeOracle) Decide(_ context.Context, req OracleRequest) (Verdict, error) {
	f.calls++
	f.seen = f.seen[:0]
	for _, c := range req.Candidates {
		f.seen = append(f.seen, c.Candidate.EventID)
	}
	return f.verdict, f.err
}

func TestScoreWeightsAtThresholdBoundary(t *testing.T) {
	t.Parallel()

	article := Signals{
		Embedding: []float64{1, 0},
		TFIDF:     map[string]float64{"ceasefire": 1},
		Entities:  []string{"Cairo", "Hamas"},
	}
	event := Signals{
		Embedding: []float64{1, 0},
		TFIDF:     map[string]float64{"ceasefire": 0.4, "talks": math.Sqrt(0.84)},
		Entities:  []string{"Doha", "Qatar"},
	}

	b := Score(article, event, DefaultConfig().Weights)
	assert.InDelta(t, 1.0, b.Embedding, 1e-12)
	assert.InDelta(t, 0.4, b.TFIDF, 1e-12)
	assert.Zero(t, b.Entities)
	assert.InDelta(t, 0.60, b.Score, 1e-12)
	assert.True(t, Passes(b.Score, 0.60))
	assert.Empty(t, b.Missing)
}

func TestPassesUsesTolerance(t *testing.T) {
	t.Parallel()

	assert.True(t, Passes(0.6, 0.6))
	assert.True(t, Passes(0.6-1e-12, 0.6))
	assert.False(t, Passes(0.599, 0.6))
}

func TestScoreMissingSignalIsNotRenormalized(t *testing.T) {
	t.Parallel()

	article := Signals{
		TFIDF:    map[string]float64{"flood": 1},
		Entities: []string{"Utrecht"},
	}
	event := Signals{
		Embedding: []float64{1, 0},
		TFIDF:     map[string]float64{"flood": 1},
		Entities:  []string{"utrecht"},
	}

	b := Score(article, event, DefaultConfig().Weights)
	assert.Equal(t, []string{SignalEmbedding}, b.Missing)
	assert.Zero(t, b.Contributions.Embedding)
	assert.InDelta(t, 0.50, b.Score, 1e-12)
}

func TestJaccardAndCosineEdges(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0/3.0, Jaccard([]string{"A", "b"}, []string{"a", "c"}), 1e-12)
	assert.Zero(t, Jaccard(nil, []string{"a"}))
	assert.Zero(t, CosineDense([]float64{1, 2}, []float64{1}))
	assert.Zero(t, CosineDense([]float64{0, 0}, []float64{1, 1}))
}

func TestDecidePicksHighestPassingCandidate(t *testing.T) {
	t.Parallel()

	d := Decide(context.Background(), subject, []Candidate{
		candidateAt(10, 0.81),
		candidateAt(20, 0.82),
	}, embeddingOnly(0.60), nil)

	require.Equal(t, ActionLink, d.Action)
	assert.Equal(t, int64(20), d.EventID)
	assert.Equal(t, DecidedByThreshold, d.DecidedBy)
	assert.InDelta(t, 0.82, d.Breakdown.Score, 1e-9)
	assert.Equal(t, int64(20), d.Breakdown.EventID)
	assert.Equal(t, 0.60, d.Breakdown.Threshold)
	assert.Equal(t, DecidedByThreshold, d.Breakdown.DecidedBy)
	assert.InDelta(t, 0.82, d.Breakdown.Contributions.Embedding, 1e-9)
	require.Len(t, d.Ranked, 2)
	assert.Equal(t, int64(10), d.Ranked[1].Candidate.EventID)
}

func TestDecideTieGoesToSmallestEventID(t *testing.T) {
	t.Parallel()

	d := Decide(context.Background(), subject, []Candidate{
		candidateAt(7, 0.9),
		candidateAt(3, 0.9),
		candidateAt(5, 0.9),
	}, embeddingOnly(0.60), nil)

	require.Equal(t, ActionLink, d.Action)
	assert.Equal(t, int64(3), d.EventID)
}

func TestDecideSpawnsBelowThreshold(t *testing.T) {
	t.Parallel()

	d := Decide(context.Background(), subject, []Candidate{candidateAt(4, 0.5)}, embeddingOnly(0.60), nil)
	assert.Equal(t, ActionSpawn, d.Action)
	assert.True(t, d.HasBest)
	assert.InDelta(t, 0.5, d.Breakdown.Score, 1e-9)
	assert.Equal(t, int64(4), d.Breakdown.EventID)

	empty := Decide(context.Background(), subject, nil, embeddingOnly(0.60), nil)
	assert.Equal(t, ActionSpawn, empty.Action)
	assert.False(t, empty.HasBest)
	assert.Equal(t, DecidedByNoCandidates, empty.DecidedBy)
}

func TestDecideDefersCloseCallsToOracle(t *testing.T) {
	t.Parallel()

	cfg := embeddingOnly(0.60)
	cfg.OracleEnabled = true
	candidates := []Candidate{
		candidateAt(1, 0.70),
		candidateAt(2, 0.68),
		candidateAt(3, 0.66),
		candidateAt(4, 0.30),
	}

	t.Run("chosen event", func(t *testing.T) {
		oracle := &fakeOracle{verdict: ChosenEvent(3)}
		d := Decide(context.Background(), subject, candidates, cfg, oracle)
		require.Equal(t, 1, oracle.calls)
		assert.Equal(t, []int64{1, 2, 3}, oracle.seen)
		assert.Equal(t, ActionLink, d.Action)
		assert.Equal(t, int64(3), d.EventID)
		assert.Equal(t, DecidedByOracle, d.DecidedBy)
		assert.Equal(t, DecidedByOracle, d.Breakdown.DecidedBy)
	})

	t.Run("choice outside top n", func(t *testing.T) {
		oracle := &fakeOracle{verdict: ChosenEvent(4)}
		d := Decide(context.Background(), subject, candidates, cfg, oracle)
		assert.Equal(t, int64(1), d.EventID)
		assert.Equal(t, DecidedByThreshold, d.DecidedBy)
		assert.True(t, d.OracleConsulted)
	})

	t.Run("no event", func(t *testing.T) {
		d := Decide(context.Background(), subject, candidates, cfg, &fakeOracle{verdict: NoEvent()})
		assert.Equal(t, ActionSpawn, d.Action)
		assert.Equal(t, DecidedByOracle, d.DecidedBy)
	})

	t.Run("undecided", func(t *testing.T) {
		d := Decide(context.Background(), subject, candidates, cfg, &fakeOracle{verdict: Undecided()})
		assert.Equal(t, int64(1), d.EventID)
		assert.Equal(t, DecidedByThreshold, d.DecidedBy)
	})

	t.Run("oracle error", func(t *testing.T) {
		boom := errors.New("oracle unavailable")
		d := Decide(context.Background(), subject, candidates, cfg, &fakeOracle{verdict: NoEvent(), err: boom})
		assert.Equal(t, ActionLink, d.Action)
		assert.Equal(t, int64(1), d.EventID)
		assert.ErrorIs(t, d.OracleErr, boom)
	})

	t.Run("nil oracle", func(t *testing.T) {
		d := Decide(context.Background(), subject, candidates, cfg, nil)
		assert.Equal(t, int64(1), d.EventID)
		assert.False(t, d.OracleConsulted)
	})
}

func TestDecideSkipsOracleWhenNotClose(t *testing.T) {
	t.Parallel()

	cfg := embeddingOnly(0.60)
	cfg.OracleEnabled = true

	oracle := &fakeOracle{verdict: NoEvent()}
	wide := []Candidate{candidateAt(1, 0.80), candidateAt(2, 0.70), candidateAt(3, 0.69)}
	d := Decide(context.Background(), subject, wide, cfg, oracle)
	assert.Zero(t, oracle.calls)
	assert.Equal(t, int64(1), d.EventID)

	tooFew := []Candidate{candidateAt(1, 0.70), candidateAt(2, 0.69)}
	Decide(context.Background(), subject, tooFew, cfg, oracle)
	assert.Zero(t, oracle.calls)

	cfg.OracleEnabled = false
	near := []Candidate{candidateAt(1, 0.70), candidateAt(2, 0.69), candidateAt(3, 0.68)}
	Decide(context.Background(), subject, near, cfg, oracle)
	assert.Zero(t, oracle.calls)
}

func TestDecideOracleCanRescueBelowThreshold(t *testing.T) {
	t.Parallel()

	cfg := embeddingOnly(0.60)
	cfg.OracleEnabled = true
	candidates := []Candidate{candidateAt(8, 0.55), candidateAt(9, 0.53), candidateAt(10, 0.52)}

	d := Decide(context.Background(), subject, candidates, cfg, &fakeOracle{verdict: ChosenEvent(9)})
	assert.Equal(t, ActionLink, d.Action)
	assert.Equal(t, int64(9), d.EventID)

	fallback := Decide(context.Background(), subject, candidates, cfg, &fakeOracle{verdict: Undecided()})
	assert.Equal(t, ActionSpawn, fallback.Action)
}
