package scoring

import "context"

const (
	DecidedByThreshold    = "threshold"
	DecidedByOracle       = "oracle"
	DecidedByNoCandidates = "no_candidates"
)

// Config holds the tunable scoring parameters.
type Config struct {
	Weights            Weights
	Threshold          float64
	SecondaryThreshold float64
	OracleEnabled      bool
	OracleTopN         int
	PlausibilityBand   float64
}

func DefaultConfig() Config {
	return Config{
		Weights:            Weights{Embedding: 0.50, TFIDF: 0.25, Entities: 0.25},
		Threshold:          0.60,
		SecondaryThreshold: 0.45,
		OracleEnabled:      false,
		OracleTopN:         3,
		PlausibilityBand:   0.05,
	}
}

// Article is the subject of an assignment decision.
type Article struct {
	ID      int64
	Title   string
	Summary string
	Signals Signals
}

type VerdictKind int

const (
	VerdictUndecided VerdictKind = iota
	VerdictChosenEvent
	VerdictNoEvent
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictChosenEvent:
		return "chosen_event"
	case VerdictNoEvent:
		return "no_event"
	default:
		return "undecided"
	}
}

// Verdict is the oracle's answer. EventID is only meaningful for
// VerdictChosenEvent.
type Verdict struct {
	Kind    VerdictKind
	EventID int64
}

func Undecided() Verdict { return Verdict{Kind: VerdictUndecided} }
func ChosenEvent(id int64) Verdict { return Verdict{Kind: VerdictChosenEvent, EventID: id} }
func NoEvent() Verdict { return Verdict{Kind: VerdictNoEvent} }

type OracleRequest struct {
	Article    Article
	Candidates []Scored
}

// Oracle resolves near-ties between the top candidates.
type Oracle interface {
	Decide(ctx context.Context, req OracleRequest) (Verdict, error)
}

type Action string

const (
	ActionLink  Action = "link"
	ActionSpawn Action = "spawn"
)

// Decision is the outcome for one article. For ActionSpawn, Breakdown holds
// the best rejected candidate when there was one.
type Decision struct {
	Action    Action
	EventID   int64
	Breakdown Breakdown
	HasBest   bool
	DecidedBy string
	Ranked    []Scored

	OracleConsulted bool
	OracleVerdict   Verdict
	OracleErr       error
}

// Decide ranks candidates and picks an event, consulting oracle when the top
// candidates are too close to call. A nil oracle, an oracle error or an
// undecided verdict fall back to the numeric rule.
func Decide(ctx context.Context, article Article, candidates []Candidate, cfg Config, oracle Oracle) Decision {
	ranked := Rank(article.Signals, candidates, cfg.Weights)
	for i := range ranked {
		ranked[i].Breakdown.Threshold = cfg.Threshold
	}

	if len(ranked) == 0 {
		return Decision{
			Action:    ActionSpawn,
			DecidedBy: DecidedByNoCandidates,
			Breakdown: Breakdown{Weights: cfg.Weights, Threshold: cfg.Threshold, DecidedBy: DecidedByNoCandidates},
		}
	}

	decision := Decision{Ranked: ranked, HasBest: true}
	if cfg.OracleEnabled && oracle != nil && shouldDefer(ranked, cfg) {
		top := ranked[:cfg.OracleTopN]
		decision.OracleConsulted = true
		verdict, err := oracle.Decide(ctx, OracleRequest{Article: article, Candidates: top})
		decision.OracleVerdict = verdict
		decision.OracleErr = err
		if err == nil {
			switch verdict.Kind {
			case VerdictChosenEvent:
				for _, s := range top {
					if s.Candidate.EventID == verdict.EventID {
						return decision.link(s, DecidedByOracle)
					}
				}
			case VerdictNoEvent:
				return decision.spawn(ranked[0], DecidedByOracle)
			}
		}
	}

	best := ranked[0]
	if Passes(best.Breakdown.Score, cfg.Threshold) {
		return decision.link(best, DecidedByThreshold)
	}
	return decision.spawn(best, DecidedByThreshold)
}

// shouldDefer reports whether the top N candidates all clear the secondary
// threshold and sit within the plausibility band of the best score.
func shouldDefer(ranked []Scored, cfg Config) bool {
	n := cfg.OracleTopN
	if n < 2 || len(ranked) < n {
		return false
	}
	top := ranked[0].Breakdown.Score
	for _, s := range ranked[:n] {
		if !Passes(s.Breakdown.Score, cfg.SecondaryThreshold) {
			return false
		}
		if top-s.Breakdown.Score > cfg.PlausibilityBand+Tolerance {
			return false
		}
	}
	return true
}

func (d Decision) link(s Scored, decidedBy string) Decision {
	d.Action = ActionLink
	d.EventID = s.Candidate.EventID
	d.DecidedBy = decidedBy
	d.Breakdown = s.Breakdown
	d.Breakdown.DecidedBy = decidedBy
	return d
}

func (d Decision) spawn(best Scored, decidedBy string) Decision {
	d.Action = ActionSpawn
	d.EventID = 0
	d.DecidedBy = decidedBy
	d.Breakdown = best.Breakdown
	d.Breakdown.DecidedBy = decidedBy
	return d
}
