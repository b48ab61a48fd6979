package settings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/storyline/internal/globaltime"
	"horse.fit/storyline/internal/metrics"
)

const DefaultTTL = 60 * time.Second

// Runtime-tunable keys.
const (
	KeyWeightEmbedding     = "scoring.weight.embedding"
	KeyWeightTFIDF         = "scoring.weight.tfidf"
	KeyWeightEntities      = "scoring.weight.entities"
	KeyThreshold           = "scoring.threshold"
	KeySecondaryThreshold  = "scoring.secondary_threshold"
	KeyOracleEnabled       = "scoring.oracle.enabled"
	KeyOracleTopN          = "scoring.oracle.top_n"
	KeyPlausibilityBand    = "scoring.plausibility_band"
	KeyCandidateLookback   = "assign.lookback_hours"
	KeyMaxCandidates       = "assign.max_candidates"
	KeyCentroidTermLimit   = "assign.centroid_term_limit"
	KeyCentroidEntityLimit = "assign.centroid_entity_limit"
	KeyEnrichBatchLimit    = "enrich.batch_limit"
	KeyEmbeddingProvider   = "enrich.embedding_provider"
)

// Defaults holds the built-in value for every known key.
var Defaults = map[string]string{
	KeyWeightEmbedding:     "0.50",
	KeyWeightTFIDF:         "0.25",
	KeyWeightEntities:      "0.25",
	KeyThreshold:           "0.60",
	KeySecondaryThreshold:  "0.45",
	KeyOracleEnabled:       "false",
	KeyOracleTopN:          "3",
	KeyPlausibilityBand:    "0.05",
	KeyCandidateLookback:   "72",
	KeyMaxCandidates:       "200",
	KeyCentroidTermLimit:   "200",
	KeyCentroidEntityLimit: "100",
	KeyEnrichBatchLimit:    "200",
	KeyEmbeddingProvider:   "",
}

var ErrInvalidValue = errors.New("invalid setting value")

// Source loads and persists raw key/value pairs.
type Source interface {
	LoadAll(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, key, value string) error
}

// Provider serves typed settings from a TTL-bounded in-process snapshot.
type Provider struct {
	source Source
	ttl    time.Duration
	logger zerolog.Logger

	mu       sync.RWMutex
	values   map[string]string
	loadedAt time.Time
}

func NewProvider(source Source, ttl time.Duration, logger zerolog.Logger) *Provider {
	if ttl < 0 {
		ttl = DefaultTTL
	}
	return &Provider{
		source: source,
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns the stored value for key, falling back to Defaults.
func (p *Provider) Get(ctx context.Context, key string) (string, error) {
	values, err := p.snapshot(ctx)
	if err != nil {
		return "", err
	}
	key = normalizeKey(key)
	if value, ok := values[key]; ok {
		return value, nil
	}
	return Defaults[key], nil
}

// All returns defaults overlaid with stored values.
func (p *Provider) All(ctx context.Context) (map[string]string, error) {
	values, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(Defaults)+len(values))
	for k, v := range Defaults {
		out[k] = v
	}
	for k, v := range values {
		out[k] = v
	}
	return out, nil
}

func (p *Provider) Float(ctx context.Context, key string) (float64, error) {
	raw, err := p.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidValue, key, raw)
	}
	return value, nil
}

// NonNegativeFloat is Float restricted to values >= 0, used for weights and thresholds.
func (p *Provider) NonNegativeFloat(ctx context.Context, key string) (float64, error) {
	value, err := p.Float(ctx, key)
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, fmt.Errorf("%w: %s=%v must be >= 0", ErrInvalidValue, key, value)
	}
	return value, nil
}

func (p *Provider) Int(ctx context.Context, key string) (int, error) {
	raw, err := p.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidValue, key, raw)
	}
	return value, nil
}

func (p *Provider) Bool(ctx context.Context, key string) (bool, error) {
	raw, err := p.Get(ctx, key)
	if err != nil {
		return false, err
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidValue, key, raw)
	}
	return value, nil
}

// Set persists value and drops the cached snapshot.
func (p *Provider) Set(ctx context.Context, key, value string) error {
	if p == nil || p.source == nil {
		return fmt.Errorf("settings provider is not initialized")
	}
	key = normalizeKey(key)
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidValue)
	}
	if err := p.source.Save(ctx, key, value); err != nil {
		return fmt.Errorf("save setting %s: %w", key, err)
	}
	p.Invalidate()
	return nil
}

// Invalidate forces the next read to reload from the source.
func (p *Provider) Invalidate() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.values = nil
	p.loadedAt = time.Time{}
	p.mu.Unlock()
}

func (p *Provider) snapshot(ctx context.Context) (map[string]string, error) {
	if p == nil || p.source == nil {
		return nil, fmt.Errorf("settings provider is not initialized")
	}

	p.mu.RLock()
	values, loadedAt := p.values, p.loadedAt
	p.mu.RUnlock()
	if values != nil && globaltime.Since(loadedAt) < p.ttl {
		return values, nil
	}

	loaded, err := p.source.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	normalized := make(map[string]string, len(loaded))
	for k, v := range loaded {
		normalized[normalizeKey(k)] = v
	}

	p.mu.Lock()
	p.values = normalized
	p.loadedAt = globaltime.Now()
	p.mu.Unlock()

	metrics.SettingsReloads.Inc()
	p.logger.Debug().Int("keys", len(normalized)).Msg("settings reloaded")
	return normalized, nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

type valueKind int

const (
	kindNonNegativeFloat valueKind = iota + 1
	kindNonNegativeInt
	kindBool
)

var keyKinds = map[string]valueKind{
	KeyWeightEmbedding:     kindNonNegativeFloat,
	KeyWeightTFIDF:         kindNonNegativeFloat,
	KeyWeightEntities:      kindNonNegativeFloat,
	KeyThreshold:           kindNonNegativeFloat,
	KeySecondaryThreshold:  kindNonNegativeFloat,
	KeyPlausibilityBand:    kindNonNegativeFloat,
	KeyOracleEnabled:       kindBool,
	KeyOracleTopN:          kindNonNegativeInt,
	KeyCandidateLookback:   kindNonNegativeInt,
	KeyMaxCandidates:       kindNonNegativeInt,
	KeyCentroidTermLimit:   kindNonNegativeInt,
	KeyCentroidEntityLimit: kindNonNegativeInt,
	KeyEnrichBatchLimit:    kindNonNegativeInt,
}

// ValidateValue checks value against the type of a known key. Unknown keys
// accept any value.
func ValidateValue(key, value string) error {
	key = normalizeKey(key)
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidValue)
	}
	raw := strings.TrimSpace(value)
	switch keyKinds[key] {
	case kindNonNegativeFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%w: %s=%q must be a number >= 0", ErrInvalidValue, key, value)
		}
	case kindNonNegativeInt:
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return fmt.Errorf("%w: %s=%q must be an integer >= 0", ErrInvalidValue, key, value)
		}
	case kindBool:
		if _, err := strconv.ParseBool(raw); err != nil {
			return fmt.Errorf("%w: %s=%q must be a boolean", ErrInvalidValue, key, value)
		}
	}
	return nil
}
