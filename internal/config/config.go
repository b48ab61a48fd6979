package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	ReadSourcePrimary = "primary"
	ReadSourceCache   = "cache"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"8"`

	CacheEnabled    bool   `envconfig:"CACHE_ENABLED" default:"true"`
	CacheDSN        string `envconfig:"CACHE_DSN" default:"file:storyline-cache.db?_journal_mode=WAL&_busy_timeout=5000"`
	StoreReadSource string `envconfig:"STORE_READ_SOURCE" default:"primary"`

	SettingsTTL time.Duration `envconfig:"SETTINGS_TTL" default:"60s"`

	GazetteerPath string `envconfig:"GAZETTEER_PATH" default:""`

	NLPProvider string        `envconfig:"NLP_PROVIDER" default:"rule"`
	NLPEndpoint string        `envconfig:"NLP_ENDPOINT" default:"http://127.0.0.1:8845"`
	NLPTimeout  time.Duration `envconfig:"NLP_TIMEOUT" default:"30s"`

	EmbeddingProvider  string        `envconfig:"EMBEDDING_PROVIDER" default:"http"`
	EmbeddingEndpoint  string        `envconfig:"EMBEDDING_ENDPOINT" default:"http://127.0.0.1:8844/embed"`
	EmbeddingModel     string        `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	EmbeddingMaxLength int           `envconfig:"EMBEDDING_MAX_LENGTH" default:"512"`
	EmbeddingTimeout   time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"45s"`

	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:""`
	OracleModel   string `envconfig:"ORACLE_MODEL" default:"gpt-4o-mini"`

	ReaderTimeout   time.Duration `envconfig:"READER_TIMEOUT" default:"12s"`
	ReaderMaxBytes  int64         `envconfig:"READER_MAX_BYTES" default:"2097152"`
	ReaderUserAgent string        `envconfig:"READER_USER_AGENT" default:"storyline-ingest/1.0 (+article body fetch)"`

	EnrichWorkers      int `envconfig:"ENRICH_WORKERS" default:"4"`
	LexicalMaxFeatures int `envconfig:"LEXICAL_MAX_FEATURES" default:"0"`
	LexicalNgramMax    int `envconfig:"LEXICAL_NGRAM_MAX" default:"1"`

	ScheduleSpec       string `envconfig:"SCHEDULE_SPEC" default:"@every 5m"`
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	switch c.ReadSource() {
	case ReadSourcePrimary:
	case ReadSourceCache:
		if !c.CacheEnabled {
			return fmt.Errorf("STORE_READ_SOURCE=cache requires CACHE_ENABLED=true")
		}
	default:
		return fmt.Errorf("STORE_READ_SOURCE must be %q or %q, got %q", ReadSourcePrimary, ReadSourceCache, c.StoreReadSource)
	}
	if c.CacheEnabled && strings.TrimSpace(c.CacheDSN) == "" {
		return fmt.Errorf("CACHE_DSN is required when CACHE_ENABLED=true")
	}

	if c.SettingsTTL < 0 {
		return fmt.Errorf("SETTINGS_TTL must be >= 0")
	}
	if c.EmbeddingMaxLength < 1 {
		return fmt.Errorf("EMBEDDING_MAX_LENGTH must be >= 1")
	}
	if c.EmbeddingTimeout <= 0 {
		return fmt.Errorf("EMBEDDING_TIMEOUT must be > 0")
	}
	if c.EnrichWorkers < 1 {
		return fmt.Errorf("ENRICH_WORKERS must be >= 1")
	}
	if c.LexicalMaxFeatures < 0 {
		return fmt.Errorf("LEXICAL_MAX_FEATURES must be >= 0")
	}
	if c.LexicalNgramMax < 1 || c.LexicalNgramMax > 3 {
		return fmt.Errorf("LEXICAL_NGRAM_MAX must be between 1 and 3")
	}
	return nil
}

// ReadSource returns the normalized STORE_READ_SOURCE value.
func (c *Config) ReadSource() string {
	if c == nil {
		return ReadSourcePrimary
	}
	value := strings.ToLower(strings.TrimSpace(c.StoreReadSource))
	if value == "" {
		return ReadSourcePrimary
	}
	return value
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
