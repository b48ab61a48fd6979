package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/storyline/internal/assign"
	"horse.fit/storyline/internal/cli"
	"horse.fit/storyline/internal/config"
	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/embedding"
	"horse.fit/storyline/internal/enrich"
	"horse.fit/storyline/internal/entities"
	"horse.fit/storyline/internal/gazetteer"
	"horse.fit/storyline/internal/httpapi"
	"horse.fit/storyline/internal/ingest"
	"horse.fit/storyline/internal/langdetect"
	"horse.fit/storyline/internal/lexical"
	"horse.fit/storyline/internal/logging"
	"horse.fit/storyline/internal/nlp"
	"horse.fit/storyline/internal/oracle"
	"horse.fit/storyline/internal/reader"
	"horse.fit/storyline/internal/relevance"
	"horse.fit/storyline/internal/settings"
	"horse.fit/storyline/internal/store"
)

// bootstrap loads the env file, config and logger shared by every command. A
// non-zero code means the command should exit with it.
func bootstrap(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, int) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, zerolog.Nop(), 1
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return nil, zerolog.Nop(), 1
	}
	return cfg, logger, 0
}

// stores holds the open pools behind a Store. cache is nil when disabled.
type stores struct {
	primary *db.Pool
	cache   *db.Pool
	store   *store.Store
}

func (s *stores) Close() {
	if s == nil {
		return
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.primary != nil {
		_ = s.primary.Close()
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	primary, err := db.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to primary store: %w", err)
	}

	out := &stores{primary: primary}
	if cfg.CacheEnabled {
		cache, err := db.NewCachePool(ctx, cfg)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("open cache store: %w", err)
		}
		out.cache = cache
	}

	readSource, err := store.ParseReadSource(cfg.ReadSource())
	if err != nil {
		out.Close()
		return nil, err
	}
	st, err := store.New(out.primary, out.cache, readSource, logger)
	if err != nil {
		out.Close()
		return nil, err
	}
	out.store = st
	return out, nil
}

// services is the fully wired domain layer on top of one Store.
type services struct {
	settings  *settings.Provider
	gazetteer *gazetteer.Gazetteer
	ingest    *ingest.Service
	enrich    *enrich.Service
	assign    *assign.Service
	relevance *relevance.Service
}

func newServices(cfg *config.Config, st *store.Store, logger zerolog.Logger) (*services, error) {
	if cfg == nil || st == nil {
		return nil, fmt.Errorf("config and store are required")
	}

	gaz, err := loadGazetteer(cfg.GazetteerPath)
	if err != nil {
		return nil, err
	}
	provider := settings.NewProvider(settings.NewStoreSource(st), cfg.SettingsTTL, logger)

	model, err := newNLPModel(cfg, gaz)
	if err != nil {
		return nil, err
	}
	embedders, err := newEmbedders(cfg)
	if err != nil {
		return nil, err
	}

	enrichSvc := enrich.NewService(enrich.Dependencies{
		Store:      st,
		Normalizer: enrich.NewNormalizer(model, langdetect.Detector{}),
		Vectorizer: lexical.NewVectorizer(lexical.Options{
			MaxFeatures: cfg.LexicalMaxFeatures,
			NgramMax:    cfg.LexicalNgramMax,
		}),
		Embedders: embedders,
		Extractor: entities.NewExtractor(model, gaz),
		Settings:  provider,
		Workers:   cfg.EnrichWorkers,
	}, logger.With().Str("component", "enrich").Logger())

	assignDeps := assign.Dependencies{
		Store:     st,
		Settings:  provider,
		Gazetteer: gaz,
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		client, err := oracle.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OracleModel)
		if err != nil {
			return nil, fmt.Errorf("create oracle client: %w", err)
		}
		assignDeps.Oracle = client
	}

	fetcher := ingest.ReaderFetcher{Options: reader.FetchOptions{
		Timeout:       cfg.ReaderTimeout,
		BodyByteLimit: cfg.ReaderMaxBytes,
		UserAgent:     cfg.ReaderUserAgent,
	}}

	return &services{
		settings:  provider,
		gazetteer: gaz,
		ingest:    ingest.NewService(st, gaz, fetcher, logger.With().Str("component", "ingest").Logger()),
		enrich:    enrichSvc,
		assign:    assign.NewService(assignDeps, logger.With().Str("component", "assign").Logger()),
		relevance: relevance.NewService(st, gaz, logger.With().Str("component", "relevance").Logger()),
	}, nil
}

func (s *services) api(st *store.Store) httpapi.Services {
	return httpapi.Services{
		Store:     st,
		Settings:  s.settings,
		Ingest:    s.ingest,
		Enrich:    s.enrich,
		Assign:    s.assign,
		Relevance: s.relevance,
	}
}

func loadGazetteer(path string) (*gazetteer.Gazetteer, error) {
	if strings.TrimSpace(path) == "" {
		return gazetteer.Default()
	}
	gaz, err := gazetteer.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load gazetteer %s: %w", path, err)
	}
	return gaz, nil
}

func newNLPModel(cfg *config.Config, gaz *gazetteer.Gazetteer) (nlp.Model, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.NLPProvider)) {
	case "", "rule":
		return nlp.NewRuleModel(gaz), nil
	case "http":
		return nlp.NewHTTPModel(cfg.NLPEndpoint, cfg.NLPTimeout, nil), nil
	default:
		return nil, fmt.Errorf("unsupported NLP_PROVIDER %q", cfg.NLPProvider)
	}
}

// newEmbedders registers every provider the config can reach; the configured
// one is the registry default.
func newEmbedders(cfg *config.Config) (*embedding.Registry, error) {
	defaultName := strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider))
	if defaultName == "" {
		defaultName = embedding.HTTPProviderName
	}

	registry := embedding.NewRegistry(defaultName)
	if err := registry.Register(embedding.NewHTTPProvider(embedding.HTTPOptions{
		Endpoint:       cfg.EmbeddingEndpoint,
		MaxLength:      cfg.EmbeddingMaxLength,
		RequestTimeout: cfg.EmbeddingTimeout,
	})); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		openAI, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel)
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}
		if err := registry.Register(openAI); err != nil {
			return nil, err
		}
	}

	if _, err := registry.Provider(defaultName); err != nil {
		return nil, fmt.Errorf("EMBEDDING_PROVIDER %q is not available: %w", defaultName, err)
	}
	return registry, nil
}
