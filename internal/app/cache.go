package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/storyline/internal/cli"
	"horse.fit/storyline/internal/store"
)

func runSyncCache(args []string) int {
	fs := flag.NewFlagSet("sync-cache", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Minute, "Command timeout")
	kindFlag := fs.String("kind", string(store.KindAll), "Entity kind to backfill: articles, events, event_articles, settings or all")
	batchSize := fs.Int("batch-size", store.DefaultBackfillBatchSize, "Rows read from the primary store per page")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	kind, err := store.ParseKind(*kindFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "--kind: %v\n", err)
		return 2
	}
	if *batchSize <= 0 {
		fmt.Fprintln(os.Stderr, "--batch-size must be > 0")
		return 2
	}

	cfg, logger, code := bootstrap(envLoader)
	if code != 0 {
		return code
	}
	if !cfg.CacheEnabled {
		fmt.Fprintln(os.Stderr, "sync-cache requires CACHE_ENABLED=true")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	handles, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("sync-cache command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer handles.Close()

	result, err := handles.store.Backfill(ctx, kind, *batchSize)
	if err != nil {
		logger.Error().Err(err).Str("kind", string(kind)).Msg("cache backfill failed")
		fmt.Fprintf(os.Stderr, "Cache backfill failed: %v\n", err)
		return 1
	}
	if result.FirstErr != nil {
		fmt.Fprintf(os.Stderr, "First cache write error: %v\n", result.FirstErr)
	}

	fmt.Printf("sync-cache kind=%s synced=%d failed=%d\n", kind, result.Synced, result.Failed)
	if result.Failed > 0 {
		return 1
	}
	return 0
}
