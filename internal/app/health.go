package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/storyline/internal/cli"
)

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Second, "Database ping timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, logger, code := bootstrap(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	handles, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("health check failed")
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer handles.Close()

	if err := handles.primary.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("primary store ping failed")
		fmt.Fprintf(os.Stderr, "Health check failed: primary: %v\n", err)
		return 1
	}
	cacheStatus := "disabled"
	if handles.cache != nil {
		if err := handles.cache.Ping(ctx); err != nil {
			logger.Error().Err(err).Msg("cache store ping failed")
			fmt.Fprintf(os.Stderr, "Health check failed: cache: %v\n", err)
			return 1
		}
		cacheStatus = "ok"
	}

	logger.Info().
		Dur("timeout", *timeout).
		Str("cache", cacheStatus).
		Str("read_source", string(handles.store.ReadSource())).
		Msg("store health check passed")
	fmt.Printf("ok: primary=ok cache=%s read_source=%s\n", cacheStatus, handles.store.ReadSource())
	return 0
}
