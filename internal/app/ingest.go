package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/storyline/internal/cli"
	"horse.fit/storyline/internal/ingest"
	"horse.fit/storyline/internal/payloadschema"
)

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")
	path := fs.String("path", "", "Article JSON file or directory of files (object or array per file)")
	recursive := fs.Bool("recursive", true, "Recursively scan subdirectories when --path is a directory")
	fetch := fs.Bool("fetch", true, "Fetch the page body for articles without content")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if strings.TrimSpace(*path) == "" {
		fmt.Fprintln(os.Stderr, "--path is required")
		return 2
	}

	files, err := collectJSONFiles(*path, *recursive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest setup failed: %v\n", err)
		return 2
	}
	var items []*payloadschema.Article
	for _, file := range files {
		batch, err := readArticleFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid payload %s: %v\n", file, err)
			return 2
		}
		items = append(items, batch...)
	}
	if len(items) == 0 {
		fmt.Fprintf(os.Stderr, "No articles found under %s\n", strings.TrimSpace(*path))
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
		logger.Error().Err(err).Msg("ingest command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer handles.Close()

	svc, err := newServices(cfg, handles.store, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize services: %v\n", err)
		return 1
	}
	ingester := svc.ingest
	if !*fetch {
		ingester = ingest.NewService(handles.store, svc.gazetteer, nil, logger)
	}

	result, err := ingester.IngestBatch(ctx, items)
	if err != nil {
		logger.Error().Err(err).Int("articles", len(items)).Msg("ingest failed")
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		return 1
	}

	logger.Info().
		Int("files", len(files)).
		Int("inserted", result.Inserted).
		Int("duplicates", result.Duplicates).
		Int("failed", result.Failed).
		Msg("ingest completed")
	fmt.Printf(
		"ingest files=%d articles=%d inserted=%d duplicates=%d failed=%d\n",
		len(files),
		len(items),
		result.Inserted,
		result.Duplicates,
		result.Failed,
	)
	if result.Failed > 0 {
		return 1
	}
	return 0
}
