package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/storyline/internal/assign"
	"horse.fit/storyline/internal/cli"
	"horse.fit/storyline/internal/enrich"
)

// cycleResult is one enrich pass followed by one assign pass.
type cycleResult struct {
	Enrich enrich.Result
	Assign assign.Summary
}

// idle reports whether the cycle found nothing new to do. Articles that keep
// failing assignment do not count as work.
func (r cycleResult) idle() bool {
	return r.Enrich.Processed+r.Enrich.Skipped == 0 && r.Assign.Linked+r.Assign.Spawned == 0
}

func runCycle(ctx context.Context, svc *services, enrichLimit, assignLimit int) (cycleResult, error) {
	enriched, err := svc.enrich.EnrichPending(ctx, enrichLimit)
	if err != nil {
		return cycleResult{}, fmt.Errorf("enrich stage: %w", err)
	}
	assigned, err := svc.assign.AssignPending(ctx, assignLimit)
	if err != nil {
		return cycleResult{Enrich: enriched}, fmt.Errorf("assign stage: %w", err)
	}
	return cycleResult{Enrich: enriched, Assign: assigned}, nil
}

type processTotals struct {
	Cycles    int
	Drained   bool
	Processed int
	Skipped   int
	Assign    assign.Summary
}

// processUntilIdle repeats cycles until one is idle or maxCycles is reached.
func processUntilIdle(ctx context.Context, svc *services, logger zerolog.Logger, enrichLimit, assignLimit, maxCycles int) (processTotals, error) {
	totals := processTotals{}
	for cycle := 1; cycle <= maxCycles; cycle++ {
		result, err := runCycle(ctx, svc, enrichLimit, assignLimit)
		if err != nil {
			return totals, fmt.Errorf("cycle %d: %w", cycle, err)
		}

		totals.Cycles = cycle
		totals.Processed += result.Enrich.Processed
		totals.Skipped += result.Enrich.Skipped
		totals.Assign.Linked += result.Assign.Linked
		totals.Assign.Spawned += result.Assign.Spawned
		totals.Assign.AlreadyLinked += result.Assign.AlreadyLinked
		totals.Assign.Failed += result.Assign.Failed

		logger.Info().
			Int("cycle", cycle).
			Str("batch_id", result.Enrich.BatchID).
			Int("processed", result.Enrich.Processed).
			Int("skipped", result.Enrich.Skipped).
			Int("linked", result.Assign.Linked).
			Int("spawned", result.Assign.Spawned).
			Int("failed", result.Assign.Failed).
			Msg("process cycle completed")

		if result.idle() {
			totals.Drained = true
			break
		}
	}
	return totals, nil
}

func runEnrich(args []string) int {
	fs := flag.NewFlagSet("enrich", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	limit := fs.Int("limit", 0, "Maximum pending articles to enrich (0 uses the enrichment.batch_limit setting)")
	idsFlag := fs.String("ids", "", "Comma-separated article ids to re-enrich instead of the pending queue")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit < 0 {
		fmt.Fprintln(os.Stderr, "--limit must be >= 0")
		return 2
	}
	ids, err := parseIDList(*idsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "--ids: %v\n", err)
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
		logger.Error().Err(err).Msg("enrich command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer handles.Close()

	svc, err := newServices(cfg, handles.store, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize services: %v\n", err)
		return 1
	}

	var result enrich.Result
	if len(ids) > 0 {
		result, err = svc.enrich.EnrichByIDs(ctx, ids)
	} else {
		result, err = svc.enrich.EnrichPending(ctx, *limit)
	}
	if err != nil {
		logger.Error().Err(err).Int("limit", *limit).Int("ids", len(ids)).Msg("enrich failed")
		fmt.Fprintf(os.Stderr, "Enrich failed: %v\n", err)
		return 1
	}

	fmt.Printf(
		"enrich batch_id=%s processed=%d skipped=%d model_version=%d\n",
		result.BatchID,
		result.Processed,
		result.Skipped,
		result.ModelVersion,
	)
	return 0
}

func runAssign(args []string) int {
	fs := flag.NewFlagSet("assign", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	limit := fs.Int("limit", 200, "Maximum unassigned articles to process")
	articleID := fs.Int64("article-id", 0, "Assign a single article instead of the pending queue")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
		return 2
	}
	if *articleID < 0 {
		fmt.Fprintln(os.Stderr, "--article-id must be > 0")
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
		logger.Error().Err(err).Msg("assign command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer handles.Close()

	svc, err := newServices(cfg, handles.store, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize services: %v\n", err)
		return 1
	}

	if *articleID > 0 {
		out, err := svc.assign.AssignArticle(ctx, *articleID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Assign failed: %v\n", err)
			return 1
		}
		fmt.Printf(
			"assign article_id=%d event_id=%d action=%s link_type=%s score=%.4f decided_by=%s\n",
			out.ArticleID,
			out.EventID,
			out.Action,
			out.LinkType,
			out.Score,
			out.DecidedBy,
		)
		return 0
	}

	summary, err := svc.assign.AssignPending(ctx, *limit)
	if err != nil {
		logger.Error().Err(err).Int("limit", *limit).Msg("assign failed")
		fmt.Fprintf(os.Stderr, "Assign failed: %v\n", err)
		return 1
	}
	fmt.Printf(
		"assign linked=%d spawned=%d already_linked=%d failed=%d limit=%d\n",
		summary.Linked,
		summary.Spawned,
		summary.AlreadyLinked,
		summary.Failed,
		*limit,
	)
	return 0
}

func runProcess(args []string) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Minute, "Command timeout")
	enrichLimit := fs.Int("enrich-limit", 0, "Maximum articles to enrich per cycle (0 uses the enrichment.batch_limit setting)")
	assignLimit := fs.Int("assign-limit", 200, "Maximum articles to assign per cycle")
	untilEmpty := fs.Bool("until-empty", true, "Repeat cycles until no work remains")
	maxCycles := fs.Int("max-cycles", 25, "Maximum enrich+assign cycles when --until-empty=true")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *enrichLimit < 0 {
		fmt.Fprintln(os.Stderr, "--enrich-limit must be >= 0")
		return 2
	}
	if *assignLimit <= 0 {
		fmt.Fprintln(os.Stderr, "--assign-limit must be > 0")
		return 2
	}
	if *maxCycles <= 0 {
		fmt.Fprintln(os.Stderr, "--max-cycles must be > 0")
		return 2
	}
	cycles := *maxCycles
	if !*untilEmpty {
		cycles = 1
	}

	cfg, logger, code := bootstrap(envLoader)
	if code != 0 {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	handles, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("process command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer handles.Close()

	svc, err := newServices(cfg, handles.store, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize services: %v\n", err)
		return 1
	}

	totals, err := processUntilIdle(ctx, svc, logger, *enrichLimit, *assignLimit, cycles)
	if err != nil {
		logger.Error().Err(err).Msg("process failed")
		fmt.Fprintf(os.Stderr, "Process failed: %v\n", err)
		return 1
	}

	fmt.Printf(
		"process cycles=%d drained=%t processed=%d skipped=%d linked=%d spawned=%d already_linked=%d failed=%d\n",
		totals.Cycles,
		totals.Drained,
		totals.Processed,
		totals.Skipped,
		totals.Assign.Linked,
		totals.Assign.Spawned,
		totals.Assign.AlreadyLinked,
		totals.Assign.Failed,
	)
	return 0
}

func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid article id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
