package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"horse.fit/storyline/internal/cli"
	"horse.fit/storyline/internal/httpapi"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8090, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 2*time.Minute, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")
	schedule := fs.String("schedule", "", "Cron spec for the enrich+assign job (empty uses SCHEDULE_SPEC, \"off\" disables)")
	cycleTimeout := fs.Duration("cycle-timeout", 10*time.Minute, "Timeout for one scheduled enrich+assign run")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	cfg, logger, code := bootstrap(envLoader)
	if code != 0 {
		return code
	}

	dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dbCancel()

	handles, err := openStores(dbCtx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("serve failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer handles.Close()

	svc, err := newServices(cfg, handles.store, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize services: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		cancel()
	}()

	spec := strings.TrimSpace(*schedule)
	if spec == "" {
		spec = strings.TrimSpace(cfg.ScheduleSpec)
	}
	scheduler, err := newScheduler(ctx, spec, *cycleTimeout, svc, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid schedule %q: %v\n", spec, err)
		return 2
	}
	if scheduler != nil {
		scheduler.Start()
		defer func() {
			<-scheduler.Stop().Done()
		}()
	}

	srv := httpapi.NewServer(svc.api(handles.store), logger, httpapi.Options{
		Host:            *host,
		Port:            *port,
		ReadTimeout:     *readTimeout,
		WriteTimeout:    *writeTimeout,
		ShutdownTimeout: *shutdownTimeout,
		AllowedOrigins:  cfg.CORSAllowedOriginsList(),
	})

	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}

	return 0
}

// newScheduler registers the enrich+assign job. It returns nil when the spec
// is empty or "off". Runs never overlap; a tick that finds the previous run
// still going is skipped.
func newScheduler(ctx context.Context, spec string, timeout time.Duration, svc *services, logger zerolog.Logger) (*cron.Cron, error) {
	if spec == "" || strings.EqualFold(spec, "off") {
		logger.Info().Msg("scheduled pipeline disabled")
		return nil, nil
	}

	jobLogger := logger.With().Str("component", "scheduler").Logger()
	scheduler := cron.New()
	var running sync.Mutex
	_, err := scheduler.AddFunc(spec, func() {
		if !running.TryLock() {
			jobLogger.Warn().Msg("previous pipeline run still active, skipping tick")
			return
		}
		defer running.Unlock()

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		result, err := runCycle(runCtx, svc, 0, 0)
		if err != nil {
			jobLogger.Error().Err(err).Msg("scheduled pipeline run failed")
			return
		}
		jobLogger.Info().
			Str("batch_id", result.Enrich.BatchID).
			Int("processed", result.Enrich.Processed).
			Int("skipped", result.Enrich.Skipped).
			Int("linked", result.Assign.Linked).
			Int("spawned", result.Assign.Spawned).
			Int("failed", result.Assign.Failed).
			Msg("scheduled pipeline run completed")
	})
	if err != nil {
		return nil, err
	}
	jobLogger.Info().Str("spec", spec).Msg("scheduled pipeline registered")
	return scheduler, nil
}
