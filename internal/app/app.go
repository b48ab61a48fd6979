package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "ingest":
		return runIngest(args[1:])
	case "enrich":
		return runEnrich(args[1:])
	case "assign":
		return runAssign(args[1:])
	case "process", "run-once":
		return runProcess(args[1:])
	case "sync-cache":
		return runSyncCache(args[1:])
	case "settings":
		return runSettings(args[1:])
	case "serve":
		return runServe(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "storyline CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  storyline <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health      Verify primary and cache store connectivity")
	fmt.Fprintln(os.Stderr, "  validate    Validate article JSON files against the ingest schema")
	fmt.Fprintln(os.Stderr, "  ingest      Store article JSON files as raw articles")
	fmt.Fprintln(os.Stderr, "  enrich      Normalize, vectorize, embed and extract entities for pending articles")
	fmt.Fprintln(os.Stderr, "  assign      Link enriched articles to events or spawn new events")
	fmt.Fprintln(os.Stderr, "  process     Run enrich + assign in cycles until no work remains")
	fmt.Fprintln(os.Stderr, "  run-once    Alias for process")
	fmt.Fprintln(os.Stderr, "  sync-cache  Backfill the cache store from the primary store")
	fmt.Fprintln(os.Stderr, "  settings    List, get, set or import runtime settings")
	fmt.Fprintln(os.Stderr, "  serve       Start Echo API server with the scheduled pipeline")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"storyline <command> -h\" for command-specific flags.")
}
