package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/storyline/internal/cli"
	"horse.fit/storyline/internal/settings"
)

func runSettings(args []string) int {
	if len(args) == 0 {
		printSettingsUsage()
		return 2
	}

	action := strings.ToLower(strings.TrimSpace(args[0]))
	switch action {
	case "help", "-h", "--help":
		printSettingsUsage()
		return 0
	case "list", "get", "set", "import":
		return runSettingsAction(action, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown settings action: %s\n\n", args[0])
		printSettingsUsage()
		return 2
	}
}

func printSettingsUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  storyline settings list")
	fmt.Fprintln(os.Stderr, "  storyline settings get <key>")
	fmt.Fprintln(os.Stderr, "  storyline settings set <key> <value>")
	fmt.Fprintln(os.Stderr, "  storyline settings import --file settings.toml")
}

func runSettingsAction(action string, args []string) int {
	fs := flag.NewFlagSet("settings "+action, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 20*time.Second, "Command timeout")
	file := fs.String("file", "", "TOML file to import (import only)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if msg := checkSettingsArgs(action, fs.Args(), *file); msg != "" {
		fmt.Fprintln(os.Stderr, msg)
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
		logger.Error().Err(err).Msg("settings command failed to connect to database")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return 1
	}
	defer handles.Close()

	provider := settings.NewProvider(settings.NewStoreSource(handles.store), 0, logger)
	if err := applySettingsAction(ctx, provider, action, fs.Args(), *file, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Settings %s failed: %v\n", action, err)
		return 1
	}
	return 0
}

func checkSettingsArgs(action string, positional []string, file string) string {
	switch action {
	case "list":
		if len(positional) != 0 {
			return "settings list does not accept positional args"
		}
	case "get":
		if len(positional) != 1 {
			return "settings get requires exactly one key"
		}
	case "set":
		if len(positional) != 2 {
			return "settings set requires a key and a value"
		}
		if err := settings.ValidateValue(positional[0], positional[1]); err != nil {
			return err.Error()
		}
	case "import":
		if strings.TrimSpace(file) == "" {
			return "--file is required"
		}
	}
	return ""
}

func applySettingsAction(ctx context.Context, provider *settings.Provider, action string, positional []string, file string, logger zerolog.Logger) error {
	switch action {
	case "list":
		values, err := provider.All(ctx)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(values))
		for key := range values {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("%s=%s\n", key, values[key])
		}
	case "get":
		value, err := provider.Get(ctx, positional[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s=%s\n", positional[0], value)
	case "set":
		if err := provider.Set(ctx, positional[0], positional[1]); err != nil {
			return err
		}
		logger.Info().Str("key", positional[0]).Msg("setting updated")
		fmt.Printf("%s=%s\n", positional[0], positional[1])
	case "import":
		f, err := os.Open(strings.TrimSpace(file))
		if err != nil {
			return fmt.Errorf("open %s: %w", file, err)
		}
		defer f.Close()

		n, err := provider.ImportTOML(ctx, f)
		if err != nil {
			return fmt.Errorf("imported %d keys before failing: %w", n, err)
		}
		logger.Info().Int("keys", n).Str("file", file).Msg("settings imported")
		fmt.Printf("settings import keys=%d file=%s\n", n, file)
	}
	return nil
}
