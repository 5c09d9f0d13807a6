// Package main is the entry point for the dagengine binary. It runs, validates and
// watches graph files from the command line.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ZanzyTHEbar/dagengine"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const defaultLogLevel = "info"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	envFile    string
	logLevel   string
	logJSON    bool

	logger *slog.Logger
	config dagengine.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "dagengine",
		Short: "Execute dependency graphs of calculation nodes",
		Long: `dagengine validates a graph definition, schedules its nodes into batches
of mutually independent nodes and executes them concurrently.

Example:
  dagengine run pricing.yaml --input base_amount=100 --input markup_percent=25`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd.ErrOrStderr())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to engine configuration file (YAML)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "Optional dotenv file loaded before reading DAGENGINE_* variables")
	flags.StringVarP(&opts.logLevel, "log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.logJSON, "log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newValidateCmd(opts),
		newWatchCmd(opts),
	)
	return rootCmd
}

// setup builds the logger and resolves the engine configuration: defaults, then
// the config file, then DAGENGINE_* variables.
func (o *globalOptions) setup(logOut io.Writer) error {
	o.logger = newLogger(o.logLevel, o.logJSON, logOut)
	slog.SetDefault(o.logger)

	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load env file %s: %w", o.envFile, err)
		}
	}

	cfg := dagengine.DefaultConfig()
	if o.configPath != "" {
		loaded, err := dagengine.LoadConfig(o.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.config = cfg
	return nil
}

func newLogger(level string, asJSON bool, w io.Writer) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(level)}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
