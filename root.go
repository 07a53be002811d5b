package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jadechjin/zotero-mineru-dify/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDataDir    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// bootCfg holds the bootstrap configuration loaded by PersistentPreRunE,
// and bootCfgPath the file it was resolved from. Available to all commands
// after the root pre-run phase completes.
var (
	bootCfg     *config.Config
	bootCfgPath string
)

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zmd",
		Short: "Zotero to Dify ingestion pipeline",
		Long: `zmd collects PDF attachments from a Zotero library, converts them to
Markdown through the MinerU OCR service, cleans and splits the result, and
uploads the documents into a Dify knowledge base.

Run without a subcommand for a one-shot ingestion; use 'zmd serve' for the
HTTP control plane.`,
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadBootstrapConfig()
		},
		RunE: runPipelineCmd,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "bootstrap config file path")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (runtime config, ledger, PID file)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.Flags().StringVar(&flagCollections, "collections", "", "comma-separated collection keys to ingest")
	cmd.Flags().BoolVarP(&flagInteractive, "interactive", "i", false, "pick collections from a menu when stdin is a terminal")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadBootstrapConfig resolves the bootstrap configuration from the override
// chain (defaults, config file, environment, flags) into bootCfg.
func loadBootstrapConfig() error {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}
	if flagDataDir != "" {
		cli.DataDir = &flagDataDir
	}

	cfg, path, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	bootCfg = cfg
	bootCfgPath = path

	return nil
}

// buildLogger creates an slog.Logger from the bootstrap config and CLI
// flags. The config file sets the baseline; --verbose and --quiet override
// it because CLI flags always win.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if bootCfg != nil {
		switch bootCfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if bootCfg != nil && bootCfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
