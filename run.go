package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/jadechjin/zotero-mineru-dify/internal/pipeline"
	"github.com/jadechjin/zotero-mineru-dify/internal/progress"
	"github.com/jadechjin/zotero-mineru-dify/internal/runtimecfg"
	"github.com/jadechjin/zotero-mineru-dify/internal/task"
	"github.com/jadechjin/zotero-mineru-dify/internal/zotero"
)

// Root-run flags, bound in newRootCmd().
var (
	flagCollections string
	flagInteractive bool
)

// preflightTimeout bounds the bridge reachability probe before a run.
const preflightTimeout = 10 * time.Second

// runPipelineCmd is the bare `zmd` invocation: one ingestion run from the
// terminal, events streamed to stderr, summary on stdout.
func runPipelineCmd(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := shutdownContext(cmd.Context(), logger)

	provider, err := runtimecfg.NewProvider(bootCfg.RuntimeConfigPath(), bootCfg.EnvFile, logger)
	if err != nil {
		return err
	}

	snap, cfgVersion := provider.Snapshot()

	if err := preflight(ctx, &snap, logger); err != nil {
		return err
	}

	keys, err := resolveCollectionScope(ctx, &snap, logger)
	if err != nil {
		return err
	}

	ledger, err := progress.NewLedger(bootCfg.ProgressDBPath(), logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	manager := task.NewManager(1, logger)

	tsk, err := manager.Create(keys, &snap, cfgVersion)
	if err != nil {
		return err
	}

	runner := pipeline.NewRunner(ledger, nil, logger)

	if err := manager.Start(tsk.ID, runner.Run); err != nil {
		return err
	}

	// First Ctrl-C cancels the task; the second force-exits via
	// shutdownContext.
	go func() {
		<-ctx.Done()
		_ = manager.Cancel(tsk.ID)
	}()

	followEvents(tsk, os.Stderr)
	printSummary(os.Stdout, tsk)

	switch tsk.Status() {
	case task.StatusFailed:
		return fmt.Errorf("pipeline failed: %s", tsk.Error())
	case task.StatusCancelled:
		return fmt.Errorf("pipeline cancelled")
	default:
		return nil
	}
}

// preflight fails fast on missing credentials or an unreachable bridge so a
// run never starts half-configured.
func preflight(ctx context.Context, snap *runtimecfg.Snapshot, logger *slog.Logger) error {
	if strings.TrimSpace(snap.Dify.APIKey) == "" {
		return fmt.Errorf("dify API key is not configured: set dify.api_key in %s or import it from .env",
			bootCfg.RuntimeConfigPath())
	}

	if strings.TrimSpace(snap.MinerU.APIToken) == "" {
		return fmt.Errorf("minerU API token is not configured: set mineru.api_token in %s or import it from .env",
			bootCfg.RuntimeConfigPath())
	}

	probeCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	client := zotero.NewClient(snap.Zotero.MCPURL, nil, logger)
	if err := client.CheckConnection(probeCtx); err != nil {
		return fmt.Errorf("zotero bridge unreachable at %s: %w", snap.Zotero.MCPURL, err)
	}

	return nil
}

// resolveCollectionScope picks the collection keys for this run: the
// --collections flag wins, then the runtime config, then the interactive
// menu, then the whole library.
func resolveCollectionScope(ctx context.Context, snap *runtimecfg.Snapshot, logger *slog.Logger) ([]string, error) {
	if keys := splitKeys(flagCollections); len(keys) > 0 {
		return keys, nil
	}

	if keys := splitKeys(snap.Zotero.CollectionKeys); len(keys) > 0 {
		return keys, nil
	}

	if flagInteractive && stdinIsTerminal() {
		client := zotero.NewClient(snap.Zotero.MCPURL, nil, logger)

		return pickCollections(ctx, client, snap.Zotero.CollectionPageSize, os.Stdin, os.Stderr)
	}

	return nil, nil
}

// splitKeys breaks a comma-separated key list, dropping blanks.
func splitKeys(s string) []string {
	var keys []string

	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}

	return keys
}

func stdinIsTerminal() bool {
	fd := os.Stdin.Fd()

	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
