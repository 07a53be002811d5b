package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jadechjin/zotero-mineru-dify/internal/httpapi"
	"github.com/jadechjin/zotero-mineru-dify/internal/pipeline"
	"github.com/jadechjin/zotero-mineru-dify/internal/progress"
	"github.com/jadechjin/zotero-mineru-dify/internal/runtimecfg"
	"github.com/jadechjin/zotero-mineru-dify/internal/task"
)

var flagListen string

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control plane",
		Long: `Start the HTTP API the web frontend talks to: task creation and
monitoring, runtime configuration, service health probes, and the websocket
event stream.`,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&flagListen, "listen", "", "bind address (host:port), overrides the config file")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	if flagListen != "" {
		bootCfg.Listen = flagListen
	}

	cleanup, err := writePIDFile(bootCfg.PIDFilePath())
	if err != nil {
		return err
	}
	defer cleanup()

	provider, err := runtimecfg.NewProvider(bootCfg.RuntimeConfigPath(), bootCfg.EnvFile, logger)
	if err != nil {
		return err
	}

	ledger, err := progress.NewLedger(bootCfg.ProgressDBPath(), logger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx := shutdownContext(cmd.Context(), logger)

	if bootCfg.WatchRuntimeConfig {
		go func() {
			if err := provider.Watch(ctx); err != nil {
				logger.Warn("runtime config watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	manager := task.NewManager(bootCfg.MaxConcurrentTasks, logger)
	runner := pipeline.NewRunner(ledger, nil, logger)

	api := httpapi.NewServer(manager, provider, runner.Run, nil, logger, httpapi.Options{
		AllowedOrigins: bootCfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              bootCfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("control plane listening", slog.String("addr", bootCfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	logger.Info("control plane stopped")

	return nil
}
