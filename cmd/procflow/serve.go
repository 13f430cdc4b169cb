package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/procflow/internal/api"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the token runner, scheduler and HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reload, _ := cmd.Flags().GetDuration("reload-interval")
		return runServe(cmd.Context(), reload)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen-addr", defaultConfig().ListenAddr, "HTTP listen address")
	serveCmd.Flags().Duration("reload-interval", 0, "rescan models-dir for changed models (0 disables)")
}

func runServe(parent context.Context, reload time.Duration) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.scheduler.RecoverMissed(ctx); err != nil {
		a.logger.Warn("recover missed jobs", "error", err)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.scheduler.Stop()

	a.runner.Start(ctx)
	if reload > 0 {
		go a.watchModels(ctx, reload)
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewServer(api.Deps{
			Launcher:  a.launcher,
			Models:    a.models,
			Store:     a.store,
			Scheduler: a.scheduler,
			Runner:    a.runner,
			Hub:       a.hub,
			Gatherer:  a.metrics,
			Logger:    a.logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", srv.Addr, "models", len(a.models.Models()))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("graceful shutdown did not complete", "error", err)
		_ = srv.Close()
	}

	a.runner.Stop()
	if !a.runner.WaitForStop(shutdownTimeout) {
		a.logger.Warn("runner did not drain in time", "executing", a.runner.Executing())
	}
	return nil
}

// watchModels re-syncs the model directory every interval. Unchanged
// documents are skipped by fingerprint.
func (a *app) watchModels(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.loader.Sync(a.models, a.cfg.ModelsDir, a.cfg.ModelsGlob); err != nil {
				a.logger.Warn("model reload failed", "dir", a.cfg.ModelsDir, "error", err)
			}
		}
	}
}
