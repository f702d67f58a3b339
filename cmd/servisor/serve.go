package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/servisor"
	"github.com/loykin/servisor/internal/logger"
)

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	var noStart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon and its HTTP API",
		Long: `Run the supervisor in the foreground: start every service (unless
--no-start), serve the HTTP API and stop everything on SIGINT or SIGTERM.

A failed base service stops the daemon with an error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, noStart)
		},
	}
	cmd.Flags().BoolVar(&noStart, "no-start", false, "serve the API without starting services")
	return cmd
}

func runServe(ctx context.Context, flags *GlobalFlags, noStart bool) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	closer, err := logger.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	sup, err := servisor.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Process.GracePeriod+cfg.Process.ForceTimeout+10*time.Second)
		defer cancel()
		if err := sup.Shutdown(sctx); err != nil {
			slog.Error("shutdown finished with errors", "error", err)
		}
	}()

	if cfg.Registry.Enabled {
		if err := sup.EnsureRegistry(ctx); err != nil {
			slog.Warn("registry backend not available, registry operations will fail", "error", err)
		}
	}

	sctx, stopSampler := context.WithCancel(ctx)
	defer stopSampler()
	go sup.RunSampler(sctx)

	srv, err := sup.HTTPServer()
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API listening", "addr", srv.Addr, "base_path", cfg.Server.BasePath, "tls", srv.TLSConfig != nil)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	defer func() {
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(hctx)
	}()

	if !noStart {
		if err := sup.StartAll(ctx); err != nil {
			if servisor.IsBatchAbort(err) {
				return fmt.Errorf("base service failed: %w", err)
			}
			if ctx.Err() == nil {
				return err
			}
		}
	}

	select {
	case <-ctx.Done():
		slog.Info("signal received, stopping services")
		return nil
	case err := <-errCh:
		return fmt.Errorf("API server: %w", err)
	}
}
