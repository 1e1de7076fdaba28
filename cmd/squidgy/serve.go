package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/squidgy/internal/httpapi"
	"github.com/ent0n29/squidgy/internal/ledger"
	"github.com/ent0n29/squidgy/internal/observability"
	"github.com/ent0n29/squidgy/internal/session"
)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard HTTP and websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			metrics := observability.NewMetrics(cfg.MetricsNamespace)

			store, err := ledger.NewStore(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("ledger store init failed: %w", err)
			}
			defer store.Close()
			recorder := ledger.NewRecorder(store, logger, 0)
			defer recorder.Close()

			minter, factory, provider := avatarBackend(cfg, logger)
			logger.Info().Str("avatar_provider", provider).Msg("avatar backend selected")

			sessions := session.NewManager(cfg.SessionInactivityTimeout)
			api := httpapi.New(cfg, httpapi.Deps{
				Sessions: sessions,
				Minter:   minter,
				Factory:  factory,
				Ledger:   store,
				Recorder: recorder,
				Metrics:  metrics,
				Logger:   logger,
			})
			httpServer := &http.Server{
				Addr:              cfg.BindAddr,
				Handler:           api.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			sessions.StartJanitor(ctx, 5*time.Second)

			serveErr := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					return fmt.Errorf("listen error: %w", err)
				}
			case <-ctx.Done():
				logger.Info().Msg("shutdown signal received")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("graceful shutdown failed")
				_ = httpServer.Close()
			}
			// Shutdown does not wait for hijacked websockets; stop their vendor sessions here.
			api.Close()

			logger.Info().Msg("shutdown complete")
			return nil
		},
	}
}
