package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/coldtier/internal/config"
	"github.com/tunnelmesh/coldtier/internal/gateway"
	"github.com/tunnelmesh/coldtier/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	collectInterval = 15 * time.Second
	shutdownTimeout = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the object gateway, metrics endpoint and lifecycle scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

// runServe runs every long-lived component until ctx is cancelled or one of
// them fails.
func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	m := metrics.InitMetrics(Version)
	a, err := newApp(cfg, m)
	if err != nil {
		return err
	}

	producer := a.queue.Producer()
	if err := producer.Connect(ctx); err != nil {
		return fmt.Errorf("connect producer: %w", err)
	}
	defer func() {
		if err := producer.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("Failed to close queue handles")
		}
	}()

	store, err := gateway.NewStore(gateway.StoreConfig{
		DataDir:         cfg.DataDir,
		FS:              a.fs,
		Queue:           producer,
		ExpiryTimeOfDay: cfg.Glacier.ExpiryTimeOfDay,
		ExpiryLocation:  cfg.Glacier.Location(),
		Logger:          log.Logger,
	})
	if err != nil {
		return err
	}
	srv := gateway.NewServer(store, gateway.ServerConfig{
		Metrics:   gateway.InitMetrics(metrics.Registry),
		RateLimit: cfg.Gateway.RateLimit,
		RateBurst: cfg.Gateway.RateBurst,
		Logger:    log.Logger,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveHTTP(ctx, "gateway", &http.Server{
			Addr:              cfg.Listen,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		})
	})

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", &http.Server{
				Addr:              cfg.MetricsListen,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			})
		})
	}

	g.Go(func() error {
		return a.scheduler.Run(ctx)
	})

	g.Go(func() error {
		metrics.NewCollector(m, a.queue, log.Logger).Run(ctx, collectInterval)
		return nil
	})

	log.Info().
		Str("listen", cfg.Listen).
		Str("metrics", cfg.MetricsListen).
		Str("data_dir", cfg.DataDir).
		Str("backend", a.backend.Name()).
		Str("version", Version).
		Msg("coldtier started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("coldtier stopped")
	return nil
}

// serveHTTP runs srv until ctx is cancelled, then shuts it down gracefully.
func serveHTTP(ctx context.Context, name string, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("server", name).Str("addr", srv.Addr).Msg("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown: %w", name, err)
	}
	return nil
}
