package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/appointment-reminder-engine/internal/app"
	"github.com/hackgods/appointment-reminder-engine/internal/config"
	"github.com/hackgods/appointment-reminder-engine/internal/logging"
	redisclient "github.com/hackgods/appointment-reminder-engine/internal/redis"
)

const statsInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New("info", "prod")
		fallback.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.LogLevel, cfg.Env).With().Str("service", "reminder-worker").Logger()
	logger.Info().
		Str("env", cfg.Env).
		Dur("poll_interval", cfg.Jobs.PollInterval).
		Int("concurrency", cfg.Jobs.Concurrency).
		Msg("reminder-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.Build(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("engine setup failed")
	}
	defer engine.Close()

	g, gctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		engine.Queue.Run(gctx)
		return nil
	})

	g.Go(func() error {
		reportStats(gctx, engine.Queue, logger)
		return nil
	})

	if gatherer := engine.Gatherer(); gatherer != nil {
		addr := os.Getenv("WORKER_METRICS_ADDR")
		if addr == "" {
			addr = ":9091"
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info().Str("addr", addr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("reminder-worker stopped with error")
		return
	}
	logger.Info().Msg("shutdown signal received, reminder-worker stopped")
}

func reportStats(ctx context.Context, q *redisclient.JobQueue, logger zerolog.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			stats, err := q.Stats(statsCtx)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("queue stats unavailable")
				continue
			}
			logger.Info().
				Int64("scheduled", stats.Scheduled).
				Int64("processing", stats.Processing).
				Int64("dead", stats.Dead).
				Msg("reminder queue")
		}
	}
}
