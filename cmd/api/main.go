package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/tracelab/backend/internal/agent"
	"github.com/tracelab/backend/internal/api"
	"github.com/tracelab/backend/internal/binfile"
	"github.com/tracelab/backend/internal/config"
	"github.com/tracelab/backend/internal/llm"
	"github.com/tracelab/backend/internal/metrics"
	"github.com/tracelab/backend/internal/queue"
	"github.com/tracelab/backend/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("api server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	streams, err := queue.NewRedisStreams(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer streams.Close()
	q, err := queue.New(ctx, streams)
	if err != nil {
		return err
	}

	m := metrics.New()
	readers := binfile.NewCache()
	defer readers.Close()

	chatter := llm.New(cfg.LLMEndpoint, cfg.LLMAPIKey, cfg.LLMDeployment, cfg.LLMAPIVersion)
	runner := agent.NewRunner(chatter, st, cfg.DataDir, agent.PlotRenderer{}, m)
	chat := agent.NewChatAgent(chatter, st, cfg.DataDir)

	server := api.NewServer(st, q, readers, runner, chat, m, cfg.DataDir, cfg.DownloadPassword)
	server.SetMaxUploadBytes(cfg.MaxUploadBytes)
	server.SetAllowedOrigins(cfg.AllowedOrigins)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("api server listening", "port", cfg.Port, "dataDir", cfg.DataDir)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		pollQueueGauges(ctx, q, m)
		return nil
	})

	return g.Wait()
}

// openStore returns the pgx-backed store when DATABASE_URL is set, the
// in-memory store otherwise (single-process development).
func openStore(ctx context.Context, cfg *config.Settings) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgres(pool)
	if err := pg.Init(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("connected to Postgres")
	return pg, pool.Close, nil
}

// pollQueueGauges samples queue depth and pending count for Prometheus.
func pollQueueGauges(ctx context.Context, q *queue.Client, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := q.Length(ctx)
			if err != nil {
				continue
			}
			pending, err := q.Pending(ctx)
			if err != nil {
				continue
			}
			m.ObserveQueue(depth, pending)
		}
	}
}
