package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tracelab/backend/internal/config"
	"github.com/tracelab/backend/internal/metrics"
	"github.com/tracelab/backend/internal/queue"
	"github.com/tracelab/backend/internal/store"
	"github.com/tracelab/backend/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker exited", "error", err)
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

	var st worker.Store
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := store.NewPostgres(pool)
		if err := pg.Init(ctx); err != nil {
			return err
		}
		st = pg
	}

	streams, err := queue.NewRedisStreams(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer streams.Close()
	q, err := queue.New(ctx, streams)
	if err != nil {
		return err
	}

	w := worker.New(q, st, cfg.DataDir, cfg.WorkerName, cfg.WorkerBatch, cfg.WorkerBlock, metrics.New())
	slog.Info("parse worker starting", "consumer", cfg.WorkerName, "dataDir", cfg.DataDir)
	return w.Run(ctx)
}
