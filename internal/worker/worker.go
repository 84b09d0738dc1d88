// Package worker runs the parse-queue consumer: claim a message, parse the
// raw file per its folder's template, persist JSON/binary artifacts, update
// the file record, ack. Workers share only the queue and the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tracelab/backend/internal/binfile"
	"github.com/tracelab/backend/internal/metrics"
	"github.com/tracelab/backend/internal/parse"
	"github.com/tracelab/backend/internal/queue"
	"github.com/tracelab/backend/internal/store"
)

const statsInterval = 60 * time.Second

// Store is the document-store subset the worker needs.
type Store interface {
	store.FileStore
	store.FolderStore
	store.TemplateStore
}

// Worker consumes the file-parsing stream as one named consumer.
type Worker struct {
	queue   *queue.Client
	store   Store
	dataDir string
	name    string
	batch   int64
	block   time.Duration
	metrics *metrics.Metrics
}

// New builds a worker. metrics may be nil.
func New(q *queue.Client, st Store, dataDir, name string, batch int64, block time.Duration, m *metrics.Metrics) *Worker {
	return &Worker{
		queue:   q,
		store:   st,
		dataDir: dataDir,
		name:    name,
		batch:   batch,
		block:   block,
		metrics: m,
	}
}

// Run blocks consuming messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if !w.queue.Healthy(ctx) {
		return fmt.Errorf("worker %s: redis not reachable", w.name)
	}
	slog.Info("file parser worker started",
		"worker", w.name, "batch", w.batch, "block", w.block, "dataDir", w.dataDir)

	if err := w.drainPending(ctx); err != nil {
		return err
	}

	lastStats := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			slog.Info("file parser worker stopped", "worker", w.name)
			return nil
		}

		if time.Since(lastStats) > statsInterval {
			w.logQueueStats(ctx)
			lastStats = time.Now()
		}

		msgs, err := w.queue.Read(ctx, w.name, w.batch, w.block)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			slog.Error("queue read failed", "worker", w.name, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			w.processMessage(ctx, msg)
		}
	}
}

// drainPending reprocesses messages this consumer claimed before a previous
// crash. They sit in the group's pending list until acked, so a restart with
// the same consumer name picks them up before reading new work.
func (w *Worker) drainPending(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		msgs, err := w.queue.ReadPending(ctx, w.name, w.batch)
		if err != nil {
			return fmt.Errorf("worker %s: read pending: %w", w.name, err)
		}
		if len(msgs) == 0 {
			return nil
		}
		slog.Info("reprocessing pending messages", "worker", w.name, "count", len(msgs))
		for _, msg := range msgs {
			w.processMessage(ctx, msg)
		}
	}
}

// processMessage handles one queue entry. Every outcome acks: a missing
// file is dropped, a parse failure is recorded on the file record so the
// message is never redelivered forever.
func (w *Worker) processMessage(ctx context.Context, msg queue.Message) {
	fileID := msg.FileID()
	if fileID == "" {
		slog.Error("message without file_id", "worker", w.name, "msgId", msg.ID)
		w.ack(ctx, msg.ID)
		return
	}
	slog.Info("processing parse task", "worker", w.name, "msgId", msg.ID, "fileId", fileID)

	file, err := w.store.GetFile(ctx, fileID)
	if err != nil {
		slog.Error("file not found, dropping task", "fileId", fileID, "error", err)
		w.record("missing", 0)
		w.ack(ctx, msg.ID)
		return
	}

	if err := w.store.UpdateFile(ctx, fileID, map[string]any{"parsing": store.ParsingInProgress}); err != nil {
		slog.Error("failed to mark file parsing", "fileId", fileID, "error", err)
	}

	start := time.Now()
	if err := w.parseAndPersist(ctx, file); err != nil {
		slog.Error("parse failed", "fileId", fileID, "file", file.Name, "error", err)
		if uerr := w.store.UpdateFile(ctx, fileID, map[string]any{
			"parsing":    store.ParsingError(err),
			"lastUpdate": time.Now().UTC(),
		}); uerr != nil {
			slog.Error("failed to record parse error", "fileId", fileID, "error", uerr)
		}
		w.record("error", 0)
		w.ack(ctx, msg.ID)
		return
	}

	slog.Info("file parsed", "fileId", fileID, "file", file.Name, "took", time.Since(start))
	w.record("parsed", time.Since(start).Seconds())
	w.ack(ctx, msg.ID)
}

// parseAndPersist runs the template parser and the artifact writer, then
// merges the resulting paths and stats into the file record in one update.
func (w *Worker) parseAndPersist(ctx context.Context, file *store.FileRecord) error {
	folder, err := w.store.FolderForFile(ctx, file.ID)
	if err != nil {
		return fmt.Errorf("resolve folder: %w", err)
	}
	tpl, err := w.store.GetTemplate(ctx, folder.Template.ID)
	if err != nil {
		return fmt.Errorf("resolve template %s: %w", folder.Template.ID, err)
	}

	rawPath := filepath.Join(w.dataDir, file.RawPath)
	if _, err := os.Stat(rawPath); err != nil {
		return fmt.Errorf("raw file missing: %w", err)
	}

	traces, err := parse.File(rawPath, &tpl.Template)
	if err != nil {
		return err
	}

	outDir := filepath.Dir(rawPath)
	stem := strings.TrimSuffix(filepath.Base(file.RawPath), filepath.Ext(file.RawPath))
	res, err := binfile.WriteArtifacts(outDir, stem, traces)
	if err != nil {
		return err
	}

	relDir := filepath.ToSlash(filepath.Dir(file.RawPath))
	set := map[string]any{
		"parsing":         store.ParsingParsed,
		"jsonPath":        relDir + "/" + res.JSONName,
		"useBinaryFormat": res.UseBinary,
		"totalPoints":     res.TotalPoints,
		"lastUpdate":      time.Now().UTC(),
	}
	if res.UseBinary {
		set["binaryPath"] = relDir + "/" + res.BinaryName
		set["metaPath"] = relDir + "/" + res.MetaName
		set["overviewPath"] = relDir + "/" + res.OverviewName
		set["xType"] = res.XType
		set["xFormat"] = res.XFormat
		set["xMin"] = res.XMin
		set["xMax"] = res.XMax
	}
	return w.store.UpdateFile(ctx, file.ID, set)
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.queue.Ack(ctx, id); err != nil {
		slog.Error("ack failed", "worker", w.name, "msgId", id, "error", err)
	}
}

func (w *Worker) record(status string, seconds float64) {
	if w.metrics != nil {
		w.metrics.RecordParse(status, seconds)
	}
}

func (w *Worker) logQueueStats(ctx context.Context) {
	length, err := w.queue.Length(ctx)
	if err != nil {
		slog.Error("queue length failed", "error", err)
		return
	}
	pending, err := w.queue.Pending(ctx)
	if err != nil {
		slog.Error("queue pending failed", "error", err)
		return
	}
	slog.Info("queue stats", "worker", w.name, "total", length, "pending", pending)
	if w.metrics != nil {
		w.metrics.ObserveQueue(length, pending)
	}
}
