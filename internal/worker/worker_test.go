package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelab/backend/internal/binfile"
	"github.com/tracelab/backend/internal/parse"
	"github.com/tracelab/backend/internal/queue"
	"github.com/tracelab/backend/internal/store"
)

// fakeStreams is a minimal in-memory Streams for driving the worker.
type fakeStreams struct {
	entries   []queue.Message
	delivered map[string]string
	acked     map[string]bool
	nextID    int
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{delivered: make(map[string]string), acked: make(map[string]bool)}
}

func (f *fakeStreams) XAdd(_ context.Context, _ string, values map[string]string) (string, error) {
	f.nextID++
	id := fmt.Sprintf("%d-0", f.nextID)
	f.entries = append(f.entries, queue.Message{ID: id, Values: values})
	return id, nil
}

func (f *fakeStreams) XGroupCreateMkStream(context.Context, string, string, string) error {
	return nil
}

func (f *fakeStreams) XReadGroup(_ context.Context, _, consumer, _, start string, count int64, _ time.Duration) ([]queue.Message, error) {
	var out []queue.Message
	for _, m := range f.entries {
		if start == ">" {
			if _, taken := f.delivered[m.ID]; taken {
				continue
			}
			f.delivered[m.ID] = consumer
		} else if f.delivered[m.ID] != consumer || f.acked[m.ID] {
			continue
		}
		out = append(out, m)
		if int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (f *fakeStreams) XAck(_ context.Context, _, _ string, ids ...string) error {
	for _, id := range ids {
		f.acked[id] = true
	}
	return nil
}

func (f *fakeStreams) XLen(context.Context, string) (int64, error) {
	return int64(len(f.entries)), nil
}

func (f *fakeStreams) XPending(context.Context, string, string) (int64, error) {
	var n int64
	for _, m := range f.entries {
		if !f.acked[m.ID] {
			n++
		}
	}
	return n, nil
}

func (f *fakeStreams) Ping(context.Context) error { return nil }

type fixture struct {
	worker  *Worker
	store   *store.Memory
	streams *fakeStreams
	queue   *queue.Client
	dataDir string
}

// seedFile writes a raw CSV and registers file, folder and template records
// around it.
func seedFile(t *testing.T, dataDir, fileID, csv string) {
	t.Helper()
	rel := filepath.Join("proj1", fileID, "run.csv")
	full := filepath.Join(dataDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(csv), 0o644))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	fs := newFakeStreams()
	q, err := queue.New(ctx, fs)
	require.NoError(t, err)

	dataDir := t.TempDir()
	require.NoError(t, st.CreateTemplate(ctx, &store.TemplateRecord{
		ID:           "t1",
		TemplateName: "csv runs",
		Template: parse.Template{
			FileType: ".csv",
			X:        parse.XSpec{Regex: "t", Name: "time", Unit: "s"},
			Channels: []parse.ChannelSpec{
				{ChannelName: "a", Regex: "a", Mandatory: true, Color: "#ff0000"},
			},
		},
	}))
	require.NoError(t, st.CreateFolder(ctx, &store.Folder{
		ID:       "d1",
		Name:     "runs",
		Template: store.IDReference{ID: "t1"},
	}))

	w := New(q, st, dataDir, "worker-1", 10, 0, nil)
	return &fixture{worker: w, store: st, streams: fs, queue: q, dataDir: dataDir}
}

func (fx *fixture) addFile(t *testing.T, ctx context.Context, fileID, csv string) queue.Message {
	t.Helper()
	seedFile(t, fx.dataDir, fileID, csv)
	require.NoError(t, fx.store.CreateFile(ctx, &store.FileRecord{
		ID:      fileID,
		Name:    "run.csv",
		RawPath: "proj1/" + fileID + "/run.csv",
		Parsing: store.ParsingQueued,
	}))
	require.NoError(t, fx.store.AddFileToFolder(ctx, "d1", fileID))
	id, err := fx.queue.Enqueue(ctx, fileID, nil)
	require.NoError(t, err)
	msgs, err := fx.queue.Read(ctx, "worker-1", 10, 0)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("enqueued message %s not delivered", id)
	return queue.Message{}
}

func TestProcessMessageSmallFile(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	msg := fx.addFile(t, ctx, "f1", "t,a\n0,1\n1,2\n2,3\n")

	fx.worker.processMessage(ctx, msg)

	f, err := fx.store.GetFile(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, store.ParsingParsed, f.Parsing)
	assert.False(t, f.UseBinaryFormat)
	assert.Equal(t, 3, f.TotalPoints)
	assert.Equal(t, "proj1/f1/run.json", f.JSONPath)
	assert.True(t, fx.streams.acked[msg.ID])

	_, err = os.Stat(filepath.Join(fx.dataDir, "proj1", "f1", "run.json"))
	assert.NoError(t, err)
}

func TestProcessMessageLargeFileBinary(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	var sb strings.Builder
	sb.WriteString("t,a\n")
	for i := 0; i < binfile.BinaryFormatThreshold; i++ {
		fmt.Fprintf(&sb, "%d,%d\n", i, i%17)
	}
	msg := fx.addFile(t, ctx, "f2", sb.String())

	fx.worker.processMessage(ctx, msg)

	f, err := fx.store.GetFile(ctx, "f2")
	require.NoError(t, err)
	assert.Equal(t, store.ParsingParsed, f.Parsing)
	assert.True(t, f.UseBinaryFormat)
	assert.Equal(t, binfile.BinaryFormatThreshold, f.TotalPoints)
	assert.Equal(t, "proj1/f2/run.bin", f.BinaryPath)
	assert.Equal(t, "proj1/f2/run_meta.json", f.MetaPath)
	assert.Equal(t, "proj1/f2/run_overview.json", f.OverviewPath)
	assert.Equal(t, binfile.XTypeNumeric, f.XType)
	assert.Equal(t, 0.0, f.XMin)
	assert.Equal(t, float64(binfile.BinaryFormatThreshold-1), f.XMax)
}

func TestProcessMessageMissingFileRecordAcks(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.queue.Enqueue(ctx, "ghost", nil)
	require.NoError(t, err)
	msgs, err := fx.queue.Read(ctx, "worker-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	fx.worker.processMessage(ctx, msgs[0])
	assert.True(t, fx.streams.acked[id])
}

func TestProcessMessageParseErrorRecordedAndAcked(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	// Mandatory channel "a" missing from the header.
	msg := fx.addFile(t, ctx, "f3", "t,b\n0,1\n1,2\n")

	fx.worker.processMessage(ctx, msg)

	f, err := fx.store.GetFile(ctx, "f3")
	require.NoError(t, err)
	assert.True(t, store.IsParsingError(f.Parsing))
	assert.Contains(t, f.Parsing, "channel a")
	assert.True(t, fx.streams.acked[msg.ID])
}

func TestProcessMessageMissingRawFile(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	msg := fx.addFile(t, ctx, "f4", "t,a\n0,1\n")
	require.NoError(t, os.Remove(filepath.Join(fx.dataDir, "proj1", "f4", "run.csv")))

	fx.worker.processMessage(ctx, msg)

	f, err := fx.store.GetFile(ctx, "f4")
	require.NoError(t, err)
	assert.True(t, store.IsParsingError(f.Parsing))
	assert.True(t, fx.streams.acked[msg.ID])
}

func TestRunReprocessesPendingAfterRestart(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// A message claimed but never acked simulates a crash mid-parse.
	msg := fx.addFile(t, ctx, "f5", "t,a\n0,1\n1,2\n")
	require.False(t, fx.streams.acked[msg.ID])

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- fx.worker.Run(runCtx) }()

	require.Eventually(t, func() bool {
		f, err := fx.store.GetFile(ctx, "f5")
		return err == nil && f.Parsing == store.ParsingParsed
	}, 2*time.Second, 10*time.Millisecond, "pending message not reprocessed on restart")
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
	assert.True(t, fx.streams.acked[msg.ID])
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- fx.worker.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}
