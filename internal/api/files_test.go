package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelab/backend/internal/agent"
	"github.com/tracelab/backend/internal/binfile"
	"github.com/tracelab/backend/internal/llm"
	"github.com/tracelab/backend/internal/queue"
	"github.com/tracelab/backend/internal/series"
	"github.com/tracelab/backend/internal/store"
)

// fakeStreams is the in-memory Redis Streams stand-in used across the
// handler tests.
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
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	f.entries = append(f.entries, queue.Message{ID: id, Values: copied})
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
	return 0, nil
}

func (f *fakeStreams) Ping(context.Context) error { return nil }

// scriptChatter replays canned completions in order.
type scriptChatter struct {
	responses []*llm.Response
	calls     int
}

func (c *scriptChatter) Chat(context.Context, llm.Request) (*llm.Response, error) {
	if c.calls >= len(c.responses) {
		return nil, errors.New("script exhausted")
	}
	c.calls++
	return c.responses[c.calls-1], nil
}

type stubRenderer struct{}

func (stubRenderer) Render([]agent.Subplot) (string, error) { return "IMG", nil }

type testEnv struct {
	server  *Server
	store   *store.Memory
	streams *fakeStreams
	dataDir string
}

// newTestEnv builds a server over the in-memory store with a seeded
// project, folder, file (f1, small JSON) and label.
func newTestEnv(t *testing.T, chatter llm.Chatter) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	streams := newFakeStreams()
	q, err := queue.New(ctx, streams)
	require.NoError(t, err)
	dataDir := t.TempDir()

	require.NoError(t, st.CreateProject(ctx, &store.Project{
		ID:          "p1",
		ProjectName: "thermal",
		Classes: []store.ProjectClass{
			{Name: "spike", Color: "#FF0000", Description: "A sharp temperature spike"},
		},
	}))
	require.NoError(t, st.CreateFolder(ctx, &store.Folder{
		ID:       "fo1",
		Name:     "runs",
		Project:  store.IDReference{ID: "p1", Name: "thermal"},
		FileList: []string{"f1"},
	}))
	require.NoError(t, st.CreateLabel(ctx, &store.LabelRecord{ID: "l1"}))

	writeSmallJSON(t, dataDir, "fo1/f1/run-01.json", 100)
	require.NoError(t, st.CreateFile(ctx, &store.FileRecord{
		ID:          "f1",
		Name:        "run-01.csv",
		RawPath:     "fo1/f1/run-01.csv",
		JSONPath:    "fo1/f1/run-01.json",
		Label:       "l1",
		Parsing:     store.ParsingParsed,
		TotalPoints: 100,
	}))

	if chatter == nil {
		chatter = &scriptChatter{}
	}
	runner := agent.NewRunner(chatter, st, dataDir, stubRenderer{}, nil)
	runner.StepDelay = 0
	chat := agent.NewChatAgent(chatter, st, dataDir)
	srv := NewServer(st, q, binfile.NewCache(), runner, chat, nil, dataDir, "secret")
	return &testEnv{server: srv, store: st, streams: streams, dataDir: dataDir}
}

// writeSmallJSON writes an n-row two-trace artifact (x plus one channel).
func writeSmallJSON(t *testing.T, dataDir, relPath string, n int) {
	t.Helper()
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
		ys[i] = float64(i % 7)
	}
	raw, err := json.Marshal([]series.Trace{
		{X: true, Name: "t", Unit: "s", Data: xs},
		{Name: "temp", Unit: "C", Data: ys},
	})
	require.NoError(t, err)
	path := filepath.Join(dataDir, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func (e *testEnv) request(t *testing.T, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestUploadCreatesFileAndEnqueues(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("data", "fo1"))
	require.NoError(t, mw.WriteField("user", "alice"))
	part, err := mw.CreateFormFile("file", "run-02.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("t,a\n0,1\n1,2\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := env.request(t, http.MethodPost, "/files", buf.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "done", resp["message"])
	fileID := resp["fileId"]
	require.NotEmpty(t, fileID)

	file, err := env.store.GetFile(context.Background(), fileID)
	require.NoError(t, err)
	assert.Equal(t, store.ParsingQueued, file.Parsing)
	assert.Equal(t, "alice", file.LastModifier)
	assert.NotEmpty(t, file.Label)

	folder, err := env.store.GetFolder(context.Background(), "fo1")
	require.NoError(t, err)
	assert.True(t, folder.ContainsFile(fileID))

	require.Len(t, env.streams.entries, 1)
	assert.Equal(t, fileID, env.streams.entries[0].FileID())

	_, err = os.Stat(filepath.Join(env.dataDir, "fo1", fileID, "run-02.csv"))
	assert.NoError(t, err)
}

func TestUploadUnknownFolder(t *testing.T) {
	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("data", "ghost"))
	part, err := mw.CreateFormFile("file", "x.csv")
	require.NoError(t, err)
	part.Write([]byte("a\n1\n"))
	require.NoError(t, mw.Close())

	rec := env.request(t, http.MethodPost, "/files", buf.Bytes(), mw.FormDataContentType())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, env.streams.entries)
}

func TestGetFileReturnsData(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.request(t, http.MethodGet, "/files/f1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		FileInfo store.FileRecord `json:"fileInfo"`
		Data     []series.Trace   `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "f1", resp.FileInfo.ID)
	require.Len(t, resp.Data, 2)
	assert.Len(t, resp.Data[0].Data, 100)
}

func TestGetFileNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.request(t, http.MethodGet, "/files/ghost", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListFiles(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.request(t, http.MethodGet, `/files?filesId=["f1","ghost"]`, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var files []store.FileRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Len(t, files, 1)
	assert.Equal(t, "f1", files[0].ID)
}

func TestReparseQueuesFolder(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.request(t, http.MethodPut, "/files/reparse", []byte(`{"folderId":"fo1"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp["queued"])

	file, err := env.store.GetFile(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, store.ParsingQueued, file.Parsing)
	assert.Len(t, env.streams.entries, 1)
}

func TestUpdateDescriptions(t *testing.T) {
	env := newTestEnv(t, nil)

	body := []byte(`[{"fileId":"f1","description":"baseline run"}]`)
	rec := env.request(t, http.MethodPut, "/files/descriptions", body, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	file, err := env.store.GetFile(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "baseline run", file.Description)
}

func TestDeleteFilesRemovesEverything(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.request(t, http.MethodDelete, "/files", []byte(`{"filesId":["f1"]}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := env.store.GetFile(context.Background(), "f1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.store.GetLabel(context.Background(), "l1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	folder, err := env.store.GetFolder(context.Background(), "fo1")
	require.NoError(t, err)
	assert.False(t, folder.ContainsFile("f1"))

	_, err = os.Stat(filepath.Join(env.dataDir, "fo1", "f1"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadJSONPasswordGate(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.request(t, http.MethodPost, "/files/jsonfiles",
		[]byte(`{"filesId":["f1"],"password":"wrong"}`), "application/json")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.request(t, http.MethodPost, "/files/jsonfiles",
		[]byte(`{"filesId":["f1"],"password":"secret"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string][]series.Trace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Contains(t, out, "f1")
	assert.Len(t, out["f1"], 2)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.request(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestCORSDefaultsToWildcard(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.request(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSConfiguredOrigins(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.SetAllowedOrigins("https://app.example.com, https://staging.example.com")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Values("Vary"), "Origin")

	// An origin outside the list gets no CORS grant.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	// A "*" entry restores the wildcard behavior.
	env.server.SetAllowedOrigins("*")
	rec = env.request(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
