package api

import (
	"context"
	"encoding/binary"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracelab/backend/internal/binfile"
	"github.com/tracelab/backend/internal/series"
	"github.com/tracelab/backend/internal/store"
)

func decodeFloats(t *testing.T, raw []byte) []float64 {
	t.Helper()
	require.Zero(t, len(raw)%8, "body must be a whole number of float64s")
	out := make([]float64, len(raw)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return out
}

func headerInt(t *testing.T, rec interface{ Header() http.Header }, name string) int {
	t.Helper()
	v, err := strconv.Atoi(rec.Header().Get(name))
	require.NoError(t, err, "header %s", name)
	return v
}

func TestViewportJSONSlice(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.request(t, http.MethodGet, "/files/f1/viewport?x_min=10&x_max=20", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "100", rec.Header().Get("X-Total-Points"))
	assert.Equal(t, "2", rec.Header().Get("X-Num-Columns"))
	assert.Equal(t, "temp", rec.Header().Get("X-Channel-Names"))
	assert.Equal(t, "11", rec.Header().Get("X-Returned-Points"))
	assert.Equal(t, "true", rec.Header().Get("X-Full-Resolution"))
	assert.Equal(t, "10", rec.Header().Get("X-X-Min"))
	assert.Equal(t, "20", rec.Header().Get("X-X-Max"))

	values := decodeFloats(t, rec.Body.Bytes())
	require.Len(t, values, 22)
	for i := 0; i < 11; i++ {
		assert.Equal(t, float64(10+i), values[i])
		assert.Equal(t, float64((10+i)%7), values[11+i])
	}
}

func TestViewportDownsamples(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.request(t, http.MethodGet, "/files/f1/viewport?max_points=10", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	returned := headerInt(t, rec, "X-Returned-Points")
	assert.Greater(t, returned, 0)
	assert.Less(t, returned, 100)
	assert.Equal(t, "false", rec.Header().Get("X-Full-Resolution"))
	assert.Len(t, rec.Body.Bytes(), 2*returned*8)

	values := decodeFloats(t, rec.Body.Bytes())
	// Range extremes survive any downsample.
	assert.Equal(t, 0.0, values[0])
	assert.Equal(t, 99.0, values[returned-1])
}

func TestViewportEmptyRange(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.request(t, http.MethodGet, "/files/f1/viewport?x_min=1000", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "0", rec.Header().Get("X-Returned-Points"))
	assert.Equal(t, "true", rec.Header().Get("X-Full-Resolution"))
	assert.Empty(t, rec.Body.Bytes())
}

func TestViewportBadParams(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.request(t, http.MethodGet, "/files/f1/viewport?max_points=0", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.request(t, http.MethodGet, "/files/f1/viewport?x_min=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestViewportUnknownFile(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.request(t, http.MethodGet, "/files/ghost/viewport", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// seedBinaryFile writes a real binary artifact trio for file f2 and registers
// the record. Returns the total point count.
func seedBinaryFile(t *testing.T, env *testEnv) int {
	t.Helper()
	const n = binfile.BinaryFormatThreshold
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
		ys[i] = math.Sin(float64(i) / 50)
	}
	dir := filepath.Join(env.dataDir, "fo1", "f2")
	res, err := binfile.WriteArtifacts(dir, "big", []series.Trace{
		{X: true, Name: "t", Unit: "s", Data: xs},
		{Name: "sine", Unit: "V", Data: ys},
	})
	require.NoError(t, err)
	require.True(t, res.UseBinary)

	require.NoError(t, env.store.CreateFile(context.Background(), &store.FileRecord{
		ID:              "f2",
		Name:            "big.csv",
		RawPath:         "fo1/f2/big.csv",
		JSONPath:        "fo1/f2/" + res.JSONName,
		BinaryPath:      "fo1/f2/" + res.BinaryName,
		MetaPath:        "fo1/f2/" + res.MetaName,
		OverviewPath:    "fo1/f2/" + res.OverviewName,
		UseBinaryFormat: true,
		TotalPoints:     res.TotalPoints,
		Parsing:         store.ParsingParsed,
	}))
	return n
}

func TestViewportBinarySlice(t *testing.T) {
	env := newTestEnv(t, nil)
	total := seedBinaryFile(t, env)

	rec := env.request(t, http.MethodGet, "/files/f2/viewport?x_min=100&x_max=300&max_points=500", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, strconv.Itoa(total), rec.Header().Get("X-Total-Points"))
	assert.Equal(t, "2", rec.Header().Get("X-Num-Columns"))
	assert.Equal(t, "sine", rec.Header().Get("X-Channel-Names"))
	assert.Equal(t, binfile.XTypeNumeric, rec.Header().Get("X-X-Type"))

	returned := headerInt(t, rec, "X-Returned-Points")
	assert.Equal(t, 201, returned)
	assert.Equal(t, "true", rec.Header().Get("X-Full-Resolution"))
	assert.Equal(t, "100", rec.Header().Get("X-X-Min"))
	assert.Equal(t, "300", rec.Header().Get("X-X-Max"))

	values := decodeFloats(t, rec.Body.Bytes())
	require.Len(t, values, 2*returned)
	assert.Equal(t, 100.0, values[0])
	assert.InDelta(t, math.Sin(100.0/50), values[returned], 1e-12)
}

func TestViewportBinaryDownsamples(t *testing.T) {
	env := newTestEnv(t, nil)
	seedBinaryFile(t, env)

	rec := env.request(t, http.MethodGet, "/files/f2/viewport?max_points=1000", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	returned := headerInt(t, rec, "X-Returned-Points")
	assert.Greater(t, returned, 0)
	assert.Less(t, returned, binfile.BinaryFormatThreshold)
	assert.Equal(t, "false", rec.Header().Get("X-Full-Resolution"))
	assert.Len(t, rec.Body.Bytes(), 2*returned*8)
}

func TestGetFileBinaryReturnsOverview(t *testing.T) {
	env := newTestEnv(t, nil)
	seedBinaryFile(t, env)

	rec := env.request(t, http.MethodGet, "/files/f2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		FileInfo store.FileRecord `json:"fileInfo"`
		Data     []series.Trace   `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.FileInfo.UseBinaryFormat)
	require.NotEmpty(t, resp.Data)
	assert.True(t, resp.Data[0].X)
	// Overview traces are capped well below the raw point count.
	assert.Less(t, len(resp.Data[0].Data), binfile.BinaryFormatThreshold/2)
}
