package api

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tracelab/backend/internal/resample"
	"github.com/tracelab/backend/internal/series"
)

// DefaultViewportPoints is the per-request resample budget when max_points
// is not given.
const DefaultViewportPoints = 20000

// viewportData is the sliced, not yet resampled range of one file.
type viewportData struct {
	x        []float64
	channels [][]float64
	names    []string
	total    int
	xType    string
	xFormat  string
	binary   bool
}

// handleViewport serves GET /files/{id}/viewport: slice the requested x
// range, resample to the point budget and stream concatenated little-endian
// float64 arrays in column order [x, ch1, ..., chK]. The response headers
// are authoritative for the body's shape.
func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := mux.Vars(r)["id"]
	file, err := s.store.GetFile(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("file %s not found", id))
		return
	}

	q := r.URL.Query()
	maxPoints := DefaultViewportPoints
	if raw := q.Get("max_points"); raw != "" {
		maxPoints, err = strconv.Atoi(raw)
		if err != nil || maxPoints <= 0 {
			writeError(w, http.StatusBadRequest, "max_points must be a positive integer")
			return
		}
	}
	xMin, err := queryFloat(q.Get("x_min"), math.Inf(-1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "x_min must be a number")
		return
	}
	xMax, err := queryFloat(q.Get("x_max"), math.Inf(1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "x_max must be a number")
		return
	}

	var data *viewportData
	if file.UseBinaryFormat {
		data, err = s.binaryViewport(file.BinaryPath, file.MetaPath, xMin, xMax)
	} else {
		data, err = s.jsonViewport(file.JSONPath, xMin, xMax)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("viewport read failed: %v", err))
		return
	}

	format := "json"
	if data.binary {
		format = "binary"
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("X-Total-Points", strconv.Itoa(data.total))
	h.Set("X-Num-Columns", strconv.Itoa(1+len(data.channels)))
	h.Set("X-Channel-Names", joinNames(data.names))
	if data.binary {
		h.Set("X-X-Type", data.xType)
		h.Set("X-X-Format", data.xFormat)
	}

	if len(data.x) == 0 {
		h.Set("X-Returned-Points", "0")
		h.Set("X-Full-Resolution", "true")
		w.WriteHeader(http.StatusOK)
		if s.metrics != nil {
			s.metrics.RecordViewport(format, 0, time.Since(start).Seconds())
		}
		return
	}

	res, err := resample.Resample(data.x, data.channels, maxPoints)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("resample failed: %v", err))
		return
	}

	h.Set("X-Returned-Points", strconv.Itoa(len(res.X)))
	h.Set("X-Full-Resolution", strconv.FormatBool(res.FullResolution))
	h.Set("X-X-Min", strconv.FormatFloat(res.X[0], 'g', -1, 64))
	h.Set("X-X-Max", strconv.FormatFloat(res.X[len(res.X)-1], 'g', -1, 64))
	w.WriteHeader(http.StatusOK)

	writeFloats(w, res.X)
	for _, ch := range res.Channels {
		writeFloats(w, ch)
	}

	if s.metrics != nil {
		s.metrics.RecordViewport(format, len(res.X), time.Since(start).Seconds())
	}
}

// binaryViewport slices the mapped binary matrix.
func (s *Server) binaryViewport(binPath, metaPath string, xMin, xMax float64) (*viewportData, error) {
	reader, err := s.readers.Get(
		filepath.Join(s.dataDir, filepath.FromSlash(binPath)),
		filepath.Join(s.dataDir, filepath.FromSlash(metaPath)))
	if err != nil {
		return nil, err
	}
	meta := reader.Meta()

	rows, _ := reader.GetSlice(xMin, xMax)
	k := reader.Cols() - 1
	data := &viewportData{
		x:        make([]float64, len(rows)),
		channels: make([][]float64, k),
		total:    meta.TotalPoints,
		xType:    meta.XColumn.Type,
		xFormat:  meta.XColumn.Format,
		binary:   true,
	}
	for _, ch := range meta.Channels {
		data.names = append(data.names, ch.Name)
	}
	for c := 0; c < k; c++ {
		data.channels[c] = make([]float64, len(rows))
	}
	for i, row := range rows {
		data.x[i] = row[0]
		for c := 0; c < k; c++ {
			data.channels[c][i] = row[c+1]
		}
	}
	return data, nil
}

// jsonViewport slices the full JSON artifact of a small file.
func (s *Server) jsonViewport(jsonPath string, xMin, xMax float64) (*viewportData, error) {
	traces, err := s.readTraces(jsonPath)
	if err != nil {
		return nil, err
	}
	xTrace, err := series.XTrace(traces)
	if err != nil {
		return nil, err
	}
	channels := series.Channels(traces)
	n := len(xTrace.Data)

	lo := sort.SearchFloat64s(xTrace.Data, xMin)
	hi := sort.Search(n, func(i int) bool { return xTrace.Data[i] > xMax })
	if lo > hi {
		lo = hi
	}

	data := &viewportData{
		x:        xTrace.Data[lo:hi],
		channels: make([][]float64, len(channels)),
		total:    n,
	}
	for i, ch := range channels {
		data.names = append(data.names, ch.Name)
		data.channels[i] = ch.Data[lo:hi]
	}
	return data, nil
}

func queryFloat(raw string, fallback float64) (float64, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}

// writeFloats streams values as little-endian float64.
func writeFloats(w http.ResponseWriter, values []float64) {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	w.Write(buf)
}
