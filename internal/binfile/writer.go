package binfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/tracelab/backend/internal/parse"
	"github.com/tracelab/backend/internal/resample"
	"github.com/tracelab/backend/internal/series"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// BinaryFormatThreshold is the point count at which a file switches
	// from JSON-only storage to binary + overview.
	BinaryFormatThreshold = 100_000

	// OverviewTargetPoints is the per-channel downsample budget for the
	// overview file.
	OverviewTargetPoints = 5000

	defaultChannelColor = "#000000"
)

// WriteResult reports what the writer produced for one file. Paths are file
// names relative to the output directory; empty when the artifact was not
// written.
type WriteResult struct {
	UseBinary    bool
	JSONName     string
	BinaryName   string
	MetaName     string
	OverviewName string

	TotalPoints int
	XType       string
	XFormat     string
	XMin        float64
	XMax        float64
}

// WriteArtifacts persists parsed traces under dir using the given stem.
// Files with at least BinaryFormatThreshold points get the binary + meta +
// overview trio; the full JSON is always written for backward compatibility.
func WriteArtifacts(dir, stem string, traces []series.Trace) (*WriteResult, error) {
	xTrace, err := series.XTrace(traces)
	if err != nil {
		return nil, err
	}
	channels := series.Channels(traces)
	n := xTrace.Len()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	res := &WriteResult{
		TotalPoints: n,
		JSONName:    stem + ".json",
	}
	if err := writeJSON(filepath.Join(dir, res.JSONName), traces); err != nil {
		return nil, err
	}

	if n < BinaryFormatThreshold {
		slog.Info("stored file as JSON", "stem", stem, "points", n)
		return res, nil
	}

	xNumeric, xType, xFormat := resolveX(xTrace)
	res.UseBinary = true
	res.XType = xType
	res.XFormat = xFormat
	res.XMin = xNumeric[0]
	res.XMax = xNumeric[n-1]

	res.BinaryName = stem + ".bin"
	res.MetaName = stem + "_meta.json"
	meta := buildMeta(xTrace, channels, xNumeric, xType, xFormat)
	if err := writeBinary(filepath.Join(dir, res.BinaryName), xNumeric, channels); err != nil {
		return nil, err
	}
	if err := writeIndentedJSON(filepath.Join(dir, res.MetaName), meta); err != nil {
		return nil, err
	}

	res.OverviewName = stem + "_overview.json"
	if err := writeOverview(filepath.Join(dir, res.OverviewName), xTrace, channels, xNumeric, xType, xFormat); err != nil {
		return nil, err
	}

	slog.Info("stored file as binary", "stem", stem, "points", n, "channels", len(channels), "xType", xType)
	return res, nil
}

// resolveX produces the numeric x column. Time strings are converted to epoch
// seconds; if no format can be detected (or conversion fails) the x axis
// degrades to row indices.
func resolveX(xTrace series.Trace) (xNumeric []float64, xType, xFormat string) {
	n := xTrace.Len()
	if xTrace.Strings == nil {
		return xTrace.Data, XTypeNumeric, ""
	}

	format := parse.DetectTimeFormat(xTrace.Strings)
	if format != "" {
		converted, displayFmt, err := parse.ConvertTimes(xTrace.Strings, format)
		if err == nil {
			return converted, XTypeTimestamp, displayFmt
		}
		slog.Warn("time conversion failed, falling back to row indices", "error", err)
	} else {
		slog.Warn("could not detect time format, treating x as row indices")
	}

	xNumeric = make([]float64, n)
	for i := range xNumeric {
		xNumeric[i] = float64(i)
	}
	return xNumeric, XTypeNumeric, ""
}

func buildMeta(xTrace series.Trace, channels []series.Trace, xNumeric []float64, xType, xFormat string) *Meta {
	n := len(xNumeric)
	meta := &Meta{
		Format:      "binary",
		Version:     MetaVersion,
		Shape:       [2]int{n, 1 + len(channels)},
		Dtype:       "float64",
		TotalPoints: n,
		XColumn: XColumnMeta{
			Name:   xTrace.Name,
			Unit:   xTrace.Unit,
			Type:   xType,
			Column: 0,
			Min:    xNumeric[0],
			Max:    xNumeric[n-1],
		},
	}
	if xType == XTypeTimestamp && xFormat != "" {
		meta.XColumn.Format = xFormat
		meta.XColumn.Timezone = "local"
	}
	for i, ch := range channels {
		color := ch.Color
		if color == "" {
			color = defaultChannelColor
		}
		meta.Channels = append(meta.Channels, ChannelMeta{
			Name:   ch.Name,
			Unit:   ch.Unit,
			Color:  color,
			Column: i + 1,
		})
	}
	return meta
}

// writeBinary streams rows [x, ch1, ..., chK] as little-endian float64.
func writeBinary(path string, x []float64, channels []series.Trace) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create binary file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 1<<20)
	var buf [8]byte
	writeVal := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		w.Write(buf[:])
	}
	for i := range x {
		writeVal(x[i])
		for _, ch := range channels {
			writeVal(ch.Data[i])
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush binary file: %w", err)
	}
	return f.Sync()
}

func writeOverview(path string, xTrace series.Trace, channels []series.Trace, xNumeric []float64, xType, xFormat string) error {
	n := len(xNumeric)
	chanData := make([][]float64, len(channels))
	for i, ch := range channels {
		chanData[i] = sanitizeNaN(ch.Data)
	}

	res, err := resample.Resample(xNumeric, chanData, OverviewTargetPoints)
	if err != nil {
		return fmt.Errorf("overview resample: %w", err)
	}

	data := make([]series.Trace, 0, 1+len(channels))
	data = append(data, series.Trace{X: true, Name: xTrace.Name, Unit: xTrace.Unit, Data: res.X})
	for i, ch := range channels {
		color := ch.Color
		if color == "" {
			color = defaultChannelColor
		}
		data = append(data, series.Trace{Name: ch.Name, Unit: ch.Unit, Color: color, Data: res.Channels[i]})
	}

	overview := struct {
		Meta OverviewMeta   `json:"meta"`
		Data []series.Trace `json:"data"`
	}{
		Meta: OverviewMeta{
			XType:          xType,
			XFormat:        xFormat,
			XMin:           xNumeric[0],
			XMax:           xNumeric[n-1],
			TotalPoints:    n,
			OverviewPoints: len(res.X),
		},
		Data: data,
	}
	return writeJSON(path, overview)
}

// sanitizeNaN replaces NaN with 0 so the downsampler and JSON encoding stay
// well-defined.
func sanitizeNaN(data []float64) []float64 {
	clean := true
	for _, v := range data {
		if math.IsNaN(v) {
			clean = false
			break
		}
	}
	if clean {
		return data
	}
	out := make([]float64, len(data))
	for i, v := range data {
		if math.IsNaN(v) {
			out[i] = 0
		} else {
			out[i] = v
		}
	}
	return out
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeIndentedJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return nil
}
