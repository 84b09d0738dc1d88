// Package agent implements the multi-agent auto-detection pipeline: a
// planner node that analyses the whole series and schedules work, an
// identifier node that pins down event boundaries, and a validator node
// that checks interdependency rules. Nodes exchange control through a
// typed state object; plotting tools give each node a bounded view over
// the data.
package agent

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tracelab/backend/internal/series"
)

// Frame is the in-memory dataset the agents analyse: one float64 column per
// channel, indexed by row number. Rows, not x values, are the agents'
// coordinate system.
type Frame struct {
	cols []string
	data [][]float64
	n    int
}

// FrameFromTraces builds a frame from the parsed channel traces. The x trace
// is dropped; agents work in index space.
func FrameFromTraces(traces []series.Trace) (*Frame, error) {
	channels := series.Channels(traces)
	if len(channels) == 0 {
		return nil, errors.New("agent: no channels in data")
	}
	f := &Frame{n: channels[0].Len()}
	if f.n == 0 {
		return nil, errors.New("agent: empty channels")
	}
	for _, ch := range channels {
		if len(ch.Data) != f.n {
			return nil, fmt.Errorf("agent: channel %q has %d samples, want %d", ch.Name, len(ch.Data), f.n)
		}
		f.cols = append(f.cols, ch.Name)
		f.data = append(f.data, ch.Data)
	}
	return f, nil
}

// Len returns the number of rows.
func (f *Frame) Len() int { return f.n }

// Columns returns the channel names in order.
func (f *Frame) Columns() []string { return f.cols }

// Column returns the samples of a named channel.
func (f *Frame) Column(name string) ([]float64, bool) {
	for i, c := range f.cols {
		if c == name {
			return f.data[i], true
		}
	}
	return nil, false
}

func (f *Frame) col(i int) []float64 { return f.data[i] }

// Describe renders the dataset statistics handed to the agents in their
// init prompts: shape plus per-channel mean, std, min and max.
func (f *Frame) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "num_rows: %d\n", f.n)
	fmt.Fprintf(&b, "num_columns: %d\n", len(f.cols))
	fmt.Fprintf(&b, "columns: %s\n", strings.Join(f.cols, ", "))
	for i, name := range f.cols {
		col := finiteOnly(f.data[i])
		if len(col) == 0 {
			fmt.Fprintf(&b, "%s: all values missing\n", name)
			continue
		}
		fmt.Fprintf(&b, "%s: mean=%.4f std=%.4f min=%.4f max=%.4f\n",
			name, stat.Mean(col, nil), stat.StdDev(col, nil), floats.Min(col), floats.Max(col))
	}
	return strings.TrimRight(b.String(), "\n")
}

func finiteOnly(v []float64) []float64 {
	out := make([]float64, 0, len(v))
	for _, x := range v {
		if !isNaN(x) {
			out = append(out, x)
		}
	}
	return out
}

func isNaN(x float64) bool { return x != x }

// gradient computes the first numerical derivative with central differences
// in the interior and one-sided differences at the edges.
func gradient(y []float64) []float64 {
	n := len(y)
	out := make([]float64, n)
	if n < 2 {
		return out
	}
	out[0] = y[1] - y[0]
	out[n-1] = y[n-1] - y[n-2]
	for i := 1; i < n-1; i++ {
		out[i] = (y[i+1] - y[i-1]) / 2
	}
	return out
}
