// Package series holds the channel-trace representation shared by the
// parser, the binary writer and the HTTP layer.
//
// A parsed file is an ordered list of traces: exactly one x trace followed by
// the channels in template order. The x trace carries either numeric samples
// or raw time strings (before conversion to epoch seconds).
package series

import (
	"errors"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoXTrace is returned when a trace list has no x:true entry.
var ErrNoXTrace = errors.New("series: no x trace present")

// Trace is one column of a parsed file. Exactly one of Data and Strings is
// populated; Strings is only used for time-typed x axes prior to timestamp
// conversion.
type Trace struct {
	X       bool      `json:"x"`
	Name    string    `json:"name"`
	Unit    string    `json:"unit"`
	Color   string    `json:"color,omitempty"`
	Data    []float64 `json:"data"`
	Strings []string  `json:"-"`
}

// MarshalJSON writes Strings as the data array when present, matching the
// on-disk JSON format consumed by the frontend.
func (t Trace) MarshalJSON() ([]byte, error) {
	if t.Strings != nil {
		return json.Marshal(struct {
			X     bool     `json:"x"`
			Name  string   `json:"name"`
			Unit  string   `json:"unit"`
			Color string   `json:"color,omitempty"`
			Data  []string `json:"data"`
		}{t.X, t.Name, t.Unit, t.Color, t.Strings})
	}
	type alias Trace
	return json.Marshal(alias(t))
}

// Len returns the number of samples in the trace.
func (t Trace) Len() int {
	if t.Strings != nil {
		return len(t.Strings)
	}
	return len(t.Data)
}

// XTrace returns the single x trace of a parsed file.
func XTrace(traces []Trace) (Trace, error) {
	for _, t := range traces {
		if t.X {
			return t, nil
		}
	}
	return Trace{}, ErrNoXTrace
}

// Channels returns the non-x traces in order.
func Channels(traces []Trace) []Trace {
	out := make([]Trace, 0, len(traces))
	for _, t := range traces {
		if !t.X {
			out = append(out, t)
		}
	}
	return out
}
