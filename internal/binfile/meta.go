// Package binfile persists parsed time series as a row-major float64 binary
// matrix with a JSON metadata sidecar and a downsampled overview, and reads
// x-range slices back through a memory mapping.
//
// On-disk layout for a file with stem S:
//
//	S.bin           row-major [N, 1+K] float64, little-endian; column 0 is x
//	S_meta.json     shape, x column info, channel list (version 2)
//	S_overview.json ≤5k-point downsample with embedded meta, for first paint
//	S.json          full trace list, kept for frontend backward compatibility
//
// The x column is monotonically non-decreasing; GetSlice relies on that for
// its binary search.
package binfile

// MetaVersion 2 stores timestamps as epoch-second float64 in the x column
// rather than row indices.
const MetaVersion = 2

// XType values for the x column.
const (
	XTypeNumeric   = "numeric"
	XTypeTimestamp = "timestamp"
)

// XColumnMeta describes column 0 of the binary matrix.
type XColumnMeta struct {
	Name     string  `json:"name"`
	Unit     string  `json:"unit"`
	Type     string  `json:"type"`
	Column   int     `json:"column"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Format   string  `json:"format,omitempty"`
	Timezone string  `json:"timezone,omitempty"`
}

// ChannelMeta describes one data column.
type ChannelMeta struct {
	Name   string `json:"name"`
	Unit   string `json:"unit"`
	Color  string `json:"color"`
	Column int    `json:"column"`
}

// Meta is the sidecar written next to the .bin file.
type Meta struct {
	Format      string        `json:"format"`
	Version     int           `json:"version"`
	Shape       [2]int        `json:"shape"`
	Dtype       string        `json:"dtype"`
	TotalPoints int           `json:"totalPoints"`
	XColumn     XColumnMeta   `json:"xColumn"`
	Channels    []ChannelMeta `json:"channels"`
}

// OverviewMeta is embedded in the overview JSON.
type OverviewMeta struct {
	XType          string  `json:"xType"`
	XFormat        string  `json:"xFormat,omitempty"`
	XMin           float64 `json:"xMin"`
	XMax           float64 `json:"xMax"`
	TotalPoints    int     `json:"totalPoints"`
	OverviewPoints int     `json:"overviewPoints"`
}
