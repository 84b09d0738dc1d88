package parse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectTimeFormatTable(t *testing.T) {
	cases := []struct {
		sample string
		want   string
	}{
		{"2024-03-15 10:30:00.123", "%Y-%m-%d %H:%M:%S.%f"},
		{"2024-03-15 10:30:00", "%Y-%m-%d %H:%M:%S"},
		{"2024-03-15T10:30:00.5", "%Y-%m-%dT%H:%M:%S.%f"},
		{"2024-03-15T10:30:00", "%Y-%m-%dT%H:%M:%S"},
		{"2024/03/15 10:30:00", "%Y/%m/%d %H:%M:%S"},
		{"03/15/2024 10:30:00", "%m/%d/%Y %H:%M:%S"},
		{"2024-03-15", "%Y-%m-%d"},
		{"10:30:00.25", "%H:%M:%S.%f"},
		{"10:30:00", "%H:%M:%S"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DetectTimeFormat([]string{c.sample}), "sample %q", c.sample)
	}
}

func TestDetectTimeFormatDayFirstAmbiguity(t *testing.T) {
	// 15 cannot be a month, so the US pattern fails its parse and the
	// day-first pattern wins.
	assert.Equal(t, "%d/%m/%Y %H:%M:%S", DetectTimeFormat([]string{"15/03/2024 10:30:00"}))
}

func TestDetectTimeFormatAutoFallback(t *testing.T) {
	// Parseable by the library but not in the fixed table.
	assert.Equal(t, FormatAuto, DetectTimeFormat([]string{"Mar 15, 2024 10:30:00"}))
}

func TestDetectTimeFormatRejectsNonTimes(t *testing.T) {
	assert.Equal(t, "", DetectTimeFormat([]string{"hello world"}))
	assert.Equal(t, "", DetectTimeFormat([]string{"", "   ", ""}))
	assert.Equal(t, "", DetectTimeFormat(nil))
}

func TestDetectTimeFormatSkipsLeadingEmpties(t *testing.T) {
	assert.Equal(t, "%Y-%m-%d %H:%M:%S", DetectTimeFormat([]string{"", " ", "2024-01-01 00:00:00"}))
}

func TestParseTimeStringRoundTrip(t *testing.T) {
	want := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	got, err := ParseTimeString("2024-03-15 10:30:00", "%Y-%m-%d %H:%M:%S")
	require.NoError(t, err)
	assert.Equal(t, float64(want.Unix()), got)
}

func TestParseTimeStringFractionalSeconds(t *testing.T) {
	got, err := ParseTimeString("2024-03-15 10:30:00.250", "%Y-%m-%d %H:%M:%S.%f")
	require.NoError(t, err)
	base, err := ParseTimeString("2024-03-15 10:30:00", "%Y-%m-%d %H:%M:%S")
	require.NoError(t, err)
	assert.InDelta(t, base+0.25, got, 1e-9)
}

func TestParseTimeStringErrors(t *testing.T) {
	_, err := ParseTimeString("garbage", "%Y-%m-%d %H:%M:%S")
	assert.Error(t, err)

	_, err = ParseTimeString("2024-03-15", "%not-a-format")
	assert.Error(t, err)
}

func TestConvertTimesMonotonic(t *testing.T) {
	values := []string{
		"2024-03-15 10:30:00",
		"2024-03-15 10:30:01",
		"2024-03-15 10:30:02",
	}
	out, format, err := ConvertTimes(values, "%Y-%m-%d %H:%M:%S")
	require.NoError(t, err)
	assert.Equal(t, "%Y-%m-%d %H:%M:%S", format)
	require.Len(t, out, 3)
	assert.Equal(t, out[0]+1, out[1])
	assert.Equal(t, out[0]+2, out[2])
}

func TestConvertTimesAutoDerivesDisplayFormat(t *testing.T) {
	out, format, err := ConvertTimes([]string{"Mar 15, 2024 10:30:00"}, FormatAuto)
	require.NoError(t, err)
	require.Len(t, out, 1)
	// The sample has a time part but no dash/slash date separators, so the
	// derived display format is time-only.
	assert.Equal(t, "%H:%M:%S", format)
}

func TestConvertTimesFailsOnBadValue(t *testing.T) {
	_, _, err := ConvertTimes([]string{"2024-03-15 10:30:00", "oops"}, "%Y-%m-%d %H:%M:%S")
	assert.Error(t, err)
}

func TestDisplayFormatShapes(t *testing.T) {
	cases := map[string]string{
		"2024-03-15 10:30:00.5": "%Y-%m-%d %H:%M:%S.%f",
		"2024-03-15 10:30:00":   "%Y-%m-%d %H:%M:%S",
		"2024-03-15":            "%Y-%m-%d",
		"10:30:00.5":            "%H:%M:%S.%f",
		"10:30:00":              "%H:%M:%S",
	}
	for sample, want := range cases {
		assert.Equal(t, want, displayFormat(sample), "sample %q", sample)
	}
}
