package parse

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// FormatAuto marks x values whose format could not be matched against the
// known pattern table; conversion then goes through the dateparse library.
const FormatAuto = "auto"

// timePattern pairs a strftime-style display format (stored in metadata for
// the frontend) with its Go layout and a shape regex used for detection.
type timePattern struct {
	strftime string
	layout   string
	re       *regexp.Regexp
}

// Ordered most specific to least specific; the first regex match whose parse
// succeeds wins.
var timePatterns = []timePattern{
	{"%Y-%m-%d %H:%M:%S.%f", "2006-01-02 15:04:05.999999999", regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d+$`)},
	{"%Y-%m-%d %H:%M:%S", "2006-01-02 15:04:05", regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)},
	{"%Y-%m-%dT%H:%M:%S.%f", "2006-01-02T15:04:05.999999999", regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d+$`)},
	{"%Y-%m-%dT%H:%M:%S", "2006-01-02T15:04:05", regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}$`)},
	{"%Y/%m/%d %H:%M:%S", "2006/01/02 15:04:05", regexp.MustCompile(`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}$`)},
	{"%m/%d/%Y %H:%M:%S", "01/02/2006 15:04:05", regexp.MustCompile(`^\d{2}/\d{2}/\d{4} \d{2}:\d{2}:\d{2}$`)},
	{"%d/%m/%Y %H:%M:%S", "02/01/2006 15:04:05", regexp.MustCompile(`^\d{2}/\d{2}/\d{4} \d{2}:\d{2}:\d{2}$`)},
	{"%Y-%m-%d", "2006-01-02", regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)},
	{"%H:%M:%S.%f", "15:04:05.999999999", regexp.MustCompile(`^\d{2}:\d{2}:\d{2}\.\d+$`)},
	{"%H:%M:%S", "15:04:05", regexp.MustCompile(`^\d{2}:\d{2}:\d{2}$`)},
}

// maxDetectSamples bounds how many leading x strings are inspected.
const maxDetectSamples = 10

// DetectTimeFormat infers a strftime-style format from the first non-empty
// samples. Returns FormatAuto when only the library parser can handle the
// values, and "" when the values are not times at all.
func DetectTimeFormat(samples []string) string {
	var sample string
	n := 0
	for _, s := range samples {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if sample == "" {
			sample = s
		}
		if n++; n >= maxDetectSamples {
			break
		}
	}
	if sample == "" {
		return ""
	}

	for _, p := range timePatterns {
		if !p.re.MatchString(sample) {
			continue
		}
		if _, err := time.Parse(p.layout, sample); err == nil {
			return p.strftime
		}
	}

	if _, err := dateparse.ParseAny(sample); err == nil {
		return FormatAuto
	}
	return ""
}

// layoutFor maps a detected strftime format back to its Go layout.
func layoutFor(strftime string) (string, bool) {
	for _, p := range timePatterns {
		if p.strftime == strftime {
			return p.layout, true
		}
	}
	return "", false
}

// ParseTimeString converts one time string to float64 seconds since the Unix
// epoch (fractional seconds preserved).
func ParseTimeString(s, format string) (float64, error) {
	s = strings.TrimSpace(s)
	var t time.Time
	var err error
	if format == FormatAuto {
		t, err = dateparse.ParseAny(s)
	} else {
		layout, ok := layoutFor(format)
		if !ok {
			return 0, fmt.Errorf("unknown time format %q", format)
		}
		t, err = time.Parse(layout, s)
	}
	if err != nil {
		return 0, fmt.Errorf("parse time %q with format %q: %w", s, format, err)
	}
	return epochSeconds(t), nil
}

// ConvertTimes converts all time strings to epoch seconds. For FormatAuto the
// returned format is derived from the structure of the first sample so the
// frontend has a concrete display format.
func ConvertTimes(values []string, format string) ([]float64, string, error) {
	out := make([]float64, len(values))
	for i, s := range values {
		ts, err := ParseTimeString(s, format)
		if err != nil {
			return nil, "", err
		}
		out[i] = ts
	}
	if format == FormatAuto && len(values) > 0 {
		format = displayFormat(values[0])
	}
	return out, format, nil
}

// displayFormat derives a strftime display format from the shape of a sample
// string: presence of a date part, a time part, and fractional seconds.
func displayFormat(sample string) string {
	sample = strings.TrimSpace(sample)
	hasFrac := false
	if i := strings.LastIndex(sample, "."); i >= 0 {
		for _, c := range sample[i+1:] {
			if c >= '0' && c <= '9' {
				hasFrac = true
				break
			}
		}
	}
	hasDate := strings.Contains(sample, "-") || strings.Contains(sample, "/")
	hasTime := strings.Contains(sample, ":")

	switch {
	case hasDate && hasTime && hasFrac:
		return "%Y-%m-%d %H:%M:%S.%f"
	case hasDate && hasTime:
		return "%Y-%m-%d %H:%M:%S"
	case hasDate:
		return "%Y-%m-%d"
	case hasTime && hasFrac:
		return "%H:%M:%S.%f"
	case hasTime:
		return "%H:%M:%S"
	default:
		return "%Y-%m-%d %H:%M:%S"
	}
}

func epochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}
