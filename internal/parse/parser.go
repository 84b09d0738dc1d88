// Package parse turns raw spreadsheet and CSV uploads into typed channel
// traces, driven by a user-defined template. It also owns time-format
// detection for time-typed x axes.
package parse

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"github.com/tracelab/backend/internal/series"
)

// Parse error kinds. Callers match with errors.Is; the wrapped message
// carries the detail shown to the user.
var (
	ErrValidation     = errors.New("template validation failed")
	ErrNonNumericX    = errors.New("x column is not numeric")
	ErrTimeParse      = errors.New("x column cannot be parsed as time")
	ErrChannelMissing = errors.New("mandatory channel not found")
)

// XSpec configures x-axis extraction. Regex is either a pattern matched
// against column names or a literal "col:N" index; UseIndex overrides both
// with synthetic row indices.
type XSpec struct {
	Regex    string `json:"regex"`
	UseIndex bool   `json:"useIndex"`
	IsTime   bool   `json:"isTime"`
	Name     string `json:"name"`
	Unit     string `json:"unit"`
}

// ChannelSpec configures one channel column. Regex is "col:N" or an exact
// column name. Non-mandatory channels that cannot be resolved are skipped.
type ChannelSpec struct {
	ChannelName string `json:"channelName"`
	Regex       string `json:"regex"`
	Mandatory   bool   `json:"mandatory"`
	Color       string `json:"color"`
	Unit        string `json:"unit"`
}

// Template describes how a raw file maps to traces.
type Template struct {
	FileType  string        `json:"fileType"`
	SheetName string        `json:"sheetName"`
	HeadRow   int           `json:"headRow"`
	SkipRow   int           `json:"skipRow"`
	X         XSpec         `json:"x"`
	Channels  []ChannelSpec `json:"channels"`
}

// table is the normalized view of an opened file: a header row and the data
// rows below it, as strings.
type table struct {
	header []string
	rows   [][]string
}

func (t *table) cell(row, col int) string {
	r := t.rows[row]
	if col >= len(r) {
		return ""
	}
	return r[col]
}

// File parses the raw file at path according to the template and returns the
// ordered trace list: the x trace first, then channels in template order.
func File(path string, tpl *Template) ([]series.Trace, error) {
	var (
		tbl *table
		err error
	)
	switch tpl.FileType {
	case ".csv":
		tbl, err = readCSV(path, tpl.HeadRow)
	case ".xlsx":
		tbl, err = readXLSX(path, tpl.SheetName, tpl.HeadRow)
	case ".xls":
		tbl, err = readXLS(path, tpl.SheetName, tpl.HeadRow)
	default:
		return nil, fmt.Errorf("%w: unsupported file type %q", ErrValidation, tpl.FileType)
	}
	if err != nil {
		return nil, err
	}

	if tpl.SkipRow >= len(tbl.rows) {
		return nil, fmt.Errorf("%w: skipRow %d leaves no data rows (have %d)", ErrValidation, tpl.SkipRow, len(tbl.rows))
	}
	if tpl.SkipRow > 0 {
		tbl.rows = tbl.rows[tpl.SkipRow:]
	}

	traces := make([]series.Trace, 0, 1+len(tpl.Channels))
	xTrace, err := extractX(tbl, &tpl.X)
	if err != nil {
		return nil, err
	}
	traces = append(traces, xTrace)

	for i := range tpl.Channels {
		ch := &tpl.Channels[i]
		data, ok, err := extractChannel(tbl, ch)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		traces = append(traces, series.Trace{
			Name:  ch.ChannelName,
			Unit:  ch.Unit,
			Color: ch.Color,
			Data:  data,
		})
	}
	return traces, nil
}

// extractX resolves the x column per the template: synthetic indices, a
// col:N index, or the first header matching the regex.
func extractX(tbl *table, spec *XSpec) (series.Trace, error) {
	n := len(tbl.rows)

	if spec.UseIndex {
		data := make([]float64, n)
		for i := range data {
			data[i] = float64(i)
		}
		name := spec.Name
		if name == "" {
			name = "index"
		}
		return series.Trace{X: true, Name: name, Unit: spec.Unit, Data: data}, nil
	}

	col, err := resolveXColumn(tbl.header, spec.Regex)
	if err != nil {
		return series.Trace{}, err
	}

	raw := make([]string, n)
	for i := range raw {
		raw[i] = strings.TrimSpace(tbl.cell(i, col))
	}

	if spec.IsTime {
		if DetectTimeFormat(raw) == "" {
			sample := firstNonEmpty(raw)
			return series.Trace{}, fmt.Errorf("%w: sample value %q", ErrTimeParse, sample)
		}
		return series.Trace{X: true, Name: spec.Name, Unit: spec.Unit, Strings: raw}, nil
	}

	data := make([]float64, n)
	for i, s := range raw {
		v, err := parseCell(s)
		if err != nil {
			return series.Trace{}, fmt.Errorf("%w: value %q at row %d (enable isTime for timestamp columns)", ErrNonNumericX, s, i)
		}
		data[i] = v
	}
	return series.Trace{X: true, Name: spec.Name, Unit: spec.Unit, Data: data}, nil
}

func resolveXColumn(header []string, pattern string) (int, error) {
	if idx, ok, err := colIndex(pattern); ok {
		if err != nil {
			return 0, fmt.Errorf("%w: expect col:[number], got %q for x axis", ErrValidation, pattern)
		}
		if idx < 0 || (len(header) > 0 && idx >= len(header)) {
			return 0, fmt.Errorf("%w: x column index %d out of range", ErrValidation, idx)
		}
		return idx, nil
	}

	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return 0, fmt.Errorf("%w: bad x regex %q: %v", ErrValidation, pattern, err)
	}
	for i, name := range header {
		if re.MatchString(name) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: no column matches x regex %q (columns: %v)", ErrValidation, pattern, header)
}

// extractChannel resolves one channel. The bool result reports whether the
// channel was found; missing non-mandatory channels return (nil, false, nil).
func extractChannel(tbl *table, spec *ChannelSpec) ([]float64, bool, error) {
	var col int
	if idx, ok, err := colIndex(spec.Regex); ok {
		if err != nil {
			if !spec.Mandatory {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("%w: expect col:[number], got %q for %s", ErrChannelMissing, spec.Regex, spec.ChannelName)
		}
		col = idx
	} else {
		found := -1
		for i, name := range tbl.header {
			if name == spec.Regex {
				found = i
				break
			}
		}
		if found < 0 {
			if !spec.Mandatory {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("%w: channel %s (column %q)", ErrChannelMissing, spec.ChannelName, spec.Regex)
		}
		col = found
	}

	data := make([]float64, len(tbl.rows))
	for i := range data {
		v, err := parseCell(strings.TrimSpace(tbl.cell(i, col)))
		if err != nil {
			return nil, false, fmt.Errorf("channel %s: non-numeric value %q at row %d", spec.ChannelName, tbl.cell(i, col), i)
		}
		data[i] = v
	}
	return data, true, nil
}

// colIndex reports whether pattern uses the col:N form, and parses N.
func colIndex(pattern string) (idx int, isCol bool, err error) {
	if !strings.Contains(pattern, "col:") {
		return 0, false, nil
	}
	num := strings.TrimSpace(strings.Replace(pattern, "col:", "", 1))
	idx, err = strconv.Atoi(num)
	return idx, true, err
}

// parseCell converts one cell to float64. Empty cells become NaN, matching
// how spreadsheet gaps are represented downstream.
func parseCell(s string) (float64, error) {
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

func firstNonEmpty(values []string) string {
	for _, s := range values {
		if s != "" {
			return s
		}
	}
	return ""
}

func readCSV(path string, headRow int) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var (
		header []string
		rows   [][]string
		line   int
	)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		switch {
		case line < headRow:
			// Preamble rows above the header are discarded.
		case line == headRow:
			header = rec
		default:
			rows = append(rows, rec)
		}
		line++
	}
	if header == nil {
		return nil, fmt.Errorf("%w: headRow %d beyond end of file", ErrValidation, headRow)
	}
	return &table{header: header, rows: rows}, nil
}

func readXLSX(path, sheetName string, headRow int) (*table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheet, err := pickXLSXSheet(f, sheetName)
	if err != nil {
		return nil, err
	}
	all, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read xlsx sheet %q: %w", sheet, err)
	}
	return sliceHeader(all, headRow)
}

// pickXLSXSheet interprets the template's sheetName as a zero-based index
// when numeric, otherwise as a sheet name; empty selects the first sheet.
func pickXLSXSheet(f *excelize.File, sheetName string) (string, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", fmt.Errorf("%w: workbook has no sheets", ErrValidation)
	}
	if sheetName == "" {
		return sheets[0], nil
	}
	if idx, err := strconv.Atoi(sheetName); err == nil {
		if idx < 0 || idx >= len(sheets) {
			return "", fmt.Errorf("%w: sheet index %d out of range", ErrValidation, idx)
		}
		return sheets[idx], nil
	}
	for _, s := range sheets {
		if s == sheetName {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: sheet %q not found", ErrValidation, sheetName)
}

func readXLS(path, sheetName string, headRow int) (*table, error) {
	wb, err := xls.Open(path, "utf-8")
	if err != nil {
		return nil, fmt.Errorf("open xls: %w", err)
	}

	sheet, err := pickXLSSheet(wb, sheetName)
	if err != nil {
		return nil, err
	}

	all := make([][]string, 0, int(sheet.MaxRow)+1)
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			all = append(all, nil)
			continue
		}
		cells := make([]string, row.LastCol())
		for c := row.FirstCol(); c < row.LastCol(); c++ {
			cells[c] = row.Col(c)
		}
		all = append(all, cells)
	}
	return sliceHeader(all, headRow)
}

func pickXLSSheet(wb *xls.WorkBook, sheetName string) (*xls.WorkSheet, error) {
	n := wb.NumSheets()
	if n == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrValidation)
	}
	if sheetName == "" {
		return wb.GetSheet(0), nil
	}
	if idx, err := strconv.Atoi(sheetName); err == nil {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("%w: sheet index %d out of range", ErrValidation, idx)
		}
		return wb.GetSheet(idx), nil
	}
	for i := 0; i < n; i++ {
		if s := wb.GetSheet(i); s != nil && s.Name == sheetName {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: sheet %q not found", ErrValidation, sheetName)
}

func sliceHeader(all [][]string, headRow int) (*table, error) {
	if headRow >= len(all) {
		return nil, fmt.Errorf("%w: headRow %d beyond end of file", ErrValidation, headRow)
	}
	return &table{header: all[headRow], rows: all[headRow+1:]}, nil
}
