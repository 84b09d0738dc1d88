package agent

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// maxTableWindow bounds get_value output; larger windows are downsampled.
const maxTableWindow = 500

// SyncFunc receives the viewer's x range whenever it changes, so the
// frontend can mirror what the agent is looking at.
type SyncFunc func(start, end int)

// ToolResult is what a viewer operation hands back to the LLM: a textual
// description and, for plotting tools, a base64 PNG.
type ToolResult struct {
	Desc string
	Fig  string
}

// Viewer is one agent's bounded window over the dataset. Each agent owns
// its own viewer; they never share view state.
type Viewer struct {
	frame    *Frame
	n        int
	yInit    map[string][2]float64
	cur      [2]int
	yZoomed  bool
	renderer Renderer
	sync     SyncFunc
}

// NewViewer builds a viewer showing the full dataset with y ranges padded
// 10% beyond each channel's extrema.
func NewViewer(f *Frame, r Renderer, sync SyncFunc) *Viewer {
	v := &Viewer{
		frame:    f,
		n:        f.Len(),
		yInit:    make(map[string][2]float64, len(f.Columns())),
		cur:      [2]int{0, f.Len()},
		renderer: r,
		sync:     sync,
	}
	for i, name := range f.Columns() {
		lo, hi := columnRange(f.col(i), 0, f.Len())
		pad := 0.1 * (hi - lo)
		v.yInit[name] = [2]float64{lo - pad, hi + pad}
	}
	return v
}

func columnRange(col []float64, start, end int) (float64, float64) {
	w := finiteOnly(col[start:end])
	if len(w) == 0 {
		return 0, 0
	}
	return floats.Min(w), floats.Max(w)
}

func (v *Viewer) clamp(xr [2]int) [2]int {
	if xr[0] < 0 {
		xr[0] = 0
	}
	if xr[1] > v.n {
		xr[1] = v.n
	}
	return xr
}

func (v *Viewer) setWindow(xr [2]int) error {
	xr = v.clamp(xr)
	if xr[0] >= xr[1] {
		return fmt.Errorf("empty window [%d, %d]", xr[0], xr[1])
	}
	v.cur = xr
	if v.sync != nil {
		v.sync(xr[0], xr[1])
	}
	return nil
}

// windowYRanges returns the per-channel y limits: adapted to the current
// window when zoomed, the full-dataset ranges otherwise.
func (v *Viewer) windowYRanges(zoomed bool) map[string][2]float64 {
	if !zoomed {
		return v.yInit
	}
	out := make(map[string][2]float64, len(v.frame.Columns()))
	for i, name := range v.frame.Columns() {
		lo, hi := columnRange(v.frame.col(i), v.cur[0], v.cur[1])
		pad := 0.1 * (hi - lo)
		out[name] = [2]float64{lo - pad, hi + pad}
	}
	return out
}

func (v *Viewer) renderWindow(xr [2]int, yr map[string][2]float64) (string, error) {
	xs := make([]float64, xr[1]-xr[0])
	for i := range xs {
		xs[i] = float64(xr[0] + i)
	}
	plots := make([]Subplot, 0, len(v.frame.Columns()))
	for i, name := range v.frame.Columns() {
		r := yr[name]
		plots = append(plots, Subplot{
			YLabel: name,
			X:      xs,
			Y:      v.frame.col(i)[xr[0]:xr[1]],
			YMin:   r[0],
			YMax:   r[1],
		})
	}
	return v.renderer.Render(plots)
}

func (v *Viewer) describe() string {
	var b strings.Builder
	first, last := v.cur[0], v.cur[1]-1
	fmt.Fprintf(&b, "WINDOW: [%d, %d] (%d points)\n", first, last, last-first+1)
	switch {
	case first == 0:
		b.WriteString("POSITION: At beginning of dataset\n")
	case last >= v.n-1:
		b.WriteString("POSITION: At end of dataset\n")
	default:
		fmt.Fprintf(&b, "POSITION: %d points before, %d points after\n", first, v.n-last-1)
	}
	if v.yZoomed {
		b.WriteString("Y_AXIS: ZOOMED (adapted to window)\n")
	} else {
		b.WriteString("Y_AXIS: UNZOOMED (adapted to full dataset)\n")
	}
	b.WriteString("CHANNEL_RANGES: ")
	b.WriteString(v.channelRanges(v.cur[0], v.cur[1]))
	return b.String()
}

func (v *Viewer) describeGlobal() string {
	var b strings.Builder
	fmt.Fprintf(&b, "DATASET: Complete time series (%d total points)\n", v.n)
	fmt.Fprintf(&b, "X_RANGE: [0, %d]\n", v.n-1)
	b.WriteString("CHANNEL_RANGES: ")
	b.WriteString(v.channelRanges(0, v.n))
	return b.String()
}

func (v *Viewer) channelRanges(start, end int) string {
	parts := make([]string, 0, len(v.frame.Columns()))
	for i, name := range v.frame.Columns() {
		lo, hi := columnRange(v.frame.col(i), start, end)
		parts = append(parts, fmt.Sprintf("%s: [%.3f, %.3f]", name, lo, hi))
	}
	return strings.Join(parts, "; ")
}

func (v *Viewer) plotCurrent() (*ToolResult, error) {
	fig, err := v.renderWindow(v.cur, v.windowYRanges(v.yZoomed))
	if err != nil {
		return nil, err
	}
	return &ToolResult{Desc: v.describe(), Fig: fig}, nil
}

// PlotAll plots the whole dataset with the initial y ranges. It does not
// move the current window.
func (v *Viewer) PlotAll() (*ToolResult, error) {
	fig, err := v.renderWindow([2]int{0, v.n}, v.yInit)
	if err != nil {
		return nil, err
	}
	return &ToolResult{Desc: v.describeGlobal(), Fig: fig}, nil
}

// PlotWindow plots rows [start, end).
func (v *Viewer) PlotWindow(start, end int, yZoomed bool) (*ToolResult, error) {
	if err := v.setWindow([2]int{start, end}); err != nil {
		return nil, err
	}
	v.yZoomed = yZoomed
	return v.plotCurrent()
}

// PlotWindowWithSize plots a window of the given size centred on mid,
// pinned to the dataset bounds when it would overrun them.
func (v *Viewer) PlotWindowWithSize(mid, size int, yZoomed bool) (*ToolResult, error) {
	if size <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", size)
	}
	xr := [2]int{mid - size/2, mid + size/2}
	if xr[0] < 0 {
		xr = [2]int{0, min(size, v.n)}
	}
	if xr[1] > v.n {
		xr = [2]int{max(0, v.n-size), v.n}
	}
	if err := v.setWindow(xr); err != nil {
		return nil, err
	}
	v.yZoomed = yZoomed
	return v.plotCurrent()
}

// ZoomInX halves the window around its centre.
func (v *Viewer) ZoomInX() (*ToolResult, error) {
	size := v.cur[1] - v.cur[0]
	if err := v.setWindow([2]int{v.cur[0] + size/4, v.cur[1] - size/4}); err != nil {
		return nil, err
	}
	return v.plotCurrent()
}

// ZoomOutX doubles the window around its centre, pinning at the bounds.
func (v *Viewer) ZoomOutX() (*ToolResult, error) {
	size := v.cur[1] - v.cur[0]
	xr := [2]int{v.cur[0] - size/2, v.cur[1] + size/2}
	if xr[0] < 0 {
		xr = [2]int{0, min(2*size, v.n)}
	}
	if xr[1] > v.n {
		xr = [2]int{max(0, v.n-2*size), v.n}
	}
	if err := v.setWindow(xr); err != nil {
		return nil, err
	}
	return v.plotCurrent()
}

// ZoomInY adapts the y axes to the current window's data.
func (v *Viewer) ZoomInY() (*ToolResult, error) {
	if v.yZoomed {
		return &ToolResult{Desc: "STATUS: Already zoomed in (y-axis adapted to window data)"}, nil
	}
	v.yZoomed = true
	return v.plotCurrent()
}

// ZoomOutY resets the y axes to the full dataset ranges.
func (v *Viewer) ZoomOutY() (*ToolResult, error) {
	if !v.yZoomed {
		return &ToolResult{Desc: "STATUS: Already zoomed out (y-axis shows full dataset range)"}, nil
	}
	v.yZoomed = false
	return v.plotCurrent()
}

// Left shifts the window left by 3/4 of its width.
func (v *Viewer) Left() (*ToolResult, error) {
	return v.shift(-1)
}

// Right shifts the window right by 3/4 of its width.
func (v *Viewer) Right() (*ToolResult, error) {
	return v.shift(1)
}

func (v *Viewer) shift(dir int) (*ToolResult, error) {
	size := v.cur[1] - v.cur[0]
	step := dir * (size / 4 * 3)
	xr := [2]int{v.cur[0] + step, v.cur[1] + step}
	if xr[0] < 0 {
		xr = [2]int{0, size}
	}
	if xr[1] > v.n {
		xr = [2]int{max(0, v.n-size), v.n}
	}
	if err := v.setWindow(xr); err != nil {
		return nil, err
	}
	return v.plotCurrent()
}

// PlotDerivative plots the named channels and their first derivatives over
// the current window.
func (v *Viewer) PlotDerivative(channels []string) (*ToolResult, error) {
	return v.plotDerived(channels, 1)
}

// PlotSecondDerivative plots the named channels and their second
// derivatives over the current window.
func (v *Viewer) PlotSecondDerivative(channels []string) (*ToolResult, error) {
	return v.plotDerived(channels, 2)
}

func (v *Viewer) plotDerived(channels []string, order int) (*ToolResult, error) {
	if len(channels) == 0 {
		return nil, errors.New("no channels given")
	}
	label := "derivative"
	if order == 2 {
		label = "second derivative"
	}
	yr := v.windowYRanges(v.yZoomed)
	xs := make([]float64, v.cur[1]-v.cur[0])
	for i := range xs {
		xs[i] = float64(v.cur[0] + i)
	}
	var plots []Subplot
	for _, name := range channels {
		col, ok := v.frame.Column(name)
		if !ok {
			return nil, fmt.Errorf("channel %q not found in the time series data", name)
		}
		window := col[v.cur[0]:v.cur[1]]
		r := yr[name]
		plots = append(plots, Subplot{YLabel: name, X: xs, Y: window, YMin: r[0], YMax: r[1]})

		d := gradient(window)
		if order == 2 {
			d = gradient(d)
		}
		lo, hi := columnRange(d, 0, len(d))
		margin := 0.1 * (hi - lo)
		if margin == 0 {
			margin = 1
		}
		plots = append(plots, Subplot{
			YLabel: fmt.Sprintf("%s (%s)", name, label),
			X:      xs,
			Y:      d,
			YMin:   lo - margin,
			YMax:   hi + margin,
		})
	}
	fig, err := v.renderer.Render(plots)
	if err != nil {
		return nil, err
	}
	kind := "DERIVATIVE_PLOT"
	if order == 2 {
		kind = "SECOND_DERIVATIVE_PLOT"
	}
	desc := fmt.Sprintf("%s: Window [%d, %d] | Channels: %s | Shows raw data + derivatives",
		kind, v.cur[0], v.cur[1]-1, strings.Join(channels, ", "))
	return &ToolResult{Desc: desc, Fig: fig}, nil
}

// PlotWithYRanges plots the current window with caller-provided y limits,
// padded 5% on each side.
func (v *Viewer) PlotWithYRanges(ranges map[string][2]float64) (*ToolResult, error) {
	if len(ranges) == 0 {
		return nil, errors.New("no y ranges given")
	}
	yr := make(map[string][2]float64, len(v.frame.Columns()))
	for name, r := range v.yInit {
		yr[name] = r
	}
	var parts []string
	for name, r := range ranges {
		if _, ok := v.frame.Column(name); !ok {
			return nil, fmt.Errorf("channel %q not found in the time series data", name)
		}
		span := r[1] - r[0]
		yr[name] = [2]float64{r[0] - 0.05*span, r[1] + 0.05*span}
		parts = append(parts, fmt.Sprintf("%s: [%.3f, %.3f]", name, r[0], r[1]))
	}
	sort.Strings(parts)
	fig, err := v.renderWindow(v.cur, yr)
	if err != nil {
		return nil, err
	}
	desc := fmt.Sprintf("CUSTOM_Y_RANGES: Window [%d, %d]\nY_AXIS: Custom ranges applied\nCUSTOM_RANGES: %s",
		v.cur[0], v.cur[1]-1, strings.Join(parts, "; "))
	return &ToolResult{Desc: desc, Fig: fig}, nil
}

// LookupX returns all channel values at the given indices, flagging the
// indices outside the current window.
func (v *Viewer) LookupX(idxs []int) (*ToolResult, error) {
	var inside []int
	var outside []int
	for _, x := range idxs {
		if x < v.cur[0] || x > v.cur[1] || x >= v.n {
			outside = append(outside, x)
			continue
		}
		inside = append(inside, x)
	}

	var b strings.Builder
	if len(inside) > 0 {
		fmt.Fprintf(&b, "FOUND: %d indices in current window\n", len(inside))
		for _, x := range inside {
			vals := make([]string, 0, len(v.frame.Columns()))
			for i, name := range v.frame.Columns() {
				vals = append(vals, fmt.Sprintf("%s=%.3f", name, v.frame.col(i)[x]))
			}
			fmt.Fprintf(&b, "  Index %d: %s\n", x, strings.Join(vals, ", "))
		}
	} else {
		b.WriteString("FOUND: No indices in current window\n")
	}
	if len(outside) > 0 {
		strs := make([]string, len(outside))
		for i, x := range outside {
			strs[i] = fmt.Sprintf("%d", x)
		}
		fmt.Fprintf(&b, "WARNING: %d indices outside window: %s\n", len(outside), strings.Join(strs, ", "))
	}
	return &ToolResult{Desc: strings.TrimRight(b.String(), "\n")}, nil
}

// LookupY finds where a channel equals or crosses the given y values inside
// the current window; crossings between samples are linearly interpolated.
func (v *Viewer) LookupY(col string, ys []float64) (*ToolResult, error) {
	channel, ok := v.frame.Column(col)
	if !ok {
		return nil, fmt.Errorf("channel %q not found in the time series data", col)
	}
	window := channel[v.cur[0]:v.cur[1]]

	hits := make(map[float64][]string, len(ys))
	total := 0
	for _, y := range ys {
		for i := 1; i < len(window); i++ {
			cur, prev := window[i], window[i-1]
			idx := v.cur[0] + i
			switch {
			case cur == y:
				hits[y] = append(hits[y], fmt.Sprintf("%d", idx))
				total++
			case (cur > y && prev < y) || (cur < y && prev > y):
				// Linear interpolation between idx-1 and idx.
				interp := float64(idx) - (y-cur)/(prev-cur)
				hits[y] = append(hits[y], fmt.Sprintf("%d", int(math.Round(interp))))
				total++
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "FOUND: %d crossings for %s\n", total, col)
	for _, y := range ys {
		if len(hits[y]) > 0 {
			fmt.Fprintf(&b, "  %s=%g: x=[%s]\n", col, y, strings.Join(hits[y], ", "))
		} else {
			fmt.Fprintf(&b, "  %s=%g: No crossings found\n", col, y)
		}
	}
	return &ToolResult{Desc: strings.TrimRight(b.String(), "\n")}, nil
}

// GetValue renders the current window as a text table, downsampling by
// uniform stride when the window exceeds maxTableWindow rows.
func (v *Viewer) GetValue() (*ToolResult, error) {
	size := v.cur[1] - v.cur[0]
	var b strings.Builder
	fmt.Fprintf(&b, "DATA_WINDOW: [%d, %d] (%d points)\n", v.cur[0], v.cur[1]-1, size)

	step := 1
	if size > maxTableWindow {
		step = size / maxTableWindow
		b.WriteString("PROCESSING: Downsampled (large window)\n")
		b.WriteString("NOTE: Some details may be missing due to downsampling\n")
	} else {
		b.WriteString("PROCESSING: Raw data (no downsampling)\n")
	}
	b.WriteString("DATA:\n")
	b.WriteString("index\t" + strings.Join(v.frame.Columns(), "\t") + "\n")
	for x := v.cur[0]; x < v.cur[1]; x += step {
		vals := make([]string, 0, len(v.frame.Columns()))
		for i := range v.frame.Columns() {
			vals = append(vals, fmt.Sprintf("%.3f", v.frame.col(i)[x]))
		}
		fmt.Fprintf(&b, "%d\t%s\n", x, strings.Join(vals, "\t"))
	}
	return &ToolResult{Desc: strings.TrimRight(b.String(), "\n")}, nil
}
