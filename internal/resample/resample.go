// Package resample reduces multi-channel time series to a bounded number of
// points using MinMax-LTTB with a union of per-channel indices.
//
// Running the downsampler per channel and taking the union keeps all channels
// aligned on the same x-values while preserving the visually important points
// of every channel. The union may inflate the output up to K*target points
// for K channels.
package resample

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
)

// ErrInvalidInput is returned when the input arrays are empty or their
// lengths disagree.
var ErrInvalidInput = errors.New("resample: invalid input")

// minMaxRatio is the preselection factor for MinMax-LTTB: each channel is
// first reduced to ratio*target extrema-preserving candidates, then LTTB
// picks the final target points from those.
const minMaxRatio = 4

// Result holds the downsampled series. FullResolution is true when the input
// was small enough to be returned unchanged.
type Result struct {
	X              []float64
	Channels       [][]float64
	FullResolution bool
}

// Resample reduces x and all channels to at most len(channels)*target points.
//
// When len(x) <= target the inputs are returned as-is with
// FullResolution=true. Otherwise each channel independently selects target
// indices via MinMax-LTTB (falling back to uniform stride sampling if the
// downsampler rejects the channel), the per-channel index sets are unioned,
// sorted, and x plus every channel are gathered at the union.
func Resample(x []float64, channels [][]float64, target int) (Result, error) {
	n := len(x)
	if n == 0 {
		return Result{}, fmt.Errorf("%w: empty x axis", ErrInvalidInput)
	}
	if target <= 0 {
		return Result{}, fmt.Errorf("%w: target must be positive, got %d", ErrInvalidInput, target)
	}
	for i, ch := range channels {
		if len(ch) != n {
			return Result{}, fmt.Errorf("%w: channel %d has %d points, x has %d", ErrInvalidInput, i, len(ch), n)
		}
	}

	if n <= target {
		return Result{X: x, Channels: channels, FullResolution: true}, nil
	}

	union := make(map[int]struct{}, target*2)
	for i, ch := range channels {
		idxs, err := minMaxLTTBIndices(x, ch, target)
		if err != nil {
			slog.Warn("downsampler rejected channel, falling back to uniform stride",
				"channel", i, "error", err)
			idxs = strideIndices(n, target)
		}
		for _, idx := range idxs {
			union[idx] = struct{}{}
		}
	}
	if len(channels) == 0 {
		// x-only request still gets downsampled
		for _, idx := range strideIndices(n, target) {
			union[idx] = struct{}{}
		}
	}

	selected := make([]int, 0, len(union))
	for idx := range union {
		selected = append(selected, idx)
	}
	sort.Ints(selected)

	out := Result{
		X:        gather(x, selected),
		Channels: make([][]float64, len(channels)),
	}
	for i, ch := range channels {
		out.Channels[i] = gather(ch, selected)
	}
	return out, nil
}

// ResampleRows downsamples a row-major [N, 1+K] matrix whose column 0 is x.
// Returns the gathered rows and whether the input was returned at full
// resolution.
func ResampleRows(rows [][]float64, target int) ([][]float64, bool, error) {
	if len(rows) == 0 {
		return nil, false, fmt.Errorf("%w: no rows", ErrInvalidInput)
	}
	cols := len(rows[0])
	x := make([]float64, len(rows))
	channels := make([][]float64, cols-1)
	for c := range channels {
		channels[c] = make([]float64, len(rows))
	}
	for r, row := range rows {
		if len(row) != cols {
			return nil, false, fmt.Errorf("%w: ragged row %d", ErrInvalidInput, r)
		}
		x[r] = row[0]
		for c := 1; c < cols; c++ {
			channels[c-1][r] = row[c]
		}
	}
	res, err := Resample(x, channels, target)
	if err != nil {
		return nil, false, err
	}
	out := make([][]float64, len(res.X))
	for r := range res.X {
		row := make([]float64, cols)
		row[0] = res.X[r]
		for c := 1; c < cols; c++ {
			row[c] = res.Channels[c-1][r]
		}
		out[r] = row
	}
	return out, res.FullResolution, nil
}

// minMaxLTTBIndices selects nOut indices for one channel: a MinMax pass keeps
// the per-bucket extrema as candidates, then LTTB chooses the most
// representative nOut among them. Indices are returned sorted ascending.
func minMaxLTTBIndices(x, y []float64, nOut int) ([]int, error) {
	n := len(y)
	if nOut < 3 {
		return nil, fmt.Errorf("n_out must be at least 3, got %d", nOut)
	}
	if n <= nOut {
		idxs := make([]int, n)
		for i := range idxs {
			idxs[i] = i
		}
		return idxs, nil
	}

	candidates := minMaxPreselect(y, nOut*minMaxRatio)
	if len(candidates) <= nOut {
		return candidates, nil
	}
	return lttbIndices(x, y, candidates, nOut), nil
}

// minMaxPreselect returns up to nKeep sorted indices containing the first and
// last point plus the min and max of every interior bucket. NaN values never
// win a comparison; an all-NaN bucket contributes its first index.
func minMaxPreselect(y []float64, nKeep int) []int {
	n := len(y)
	buckets := nKeep / 2
	if buckets < 1 {
		buckets = 1
	}
	interior := n - 2
	if interior <= 0 {
		return []int{0, n - 1}
	}
	if buckets > interior {
		buckets = interior
	}

	keep := make([]int, 0, 2*buckets+2)
	keep = append(keep, 0)
	for b := 0; b < buckets; b++ {
		lo := 1 + b*interior/buckets
		hi := 1 + (b+1)*interior/buckets
		if hi <= lo {
			continue
		}
		minIdx, maxIdx := lo, lo
		minVal, maxVal := math.NaN(), math.NaN()
		for i := lo; i < hi; i++ {
			v := y[i]
			if math.IsNaN(v) {
				continue
			}
			if math.IsNaN(minVal) || v < minVal {
				minVal, minIdx = v, i
			}
			if math.IsNaN(maxVal) || v > maxVal {
				maxVal, maxIdx = v, i
			}
		}
		if minIdx == maxIdx {
			keep = append(keep, minIdx)
		} else if minIdx < maxIdx {
			keep = append(keep, minIdx, maxIdx)
		} else {
			keep = append(keep, maxIdx, minIdx)
		}
	}
	keep = append(keep, n-1)
	return dedupSorted(keep)
}

// lttbIndices runs largest-triangle-three-buckets over the candidate indices
// and maps the winners back to original positions.
func lttbIndices(x, y []float64, candidates []int, nOut int) []int {
	m := len(candidates)
	out := make([]int, 0, nOut)
	out = append(out, candidates[0])

	// m-2 interior candidates shared across nOut-2 buckets
	every := float64(m-2) / float64(nOut-2)
	a := 0 // position of previously selected candidate

	for b := 0; b < nOut-2; b++ {
		lo := int(float64(b)*every) + 1
		hi := int(float64(b+1)*every) + 1
		if hi > m-1 {
			hi = m - 1
		}

		// Average of the next bucket (or the last point) forms the third
		// triangle vertex.
		nextLo, nextHi := hi, int(float64(b+2)*every)+1
		if nextHi > m-1 {
			nextHi = m - 1
		}
		var avgX, avgY float64
		if nextHi <= nextLo {
			avgX, avgY = x[candidates[m-1]], value(y, candidates[m-1])
		} else {
			for i := nextLo; i < nextHi; i++ {
				avgX += x[candidates[i]]
				avgY += value(y, candidates[i])
			}
			cnt := float64(nextHi - nextLo)
			avgX /= cnt
			avgY /= cnt
		}

		ax, ay := x[candidates[a]], value(y, candidates[a])
		best, bestArea := lo, -1.0
		for i := lo; i < hi; i++ {
			px, py := x[candidates[i]], value(y, candidates[i])
			area := math.Abs((ax-avgX)*(py-ay) - (ax-px)*(avgY-ay))
			if area > bestArea {
				bestArea, best = area, i
			}
		}
		out = append(out, candidates[best])
		a = best
	}

	out = append(out, candidates[m-1])
	return dedupSorted(out)
}

// strideIndices is the uniform fallback: every ceil(n/target)-th index,
// capped at target points.
func strideIndices(n, target int) []int {
	step := n / target
	if step < 1 {
		step = 1
	}
	idxs := make([]int, 0, target)
	for i := 0; i < n && len(idxs) < target; i += step {
		idxs = append(idxs, i)
	}
	return idxs
}

// value treats NaN as 0 so the triangle arithmetic stays finite.
func value(y []float64, i int) float64 {
	v := y[i]
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// gather copies the selected indices out of src, preserving order.
func gather(src []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = src[j]
	}
	return out
}

func dedupSorted(idxs []int) []int {
	sort.Ints(idxs)
	out := idxs[:0]
	prev := -1
	for _, i := range idxs {
		if i != prev {
			out = append(out, i)
			prev = i
		}
	}
	return out
}
