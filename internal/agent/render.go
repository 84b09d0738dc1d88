package agent

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// Subplot is one stacked panel of a rendered figure: a single line over row
// indices with a fixed y range.
type Subplot struct {
	YLabel string
	X      []float64
	Y      []float64
	YMin   float64
	YMax   float64
}

// Renderer turns a stack of subplots into a base64-encoded PNG. The
// production implementation draws with gonum/plot; tests substitute a stub.
type Renderer interface {
	Render(plots []Subplot) (string, error)
}

// PlotRenderer draws stacked line panels with a shared x axis.
type PlotRenderer struct{}

var _ Renderer = PlotRenderer{}

const (
	panelWidth  = 10 * vg.Inch
	panelHeight = 2.2 * vg.Inch
)

func (PlotRenderer) Render(plots []Subplot) (string, error) {
	if len(plots) == 0 {
		return "", errors.New("agent: nothing to render")
	}

	rows := make([][]*plot.Plot, len(plots))
	for i, sp := range plots {
		p := plot.New()
		p.Y.Label.Text = sp.YLabel
		if i == len(plots)-1 {
			p.X.Label.Text = "Index"
		}
		p.Add(plotter.NewGrid())

		pts := make(plotter.XYs, 0, len(sp.X))
		for j := range sp.X {
			if isNaN(sp.Y[j]) {
				continue
			}
			pts = append(pts, plotter.XY{X: sp.X[j], Y: sp.Y[j]})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return "", fmt.Errorf("agent: line for %s: %w", sp.YLabel, err)
		}
		p.Add(line)

		yMin, yMax := sp.YMin, sp.YMax
		if yMin == yMax {
			yMin, yMax = yMin-1, yMax+1
		}
		p.Y.Min, p.Y.Max = yMin, yMax
		if len(sp.X) > 0 {
			p.X.Min, p.X.Max = sp.X[0], sp.X[len(sp.X)-1]
		}
		rows[i] = []*plot.Plot{p}
	}

	img := vgimg.New(panelWidth, panelHeight*vg.Length(len(plots)))
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: len(plots), Cols: 1}
	canvases := plot.Align(rows, tiles, dc)
	for i := range rows {
		rows[i][0].Draw(canvases[i][0])
	}

	var buf bytes.Buffer
	png := vgimg.PngCanvas{Canvas: img}
	if _, err := png.WriteTo(&buf); err != nil {
		return "", fmt.Errorf("agent: encode png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
