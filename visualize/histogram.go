package visualize

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/stevecastle/stereomatch/disparity"
)

// Summary describes the winning offsets over the interior of a map.
type Summary struct {
	Pixels int     `json:"pixels"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// InteriorOffsets decodes the display values of the cells at least
// kernelHalf away from every edge back into offsets. Values that no offset
// produces are skipped.
func InteriorOffsets(g *disparity.Grid, kernelHalf, maxOffset int, mode disparity.ScaleMode) []float64 {
	lookup := make(map[uint8]int, maxOffset)
	for d := maxOffset - 1; d >= 0; d-- {
		lookup[disparity.Scale(d, maxOffset, mode)] = d
	}
	var out []float64
	for y := kernelHalf; y < g.Height-kernelHalf; y++ {
		row := g.Row(y)
		for x := kernelHalf; x < g.Width-kernelHalf; x++ {
			if d, ok := lookup[row[x]]; ok {
				out = append(out, float64(d))
			}
		}
	}
	return out
}

// Summarize computes offset statistics over the interior of g.
func Summarize(g *disparity.Grid, kernelHalf, maxOffset int, mode disparity.ScaleMode) Summary {
	offsets := InteriorOffsets(g, kernelHalf, maxOffset, mode)
	if len(offsets) == 0 {
		return Summary{}
	}
	mean, std := stat.MeanStdDev(offsets, nil)
	sort.Float64s(offsets)
	return Summary{
		Pixels: len(offsets),
		Mean:   mean,
		StdDev: std,
		Median: stat.Quantile(0.5, stat.Empirical, offsets, nil),
		Min:    floats.Min(offsets),
		Max:    floats.Max(offsets),
	}
}

// OffsetCounts returns how many interior pixels chose each offset.
func OffsetCounts(g *disparity.Grid, kernelHalf, maxOffset int, mode disparity.ScaleMode) []int {
	counts := make([]int, maxOffset)
	for _, d := range InteriorOffsets(g, kernelHalf, maxOffset, mode) {
		counts[int(d)]++
	}
	return counts
}

// PlotHistogram renders counts as a bar chart PNG at path.
func PlotHistogram(counts []int, title, path string) error {
	if len(counts) == 0 {
		return fmt.Errorf("histogram %q has no bins", title)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "offset (px)"
	p.Y.Label.Text = "pixels"
	p.Add(plotter.NewGrid())

	vals := make(plotter.Values, len(counts))
	for i, c := range counts {
		vals[i] = float64(c)
	}
	width := vg.Points(480 / float64(len(counts)))
	if width > vg.Points(16) {
		width = vg.Points(16)
	}
	bars, err := plotter.NewBarChart(vals, width)
	if err != nil {
		return fmt.Errorf("failed to create bar chart: %w", err)
	}
	bars.Color = color.RGBA{R: 40, G: 90, B: 160, A: 255}
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save histogram: %w", err)
	}
	return nil
}

// Histogram counts offsets in g and plots them to path.
func Histogram(g *disparity.Grid, kernelHalf, maxOffset int, mode disparity.ScaleMode, path string) error {
	counts := OffsetCounts(g, kernelHalf, maxOffset, mode)
	title := fmt.Sprintf("Disparity offsets (%dx%d, k=%d, max=%d)", g.Width, g.Height, kernelHalf, maxOffset)
	return PlotHistogram(counts, title, path)
}
