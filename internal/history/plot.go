package history

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/protml/protmotion/internal/generics"
)

// BestKind marks whether the highlighted series of a plot improves downwards
// (loss) or upwards (accuracy).
type BestKind int

const (
	BestNone BestKind = iota
	BestMin
	BestMax
)

const (
	plotMargin     = 48
	legendRowH     = 16
	axisTickCount  = 5
	defaultPlotW   = 640
	defaultPlotH   = 400
	pointMarkerRad = 4
)

var seriesColors = []string{
	"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728",
	"#9467bd", "#8c564b", "#e377c2", "#7f7f7f",
}

// PlotSVG renders the named series as a line chart written to path. The x axis
// is the epoch index; bestSeries (if non-empty and bestKind is not BestNone)
// gets its best point marked with a circle.
func (h *History) PlotSVG(path, title string, names []string, bestSeries string, bestKind BestKind) error {
	for _, name := range names {
		if _, found := h.series[name]; !found {
			return errors.Errorf("cannot plot unknown series %q", name)
		}
	}
	svg := h.renderSVG(title, names, bestSeries, bestKind, defaultPlotW, defaultPlotH)
	if err := os.WriteFile(path, []byte(svg), 0644); err != nil {
		return errors.Wrapf(err, "failed to write plot to %s", path)
	}
	return nil
}

func (h *History) renderSVG(title string, names []string, bestSeries string, bestKind BestKind, width, height int) string {
	minV, maxV := h.valueRange(names)
	if maxV == minV {
		maxV = minV + 1
	}
	maxLen := 1
	for _, name := range names {
		if n := len(h.series[name]); n > maxLen {
			maxLen = n
		}
	}

	plotW := float64(width - 2*plotMargin)
	plotH := float64(height - 2*plotMargin)
	toX := func(epoch int) float64 {
		if maxLen == 1 {
			return plotMargin + plotW/2
		}
		return plotMargin + plotW*float64(epoch)/float64(maxLen-1)
	}
	toY := func(v float32) float64 {
		return plotMargin + plotH*(1-float64(v-minV)/float64(maxV-minV))
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" font-family="monospace" font-size="12">`+"\n", width, height)
	fmt.Fprintf(&b, `<rect width="%d" height="%d" fill="white"/>`+"\n", width, height)
	fmt.Fprintf(&b, `<text x="%d" y="%d" font-size="14">%s</text>`+"\n", plotMargin, plotMargin/2, title)

	// Axes and horizontal ticks.
	fmt.Fprintf(&b, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="black"/>`+"\n",
		plotMargin, plotMargin, plotMargin, height-plotMargin)
	fmt.Fprintf(&b, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="black"/>`+"\n",
		plotMargin, height-plotMargin, width-plotMargin, height-plotMargin)
	for tick := 0; tick <= axisTickCount; tick++ {
		v := minV + (maxV-minV)*float32(tick)/axisTickCount
		y := toY(v)
		fmt.Fprintf(&b, `<line x1="%d" y1="%.1f" x2="%d" y2="%.1f" stroke="#ddd"/>`+"\n",
			plotMargin, y, width-plotMargin, y)
		fmt.Fprintf(&b, `<text x="2" y="%.1f">%.3g</text>`+"\n", y+4, v)
	}

	for ii, name := range names {
		values := h.series[name]
		if len(values) == 0 {
			continue
		}
		color := seriesColors[ii%len(seriesColors)]
		points := make([]string, len(values))
		for epoch, v := range values {
			points[epoch] = fmt.Sprintf("%.1f,%.1f", toX(epoch), toY(v))
		}
		fmt.Fprintf(&b, `<polyline points="%s" fill="none" stroke="%s" stroke-width="1.5"/>`+"\n",
			strings.Join(points, " "), color)
		fmt.Fprintf(&b, `<text x="%d" y="%d" fill="%s">%s</text>`+"\n",
			width-plotMargin-120, plotMargin+legendRowH*(ii+1), color, name)

		if name == bestSeries && bestKind != BestNone {
			best := generics.ArgMax(values)
			if bestKind == BestMin {
				best = generics.ArgMin(values)
			}
			fmt.Fprintf(&b, `<circle cx="%.1f" cy="%.1f" r="%d" fill="none" stroke="%s" stroke-width="2"/>`+"\n",
				toX(best), toY(values[best]), pointMarkerRad, color)
		}
	}
	b.WriteString("</svg>\n")
	return b.String()
}

func (h *History) valueRange(names []string) (minV, maxV float32) {
	first := true
	for _, name := range names {
		for _, v := range h.series[name] {
			if first {
				minV, maxV = v, v
				first = false
				continue
			}
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
	}
	return minV, maxV
}
