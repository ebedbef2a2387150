package history

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRecording(t *testing.T) {
	h := New()
	h.Add("loss", 1.0)
	h.Add("loss", 0.8)
	h.Add("accuracy", 0.5)

	assert.Equal(t, []float32{1.0, 0.8}, h.Series("loss"))
	assert.Equal(t, []float32{0.5}, h.Series("accuracy"))
	assert.Nil(t, h.Series("unknown"))
	assert.Equal(t, []string{"loss", "accuracy"}, h.Names())
	assert.Equal(t, 2, h.Len())
}

func TestPlotSVG(t *testing.T) {
	h := New()
	for _, v := range []float32{1.0, 0.7, 0.5, 0.6} {
		h.Add("validation_loss", v)
	}
	for _, v := range []float32{1.1, 0.9, 0.6, 0.55} {
		h.Add("train_loss", v)
	}

	path := filepath.Join(t.TempDir(), "loss.svg")
	require.NoError(t, h.PlotSVG(path, "Loss", []string{"train_loss", "validation_loss"},
		"validation_loss", BestMin))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	svg := string(data)
	assert.True(t, strings.HasPrefix(svg, "<svg"))
	assert.Contains(t, svg, "train_loss")
	assert.Contains(t, svg, "validation_loss")
	assert.Contains(t, svg, "<polyline")
	// Best point marker on the minimum of the highlighted series.
	assert.Contains(t, svg, "<circle")
}

func TestPlotSVGUnknownSeries(t *testing.T) {
	h := New()
	h.Add("loss", 1.0)
	err := h.PlotSVG(filepath.Join(t.TempDir(), "x.svg"), "x", []string{"nope"}, "", BestNone)
	assert.Error(t, err)
}

func TestPlotSVGConstantSeries(t *testing.T) {
	// A flat series must not divide by a zero value range.
	h := New()
	h.Add("loss", 0.5)
	h.Add("loss", 0.5)
	path := filepath.Join(t.TempDir(), "flat.svg")
	require.NoError(t, h.PlotSVG(path, "flat", []string{"loss"}, "", BestNone))
}
