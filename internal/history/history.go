// Package history records per-epoch metric series during training and renders
// them as SVG line charts.
package history

// History holds named metric series in insertion order, one appended value per
// epoch. Series may have different lengths: metrics computed only on some
// epochs are simply shorter.
type History struct {
	order  []string
	series map[string][]float32
}

// New creates an empty history.
func New() *History {
	return &History{series: make(map[string][]float32)}
}

// Add appends a value to the named series, creating it on first use.
func (h *History) Add(name string, value float32) {
	if _, found := h.series[name]; !found {
		h.order = append(h.order, name)
	}
	h.series[name] = append(h.series[name], value)
}

// Series returns the values recorded under name, nil if never recorded.
// Callers must not mutate the returned slice.
func (h *History) Series(name string) []float32 {
	return h.series[name]
}

// Names returns the series names in insertion order.
func (h *History) Names() []string {
	return h.order
}

// Len returns the length of the longest series.
func (h *History) Len() int {
	max := 0
	for _, values := range h.series {
		if len(values) > max {
			max = len(values)
		}
	}
	return max
}
