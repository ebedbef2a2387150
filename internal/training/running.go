package training

// RunningMean accumulates a numerically incremental mean: each observation
// shifts the average by (value-mean)/count, so long epochs don't accumulate a
// large sum.
type RunningMean struct {
	mean  float32
	count int
}

// Observe folds one value into the mean.
func (r *RunningMean) Observe(value float32) {
	r.count++
	r.mean += (value - r.mean) / float32(r.count)
}

// Mean returns the current average, zero before any observation.
func (r *RunningMean) Mean() float32 { return r.mean }

// Count returns how many values were observed.
func (r *RunningMean) Count() int { return r.count }

// Reset clears the accumulator for the next epoch.
func (r *RunningMean) Reset() {
	r.mean = 0
	r.count = 0
}
