package training

import (
	"github.com/chewxy/math32"
)

// EarlyStopping monitors the validation loss and stops training after it fails
// to improve for patience consecutive epochs. An improvement is any value
// strictly below the best seen so far, minus the optional delta margin.
type EarlyStopping struct {
	patience int
	delta    float32
	best     float32
	counter  int
}

// NewEarlyStopping creates a monitor with the given patience. Patience zero
// stops on the first non-improving epoch.
func NewEarlyStopping(patience int) *EarlyStopping {
	return NewEarlyStoppingWithDelta(patience, 0)
}

// NewEarlyStoppingWithDelta additionally requires improvements to beat the
// best loss by at least delta.
func NewEarlyStoppingWithDelta(patience int, delta float32) *EarlyStopping {
	return &EarlyStopping{patience: patience, delta: delta, best: math32.Inf(1)}
}

// Observe records one epoch's validation loss and reports whether training
// should stop.
func (e *EarlyStopping) Observe(loss float32) (stop bool) {
	if loss < e.best-e.delta {
		e.best = loss
		e.counter = 0
		return false
	}
	e.counter++
	return e.counter >= e.patience
}

// Best returns the lowest loss observed so far, +Inf before any observation.
func (e *EarlyStopping) Best() float32 { return e.best }

// Improved reports whether the last observed loss set a new best.
func (e *EarlyStopping) Improved() bool { return e.counter == 0 && e.best != math32.Inf(1) }
