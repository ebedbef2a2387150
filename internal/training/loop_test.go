package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protml/protmotion/internal/dataset"
	"github.com/protml/protmotion/internal/graphs"
)

// scriptedModel returns pre-scripted validation losses, one per Loss call, and
// a fixed prediction. Learn returns a constant loss.
type scriptedModel struct {
	valLosses []float32
	lossCalls int
	learns    int
}

func (m *scriptedModel) Learn(labels []int32, batches ...*graphs.Batch) (float32, error) {
	m.learns++
	return 0.5, nil
}

func (m *scriptedModel) Loss(labels []int32, batches ...*graphs.Batch) (float32, error) {
	loss := m.valLosses[m.lossCalls]
	m.lossCalls++
	return loss, nil
}

func (m *scriptedModel) Predict(batches ...*graphs.Batch) ([][]float32, error) {
	return [][]float32{{1, 0}}, nil
}

func (m *scriptedModel) NumClasses() int { return 2 }

func singleSampleSource(t *testing.T) *dataset.InMemory {
	t.Helper()
	batch, err := graphs.NewSingleGraph([][]float32{{1, 0}, {0, 1}}, [][2]int32{{0, 1}})
	require.NoError(t, err)
	return dataset.NewInMemory([]*dataset.Sample{
		{After: batch, Labels: []int32{0}},
	}, 0)
}

func TestLoopStopsEarlyAndRestoresBest(t *testing.T) {
	// Baseline 1.0, then two non-improving epochs with patience 2, then the
	// final post-restore validation.
	model := &scriptedModel{valLosses: []float32{1.0, 1.1, 1.2, 1.0}}
	var saves, restores int
	sink := NewSink(
		func() error { saves++; return nil },
		func() error { restores++; return nil },
	)

	result, err := Loop(model, singleSampleSource(t), singleSampleSource(t), Config{
		Epochs:   10,
		Patience: 2,
		TopK:     1,
		Sink:     sink,
	})
	require.NoError(t, err)

	assert.True(t, result.StoppedEarly)
	assert.Equal(t, 2, result.EpochsRun)
	assert.Equal(t, 0, result.BestEpoch) // only the baseline improved
	assert.Equal(t, float32(1.0), result.BestValidationLoss)
	assert.Equal(t, 1, saves)
	assert.Equal(t, 1, restores)
	assert.Equal(t, 2, model.learns)

	assert.Len(t, result.History.Series(SeriesTrainLoss), 2)
	// Baseline plus one entry per epoch.
	assert.Equal(t, []float32{1.0, 1.1, 1.2}, result.History.Series(SeriesValidationLoss))
	assert.Equal(t, float32(1.0), result.Final.Loss)
}

func TestLoopRunsAllEpochsWhenImproving(t *testing.T) {
	model := &scriptedModel{valLosses: []float32{1.0, 0.9, 0.8, 0.7, 0.7}}
	var saves int
	sink := NewSink(
		func() error { saves++; return nil },
		func() error { return nil },
	)

	result, err := Loop(model, singleSampleSource(t), singleSampleSource(t), Config{
		Epochs:   3,
		Patience: 2,
		TopK:     1,
		Sink:     sink,
	})
	require.NoError(t, err)

	assert.False(t, result.StoppedEarly)
	assert.Equal(t, 3, result.EpochsRun)
	assert.Equal(t, 3, result.BestEpoch)
	assert.Equal(t, float32(0.7), result.BestValidationLoss)
	assert.Equal(t, 4, saves) // baseline plus three improvements
	assert.Equal(t, 3, model.learns)
}

// classZeroModel predicts class 0 for every graph of the last batch, so a
// batch's accuracy is the fraction of its zero labels.
type classZeroModel struct{}

func (classZeroModel) Learn(labels []int32, batches ...*graphs.Batch) (float32, error) {
	return 0.5, nil
}

func (classZeroModel) Loss(labels []int32, batches ...*graphs.Batch) (float32, error) {
	return 1, nil
}

func (classZeroModel) Predict(batches ...*graphs.Batch) ([][]float32, error) {
	numGraphs := batches[len(batches)-1].NumGraphs()
	logits := make([][]float32, numGraphs)
	for ii := range logits {
		logits[ii] = []float32{1, 0}
	}
	return logits, nil
}

func (classZeroModel) NumClasses() int { return 2 }

func TestValidationMetricsAverageAcrossBatches(t *testing.T) {
	// Batch of 1 graph, predicted correctly: per-batch accuracy 1. Batch of 3
	// graphs, all predicted wrong: per-batch accuracy 0. The validation metrics
	// are the running mean over batches, 0.5, not the per-graph 1/4.
	single, err := graphs.NewSingleGraph([][]float32{{1, 0}}, nil)
	require.NoError(t, err)
	triple, err := graphs.New([][]float32{{1, 0}, {0, 1}, {1, 1}}, nil, []int32{0, 1, 2})
	require.NoError(t, err)
	source := dataset.NewInMemory([]*dataset.Sample{
		{After: single, Labels: []int32{0}},
		{After: triple, Labels: []int32{1, 1, 1}},
	}, 0)

	val, err := validate(classZeroModel{}, source, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, val.Accuracy, 1e-6)
	assert.InDelta(t, 0.5, val.TopKAccuracy, 1e-6)
	// First batch: class 0 scores perfect, class 1 contributes 0, macro 0.5.
	// Second batch: everything 0. Batch mean 0.25.
	assert.InDelta(t, 0.25, val.Precision, 1e-6)
	assert.InDelta(t, 0.25, val.Recall, 1e-6)
	assert.InDelta(t, 0.25, val.F1, 1e-6)
}

func TestLoopValidatesConfig(t *testing.T) {
	model := &scriptedModel{valLosses: []float32{1.0}}
	sink := NewSink(func() error { return nil }, func() error { return nil })

	_, err := Loop(model, singleSampleSource(t), singleSampleSource(t), Config{
		Epochs: 0, Patience: 1, Sink: sink,
	})
	assert.Error(t, err)

	_, err = Loop(model, singleSampleSource(t), singleSampleSource(t), Config{
		Epochs: 1, Patience: 1, Sink: nil,
	})
	assert.Error(t, err)
}
