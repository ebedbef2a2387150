package models

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/protml/protmotion/internal/graphs"
)

const (
	testInputDim   = 4
	testEmbedDim   = 8
	testNumClasses = 3
)

func testClassifier(t *testing.T, fusion FusionKind) *Classifier {
	t.Helper()
	return testClassifierWithReadout(t, fusion, ReadoutMean)
}

func testClassifierWithReadout(t *testing.T, fusion FusionKind, readout ReadoutKind) *Classifier {
	t.Helper()
	encoder, err := NewMLPEncoder(testInputDim, []int{16}, testEmbedDim, ActivationRelu)
	require.NoError(t, err)
	cfg := &Config{
		Fusion:           fusion,
		InputDim:         testInputDim,
		EmbedDim:         testEmbedDim,
		DenseUnits:       []int{16, testNumClasses},
		DenseActivations: []ActivationKind{ActivationRelu, ActivationLinear},
		Readout:          readout,
		NumHeads:         2,
		NumBlocks:        1,
		FFActivation:     ActivationGelu,
	}
	c, err := NewClassifier(cfg, encoder, nil)
	require.NoError(t, err)
	return c
}

// testBatch builds a 2-graph batch: graph 0 with 2 nodes, graph 1 with 3.
func testBatch(t *testing.T, scale float32) *graphs.Batch {
	t.Helper()
	nodes := make([][]float32, 5)
	for ii := range nodes {
		row := make([]float32, testInputDim)
		for jj := range row {
			row[jj] = scale * float32(ii*testInputDim+jj+1)
		}
		nodes[ii] = row
	}
	b, err := graphs.New(nodes, [][2]int32{{0, 1}, {2, 3}, {3, 4}}, []int32{0, 0, 1, 1, 1})
	require.NoError(t, err)
	return b
}

func TestPredictShapes(t *testing.T) {
	for _, fusion := range []FusionKind{FusionNone, FusionCrossAttention, FusionCrossAttentionTransformer} {
		t.Run(fusion.String(), func(t *testing.T) {
			c := testClassifier(t, fusion)
			var logits [][]float32
			var err error
			if fusion == FusionNone {
				logits, err = c.Predict(testBatch(t, 1))
			} else {
				logits, err = c.PredictPair(testBatch(t, 1), testBatch(t, 2))
			}
			require.NoError(t, err)
			require.Len(t, logits, 2)
			for _, row := range logits {
				assert.Len(t, row, testNumClasses)
			}
		})
	}
}

func TestPredictArityErrors(t *testing.T) {
	var argErr *ArgumentError

	c := testClassifier(t, FusionNone)
	_, err := c.Predict(testBatch(t, 1), testBatch(t, 1))
	require.Error(t, err)
	assert.True(t, errors.As(err, &argErr))

	c = testClassifier(t, FusionCrossAttention)
	_, err = c.Predict(testBatch(t, 1))
	require.Error(t, err)
	assert.True(t, errors.As(err, &argErr))

	_, err = c.Predict(nil, testBatch(t, 1))
	require.Error(t, err)
	assert.True(t, errors.As(err, &argErr))
}

func TestPredictRejectsMismatchedPair(t *testing.T) {
	c := testClassifier(t, FusionCrossAttention)
	single, err := graphs.NewSingleGraph([][]float32{{1, 2, 3, 4}}, nil)
	require.NoError(t, err)

	_, err = c.PredictPair(testBatch(t, 1), single)
	require.Error(t, err)
	var batchErr *graphs.InvalidBatchError
	assert.True(t, errors.As(err, &batchErr))
}

func TestPredictRejectsWrongFeatureDim(t *testing.T) {
	c := testClassifier(t, FusionNone)
	bad, err := graphs.NewSingleGraph([][]float32{{1, 2}}, nil)
	require.NoError(t, err)
	_, err = c.Predict(bad)
	require.Error(t, err)
	var argErr *ArgumentError
	assert.True(t, errors.As(err, &argErr))
}

func TestPredictIsDeterministic(t *testing.T) {
	c := testClassifier(t, FusionCrossAttention)
	first, err := c.PredictPair(testBatch(t, 1), testBatch(t, 2))
	require.NoError(t, err)
	second, err := c.PredictPair(testBatch(t, 1), testBatch(t, 2))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPredictPermutationInvariance(t *testing.T) {
	// Permuting the nodes within the graphs of a batch must not change the
	// logits for the set-based readouts: they see the same node set through the
	// dense mask.
	for _, readout := range []ReadoutKind{ReadoutMean, ReadoutMax, ReadoutSum} {
		t.Run(readout.String(), func(t *testing.T) {
			c := testClassifierWithReadout(t, FusionNone, readout)
			batch := testBatch(t, 1)
			logits, err := c.Predict(batch)
			require.NoError(t, err)

			// Swap nodes 0,1 (graph 0) and rotate nodes 2,3,4 (graph 1).
			perm := []int{1, 0, 4, 2, 3}
			permNodes := make([][]float32, len(batch.Nodes))
			for to, from := range perm {
				permNodes[to] = batch.Nodes[from]
			}
			permuted, err := graphs.New(permNodes, nil, []int32{0, 0, 1, 1, 1})
			require.NoError(t, err)
			permLogits, err := c.Predict(permuted)
			require.NoError(t, err)

			require.Len(t, permLogits, len(logits))
			for graph := range logits {
				for class := range logits[graph] {
					assert.InDelta(t, logits[graph][class], permLogits[graph][class], 1e-4,
						"graph %d class %d", graph, class)
				}
			}
		})
	}
}

func TestLearnedReadouts(t *testing.T) {
	// The softmax and LSTM readouts carry learned parameters; check they
	// produce well-shaped, repeatable logits and can train.
	for _, readout := range []ReadoutKind{ReadoutSoftmax, ReadoutLSTM} {
		t.Run(readout.String(), func(t *testing.T) {
			c := testClassifierWithReadout(t, FusionNone, readout)
			batch := testBatch(t, 1)

			logits, err := c.Predict(batch)
			require.NoError(t, err)
			require.Len(t, logits, 2)
			for _, row := range logits {
				assert.Len(t, row, testNumClasses)
			}
			again, err := c.Predict(batch)
			require.NoError(t, err)
			assert.Equal(t, logits, again)

			_, err = c.Learn([]int32{0, 2}, batch)
			require.NoError(t, err)
		})
	}
}

func TestLearnReducesLoss(t *testing.T) {
	c := testClassifier(t, FusionCrossAttention)
	before, after := testBatch(t, 1), testBatch(t, 2)
	labels := []int32{0, 2}

	first, err := c.Loss(labels, before, after)
	require.NoError(t, err)
	for range 20 {
		_, err = c.Learn(labels, before, after)
		require.NoError(t, err)
	}
	last, err := c.Loss(labels, before, after)
	require.NoError(t, err)
	assert.Less(t, last, first)
}

func TestLearnValidatesLabels(t *testing.T) {
	c := testClassifier(t, FusionNone)
	var argErr *ArgumentError

	_, err := c.Learn([]int32{0}, testBatch(t, 1)) // 2 graphs, 1 label
	require.Error(t, err)
	assert.True(t, errors.As(err, &argErr))

	_, err = c.Learn([]int32{0, int32(testNumClasses)}, testBatch(t, 1))
	require.Error(t, err)
	assert.True(t, errors.As(err, &argErr))
}

func TestEvaluate(t *testing.T) {
	c := testClassifier(t, FusionNone)
	labels := []int32{0, 1}

	eval, err := c.Evaluate(labels, nil, 2, testBatch(t, 1))
	require.NoError(t, err)
	assert.Greater(t, eval.Loss, float32(0))
	assert.GreaterOrEqual(t, eval.Accuracy, float32(0))
	assert.LessOrEqual(t, eval.Accuracy, float32(1))
	assert.GreaterOrEqual(t, eval.TopKAccuracy, eval.Accuracy)

	// Logits and batches are mutually exclusive, and one must be given.
	var argErr *ArgumentError
	_, err = c.Evaluate(labels, [][]float32{{1, 0, 0}, {0, 1, 0}}, 1, testBatch(t, 1))
	require.Error(t, err)
	assert.True(t, errors.As(err, &argErr))
	_, err = c.Evaluate(labels, nil, 1)
	require.Error(t, err)
	assert.True(t, errors.As(err, &argErr))

	// Perfect logits score perfect accuracy.
	eval, err = c.Evaluate(labels, [][]float32{{9, 0, 0}, {0, 9, 0}}, 1)
	require.NoError(t, err)
	assert.Equal(t, float32(1), eval.Accuracy)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, fusion := range []FusionKind{FusionNone, FusionCrossAttention, FusionCrossAttentionTransformer} {
		t.Run(fusion.String(), func(t *testing.T) {
			c := testClassifier(t, fusion)
			batches := []*graphs.Batch{testBatch(t, 2)}
			labels := []int32{0, 2}
			if fusion != FusionNone {
				batches = []*graphs.Batch{testBatch(t, 1), testBatch(t, 2)}
			}

			// A couple of steps so the weights are no longer at initialization.
			for range 3 {
				_, err := c.Learn(labels, batches...)
				require.NoError(t, err)
			}
			want, err := c.Predict(batches...)
			require.NoError(t, err)

			dir := t.TempDir()
			require.NoError(t, c.Save(dir))

			loaded, err := Load(dir, MLPEncoderFactory)
			require.NoError(t, err)
			assert.Equal(t, fusion, loaded.Config().Fusion)

			got, err := loaded.Predict(batches...)
			require.NoError(t, err)
			require.Len(t, got, len(want))
			for graph := range want {
				for class := range want[graph] {
					assert.InDelta(t, want[graph][class], got[graph][class], 1e-4,
						"graph %d class %d", graph, class)
				}
			}
		})
	}
}

func TestClasses(t *testing.T) {
	classes := Classes([][]float32{
		{0.1, 0.9, 0},
		{2, 1, 2}, // tie resolves to the lowest class
	})
	assert.Equal(t, []int32{1, 0}, classes)
}
