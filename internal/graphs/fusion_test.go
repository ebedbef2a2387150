package graphs

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// sparse node values: graph 0 has 2 nodes, graph 1 has 3.
var (
	testAssignment = []int32{0, 0, 1, 1, 1}
	testNodeValues = [][]float32{
		{1, 10},
		{2, 20},
		{3, 30},
		{4, 40},
		{5, 50},
	}
)

func sparseTensor(t *testing.T) *tensors.Tensor {
	t.Helper()
	return tensors.FromValue(testNodeValues)
}

func TestToDense(t *testing.T) {
	plan, err := NewDensePlan(testAssignment)
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()

	exec := NewExec(backend, func(x, gather *Node) *Node {
		return ToDense(x, gather, plan.NumGraphs, plan.MaxNodes)
	})
	dense := exec.Call(sparseTensor(t), plan.GatherTensor())[0]

	dense.Shape().AssertDims(2, 3, 2)
	want := []float32{
		1, 10, 2, 20, 0, 0, // graph 0, padded with a zero slot
		3, 30, 4, 40, 5, 50, // graph 1, full
	}
	assert.Equal(t, want, tensors.CopyFlatData[float32](dense))
}

func TestDenseSparseRoundTrip(t *testing.T) {
	plan, err := NewDensePlan(testAssignment)
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()

	exec := NewExec(backend, func(x, gather, slots *Node) *Node {
		dense := ToDense(x, gather, plan.NumGraphs, plan.MaxNodes)
		return ToSparse(dense, slots)
	})
	roundTrip := exec.Call(sparseTensor(t), plan.GatherTensor(), plan.SlotTensor())[0]

	roundTrip.Shape().AssertDims(5, 2)
	assert.Equal(t, []float32{1, 10, 2, 20, 3, 30, 4, 40, 5, 50},
		tensors.CopyFlatData[float32](roundTrip))
}

func TestRoundTripInterleavedAssignment(t *testing.T) {
	// Same values, nodes interleaved across graphs: the round trip must still
	// reproduce the original node order.
	plan, err := NewDensePlan([]int32{1, 0, 1, 0, 1})
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()

	exec := NewExec(backend, func(x, gather, slots *Node) *Node {
		return ToSparse(ToDense(x, gather, plan.NumGraphs, plan.MaxNodes), slots)
	})
	roundTrip := exec.Call(sparseTensor(t), plan.GatherTensor(), plan.SlotTensor())[0]
	assert.Equal(t, []float32{1, 10, 2, 20, 3, 30, 4, 40, 5, 50},
		tensors.CopyFlatData[float32](roundTrip))
}

func TestPairMask(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	queryMask := tensors.FromValue([][]bool{{true, true, false}})
	keyMask := tensors.FromValue([][]bool{{true, false}})

	exec := NewExec(backend, func(q, k *Node) *Node {
		return PairMask(q, k)
	})
	pair := exec.Call(queryMask, keyMask)[0]

	pair.Shape().AssertDims(1, 3, 2)
	want := []bool{
		true, false, // query 0: key 0 real, key 1 padding
		true, false, // query 1
		false, false, // query 2 is padding
	}
	assert.Equal(t, want, tensors.CopyFlatData[bool](pair))
}

func TestCrossAttentionMaskComplementsPairMask(t *testing.T) {
	// A pair is blocked exactly when it is not allowed: the blocked mask is the
	// negation of the pair mask, replicated per head.
	backend := graphtest.BuildTestBackend()
	queryMask := tensors.FromValue([][]bool{{true, false}, {true, true}})
	keyMask := tensors.FromValue([][]bool{{true, true}, {false, true}})
	const numHeads = 3

	exec := NewExecAny(backend, func(q, k *Node) []*Node {
		return []*Node{PairMask(q, k), CrossAttentionMask(q, k, numHeads)}
	})
	outputs := exec.Call(queryMask, keyMask)
	allowed := tensors.CopyFlatData[bool](outputs[0])
	blocked := tensors.CopyFlatData[bool](outputs[1])

	outputs[1].Shape().AssertDims(2, numHeads, 2, 2)
	pairCount := len(allowed)
	for head := 0; head < numHeads; head++ {
		for graph := 0; graph < 2; graph++ {
			for pair := 0; pair < 4; pair++ {
				allowedIdx := graph*4 + pair
				blockedIdx := (graph*numHeads+head)*4 + pair
				assert.Equal(t, !allowed[allowedIdx], blocked[blockedIdx],
					"graph %d head %d pair %d", graph, head, pair)
			}
		}
	}
	assert.Equal(t, 8, pairCount)
}
