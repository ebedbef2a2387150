package models

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
)

// Readouts reduce the dense padded node view [numGraphs, maxNodes, dim] plus its
// validity mask [numGraphs, maxNodes] to one embedding per graph [numGraphs, dim].
// Padding slots never contribute: every readout folds the mask in before reducing,
// so the mean/max/sum variants are permutation invariant over the real nodes of a
// graph.

const maskedOut = -1e30

// applyReadout dispatches on the readout kind resolved at construction time.
func applyReadout(ctx *context.Context, kind ReadoutKind, dense, mask *Node) *Node {
	maskF := ConvertDType(mask, dense.DType()) // [graphs, nodes]
	maskCol := ExpandAxes(maskF, -1)           // [graphs, nodes, 1]
	switch kind {
	case ReadoutMean:
		sum := ReduceSum(Mul(dense, maskCol), 1)
		counts := ExpandAxes(ReduceSum(maskF, -1), -1) // [graphs, 1], never zero: empty graphs are rejected upfront.
		return Div(sum, counts)
	case ReadoutMax:
		invMask := AddScalar(Neg(maskCol), 1)
		masked := Add(Mul(dense, maskCol), MulScalar(invMask, maskedOut))
		return ReduceMax(masked, 1)
	case ReadoutSum:
		return ReduceSum(Mul(dense, maskCol), 1)
	case ReadoutSoftmax:
		return softmaxReadout(ctx.In("softmax_readout"), dense, maskCol)
	case ReadoutLSTM:
		return lstmReadout(ctx.In("lstm_readout"), dense, maskCol)
	}
	return dense // Unreachable: kinds are validated at construction.
}

// softmaxReadout is softmax pooling with a learned scalar temperature: node
// weights are a per-feature masked softmax of the scaled embeddings.
func softmaxReadout(ctx *context.Context, dense, maskCol *Node) *Node {
	g := dense.Graph()
	temperature := ctx.VariableWithValue("temperature", float32(1)).ValueGraph(g)
	invMask := AddScalar(Neg(maskCol), 1)
	scores := Add(Mul(dense, temperature), MulScalar(invMask, maskedOut))
	peak := ExpandAxes(ReduceMax(scores, 1), 1) // [graphs, 1, dim]
	weights := Mul(Exp(Sub(scores, peak)), maskCol)
	total := ExpandAxes(ReduceSum(weights, 1), 1)
	weights = Div(weights, total)
	return ReduceSum(Mul(weights, dense), 1)
}

// lstmReadout unrolls an LSTM cell over the padded node axis, carrying state only
// across real nodes; the final hidden state is the graph embedding. The cell
// weights are a single dense layer computing all four gates, shared across steps.
func lstmReadout(ctx *context.Context, dense, maskCol *Node) *Node {
	g := dense.Graph()
	numGraphs := dense.Shape().Dim(0)
	maxNodes := dense.Shape().Dim(1)
	dim := dense.Shape().Dim(2)

	h := Zeros(g, shapes.Make(dense.DType(), numGraphs, dim))
	c := Zeros(g, shapes.Make(dense.DType(), numGraphs, dim))
	for step := 0; step < maxNodes; step++ {
		x := Reshape(Slice(dense, AxisRange(), AxisElem(step), AxisRange()), numGraphs, dim)
		stepMask := Reshape(Slice(maskCol, AxisRange(), AxisElem(step), AxisRange()), numGraphs, 1)

		gates := layers.Dense(ctx.In("gates"), Concatenate([]*Node{x, h}, -1), true, 4*dim)
		input := sigmoid(Slice(gates, AxisRange(), AxisRange(0, dim)))
		forget := sigmoid(Slice(gates, AxisRange(), AxisRange(dim, 2*dim)))
		output := sigmoid(Slice(gates, AxisRange(), AxisRange(2*dim, 3*dim)))
		candidate := Tanh(Slice(gates, AxisRange(), AxisRange(3*dim, 4*dim)))

		cNew := Add(Mul(forget, c), Mul(input, candidate))
		hNew := Mul(output, Tanh(cNew))

		// Padding steps keep the previous state.
		c = Add(c, Mul(stepMask, Sub(cNew, c)))
		h = Add(h, Mul(stepMask, Sub(hNew, h)))
	}
	return h
}
