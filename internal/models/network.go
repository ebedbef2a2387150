package models

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/protml/protmotion/internal/graphs"
)

// Criterion computes a scalar loss from integer class labels shaped
// [numGraphs, 1] and raw logits shaped [numGraphs, numClasses].
type Criterion func(labels, logits *Node) *Node

// CrossEntropyCriterion is the default multiclass classification loss.
func CrossEntropyCriterion(labels, logits *Node) *Node {
	return losses.SparseCategoricalCrossEntropyLogits([]*Node{labels}, []*Node{logits})
}

// Input tensor layout produced by CreateInputs and consumed by ForwardGraph.
// Per graph batch: node features [numNodes, dim], edge sources [numEdges],
// edge targets [numEdges], dense gather indices [numGraphs*maxNodes, 1] and the
// validity mask [numGraphs, maxNodes]. The paired layouts append the "after"
// batch after the "before" one, plus the query-side slot indices used to convert
// the fused sequence back to the sparse layout.
const (
	tensorsPerBatch  = 5
	singleInputCount = tensorsPerBatch
	pairInputCount   = 2*tensorsPerBatch + 1
)

// network builds the forward and loss graphs for one classifier configuration.
// The three classifier variants share this one implementation: the fusion
// strategy is selected by the config rather than by subclassing.
type network struct {
	cfg     *Config
	encoder Encoder
}

// NumInputs returns how many input tensors the forward graph takes.
func (n *network) NumInputs() int {
	if n.cfg.Fusion == FusionNone {
		return singleInputCount
	}
	return pairInputCount
}

// CreateInputs builds the input tensors for the given graph batches: one batch
// for the base classifier, the (before, after) pair for the paired variants.
func (n *network) CreateInputs(batches ...*graphs.Batch) ([]*tensors.Tensor, error) {
	want := n.cfg.Fusion.NumBatches()
	if len(batches) != want {
		which := "batches"
		if want == 1 {
			which = "batch"
		}
		return nil, argumentf("batches", "%s classifier takes exactly %d graph %s, %d given",
			n.cfg.Fusion, want, which, len(batches))
	}
	for ii, b := range batches {
		if b == nil {
			return nil, argumentf(fmt.Sprintf("batches[%d]", ii), "graph batch is nil")
		}
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if b.FeatureDim() != n.cfg.InputDim {
			return nil, argumentf(fmt.Sprintf("batches[%d]", ii),
				"node features have dimension %d, model expects %d", b.FeatureDim(), n.cfg.InputDim)
		}
	}

	if n.cfg.Fusion == FusionNone {
		plan, err := graphs.PlanFor(batches[0])
		if err != nil {
			return nil, err
		}
		return appendBatchTensors(nil, batches[0], plan), nil
	}

	before, after := batches[0], batches[1]
	planBefore, err := graphs.PlanFor(before)
	if err != nil {
		return nil, err
	}
	planAfter, err := graphs.PlanFor(after)
	if err != nil {
		return nil, err
	}
	if planBefore.NumGraphs != planAfter.NumGraphs {
		return nil, &graphs.InvalidBatchError{Reason: fmt.Sprintf(
			"mismatched leading batch dimension: before has %d graphs, after has %d",
			planBefore.NumGraphs, planAfter.NumGraphs)}
	}
	inputs := appendBatchTensors(nil, before, planBefore)
	inputs = appendBatchTensors(inputs, after, planAfter)
	return append(inputs, planAfter.SlotTensor()), nil
}

// CreateLabels builds the label tensor, shaped [numGraphs, 1] int32.
func (n *network) CreateLabels(labels []int32) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Int32, len(labels), 1))
	tensors.MutableFlatData(t, func(flat []int32) {
		copy(flat, labels)
	})
	return t
}

func appendBatchTensors(inputs []*tensors.Tensor, b *graphs.Batch, plan *graphs.DensePlan) []*tensors.Tensor {
	numNodes := b.NumNodes()
	dim := b.FeatureDim()
	nodes := tensors.FromShape(shapes.Make(dtypes.Float32, numNodes, dim))
	tensors.MutableFlatData(nodes, func(flat []float32) {
		for ii, row := range b.Nodes {
			copy(flat[ii*dim:], row)
		}
	})
	edgeSrc := tensors.FromShape(shapes.Make(dtypes.Int32, len(b.Edges)))
	tensors.MutableFlatData(edgeSrc, func(flat []int32) {
		for ii, e := range b.Edges {
			flat[ii] = e[0]
		}
	})
	edgeDst := tensors.FromShape(shapes.Make(dtypes.Int32, len(b.Edges)))
	tensors.MutableFlatData(edgeDst, func(flat []int32) {
		for ii, e := range b.Edges {
			flat[ii] = e[1]
		}
	})
	return append(inputs, nodes, edgeSrc, edgeDst, plan.GatherTensor(), plan.MaskTensor())
}

// ForwardGraph builds the forward pass, returning class logits shaped
// [numGraphs, numClasses].
func (n *network) ForwardGraph(ctx *context.Context, inputs []*Node) *Node {
	if n.cfg.Fusion == FusionNone {
		x, edgeSrc, edgeDst, gather, mask := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
		embeddings := n.encoder.BuildGraph(ctx.In("encoder"), x, edgeSrc, edgeDst)
		dense := graphs.ToDense(embeddings, gather, mask.Shape().Dim(0), mask.Shape().Dim(1))
		return n.headGraph(ctx, dense, mask)
	}

	maskBefore, maskAfter := inputs[4], inputs[9]
	gatherBefore, gatherAfter := inputs[3], inputs[8]
	slotAfter := inputs[10]
	numGraphs := maskBefore.Shape().Dim(0)

	// The same encoder runs on both sides of the pair: one set of weights.
	embBefore := n.encoder.BuildGraph(ctx.In("encoder"), inputs[0], inputs[1], inputs[2])
	embAfter := n.encoder.BuildGraph(ctx.In("encoder"), inputs[5], inputs[6], inputs[7])

	denseBefore := graphs.ToDense(embBefore, gatherBefore, numGraphs, maskBefore.Shape().Dim(1))
	denseAfter := graphs.ToDense(embAfter, gatherAfter, numGraphs, maskAfter.Shape().Dim(1))

	// Cross attention: the "after" batch queries the "before" batch. Padding key
	// slots are excluded by the key mask; the shortcut connection adds the query
	// embedding back rather than replacing it.
	headDim := n.cfg.KeyDimOrDefault() / n.cfg.NumHeads
	attended := layers.MultiHeadAttention(
		ctx.In("cross_attention"), denseAfter, denseBefore, denseBefore, n.cfg.NumHeads, headDim).
		SetOutputDim(n.cfg.EmbedDim).
		SetKeyMask(maskBefore).
		SetQueryMask(maskAfter).
		Done()
	fused := Add(attended, denseAfter)

	if n.cfg.Fusion == FusionCrossAttentionTransformer {
		for block := 0; block < n.cfg.NumBlocks; block++ {
			fused = n.transformerBlock(ctx.In(fmt.Sprintf("transformer_%d", block)), fused, maskAfter)
		}
	}

	// Back to the sparse layout through the query-side plan, then the same
	// readout + dense head pipeline as the base classifier.
	sparse := graphs.ToSparse(fused, slotAfter)
	dense := graphs.ToDense(sparse, gatherAfter, numGraphs, maskAfter.Shape().Dim(1))
	return n.headGraph(ctx, dense, maskAfter)
}

// headGraph applies the readout and the dense classification head.
func (n *network) headGraph(ctx *context.Context, dense, mask *Node) *Node {
	x := applyReadout(ctx.In("readout"), n.cfg.Readout, dense, mask)
	numLayers := len(n.cfg.DenseUnits)
	for ii, units := range n.cfg.DenseUnits {
		layerCtx := ctx.In(fmt.Sprintf("dense_%d", ii))
		x = layers.Dense(layerCtx, x, true, units)
		x = n.cfg.DenseActivations[ii].Apply(x)
		// Dropout between layers, never after the output one.
		if ii < numLayers-1 {
			x = layers.DropoutFromContext(layerCtx, x)
		}
	}
	return x
}

// transformerBlock is one standard self-attention block over the fused dense
// sequence: self-attention sublayer plus position-wise feed-forward sublayer,
// with pre- or post-normalization per configuration. The query-side mask
// excludes padding slots from attention.
func (n *network) transformerBlock(ctx *context.Context, x, mask *Node) *Node {
	headDim := n.cfg.EmbedDim / n.cfg.NumHeads

	selfAttention := func(ctx *context.Context, h *Node) *Node {
		attended := layers.MultiHeadAttention(ctx, h, h, h, n.cfg.NumHeads, headDim).
			SetOutputDim(n.cfg.EmbedDim).
			SetKeyMask(mask).
			SetQueryMask(mask).
			Done()
		return layers.DropoutFromContext(ctx, attended)
	}
	feedForward := func(ctx *context.Context, h *Node) *Node {
		h = layers.Dense(ctx.In("expand"), h, true, n.cfg.FFDimOrDefault())
		h = n.cfg.FFActivation.Apply(h)
		h = layers.Dense(ctx.In("project"), h, true, n.cfg.EmbedDim)
		return layers.DropoutFromContext(ctx, h)
	}
	norm := func(ctx *context.Context, h *Node) *Node {
		return layers.LayerNormalization(ctx, h, -1).Done()
	}

	attnCtx := ctx.In("self_attention")
	ffCtx := ctx.In("feed_forward")
	if n.cfg.PreNorm {
		x = Add(x, selfAttention(attnCtx, norm(attnCtx.In("norm"), x)))
		x = Add(x, feedForward(ffCtx, norm(ffCtx.In("norm"), x)))
		return x
	}
	x = norm(attnCtx.In("norm"), Add(x, selfAttention(attnCtx, x)))
	x = norm(ffCtx.In("norm"), Add(x, feedForward(ffCtx, x)))
	return x
}

// LossGraph computes the scalar training loss with the given criterion.
func (n *network) LossGraph(ctx *context.Context, inputs []*Node, labels *Node, criterion Criterion) *Node {
	logits := n.ForwardGraph(ctx, inputs)
	loss := criterion(labels, logits)
	if !loss.IsScalar() {
		// Some criteria return one value per example of the batch.
		loss = ReduceAllMean(loss)
	}
	return loss
}
