package graphs

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
)

// This file implements the in-graph side of the batch fusion engine. All
// operations are pure gather/mask computations, hence differentiable, and are
// driven by the host-side indices of a DensePlan.

// ToDense converts node values x, shaped [numNodes, dim], to the dense padded
// layout [numGraphs, maxNodes, dim]. Padding slots are zero filled. gatherIdx
// must be the plan's GatherTensor, shaped [numGraphs*maxNodes, 1].
func ToDense(x, gatherIdx *Node, numGraphs, maxNodes int) *Node {
	g := x.Graph()
	if x.Rank() != 2 {
		exceptions.Panicf("graphs.ToDense: node values must be rank 2, got shape %s", x.Shape())
	}
	if gatherIdx.Shape().Dim(0) != numGraphs*maxNodes {
		exceptions.Panicf("graphs.ToDense: gather indices have %d slots, want %d graphs x %d nodes",
			gatherIdx.Shape().Dim(0), numGraphs, maxNodes)
	}
	dim := x.Shape().Dim(1)
	// One zero row appended past the end: padding slots gather it.
	fill := Zeros(g, shapes.Make(x.DType(), 1, dim))
	padded := Concatenate([]*Node{x, fill}, 0)
	dense := Gather(padded, gatherIdx)
	return Reshape(dense, numGraphs, maxNodes, dim)
}

// ToSparse is the inverse of ToDense: it extracts exactly the masked-true slots of
// the dense layout [numGraphs, maxNodes, dim], in original node order, into the
// sparse layout [numNodes, dim]. slotIdx must be the plan's SlotTensor, shaped
// [numNodes, 1].
func ToSparse(dense, slotIdx *Node) *Node {
	if dense.Rank() != 3 {
		exceptions.Panicf("graphs.ToSparse: dense batch must be rank 3, got shape %s", dense.Shape())
	}
	numGraphs := dense.Shape().Dim(0)
	maxNodes := dense.Shape().Dim(1)
	dim := dense.Shape().Dim(2)
	flat := Reshape(dense, numGraphs*maxNodes, dim)
	return Gather(flat, slotIdx)
}

// PairMask combines a query-side and a key-side validity mask, both shaped
// [numGraphs, seqLen] bool, into the pairwise "both real" mask shaped
// [numGraphs, querySeq, keySeq]: a (query, key) slot pair is allowed iff both
// positions are real nodes.
func PairMask(queryMask, keyMask *Node) *Node {
	if queryMask.Rank() != 2 || keyMask.Rank() != 2 {
		exceptions.Panicf("graphs.PairMask: masks must be rank 2, got %s and %s",
			queryMask.Shape(), keyMask.Shape())
	}
	if queryMask.Shape().Dim(0) != keyMask.Shape().Dim(0) {
		exceptions.Panicf("graphs.PairMask: mismatched leading batch dimension: %d vs %d",
			queryMask.Shape().Dim(0), keyMask.Shape().Dim(0))
	}
	q := ExpandAxes(queryMask, -1) // [batch, querySeq, 1]
	k := ExpandAxes(keyMask, 1)    // [batch, 1, keySeq]
	return LogicalAnd(q, k)
}

// CrossAttentionMask builds the cross-attention mask replicated per head, shaped
// [numGraphs, numHeads, querySeq, keySeq], in the blocked convention expected by
// attention primitives that mask out disallowed pairs: an entry is true iff the
// pair may NOT attend, i.e. !(queryMask[i] && keyMask[j]).
func CrossAttentionMask(queryMask, keyMask *Node, numHeads int) *Node {
	if numHeads <= 0 {
		exceptions.Panicf("graphs.CrossAttentionMask: numHeads must be positive, got %d", numHeads)
	}
	blocked := LogicalNot(PairMask(queryMask, keyMask))
	blocked = ExpandAxes(blocked, 1) // [batch, 1, querySeq, keySeq]
	return BroadcastToDims(blocked,
		queryMask.Shape().Dim(0), numHeads, queryMask.Shape().Dim(1), keyMask.Shape().Dim(1))
}
