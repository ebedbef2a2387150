// Package graphs implements the sparse/dense graph-batch representations and the
// conversions between them required by the attention-based classifiers.
//
// A Batch holds a set of graphs concatenated along the node axis (the sparse layout
// used by encoders and readouts). A DensePlan holds the host-side gather indices and
// validity mask needed to move node embeddings between the sparse layout and the
// dense padded layout [numGraphs, maxNodes, dim] required by attention.
package graphs

import (
	"fmt"

	"github.com/pkg/errors"
)

// InvalidBatchError reports a malformed graph batch or an invalid dense/sparse
// conversion input. Match it with errors.As.
type InvalidBatchError struct {
	Reason string
}

// Error implements the error interface.
func (e *InvalidBatchError) Error() string {
	return fmt.Sprintf("invalid graph batch: %s", e.Reason)
}

func invalidBatchf(format string, args ...any) error {
	return errors.WithStack(&InvalidBatchError{Reason: fmt.Sprintf(format, args...)})
}

// Batch is a set of graphs concatenated along the node axis.
//
// Nodes is the node-feature matrix, Edges the edge list (source, target pairs
// indexing into Nodes) and Assignment maps every node to the index of its graph
// within the batch. Assignment values must be contiguous non-negative integers
// starting at 0.
type Batch struct {
	Nodes      [][]float32
	Edges      [][2]int32
	Assignment []int32
}

// New creates a Batch and validates its invariants, returning an
// InvalidBatchError if they don't hold. A nil assignment defaults to a single
// graph holding all nodes (the all-zeros assignment).
func New(nodes [][]float32, edges [][2]int32, assignment []int32) (*Batch, error) {
	if assignment == nil {
		assignment = make([]int32, len(nodes))
	}
	b := &Batch{Nodes: nodes, Edges: edges, Assignment: assignment}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewSingleGraph creates a Batch holding one graph: the batch assignment defaults
// to all zeros, the documented single-graph convention.
func NewSingleGraph(nodes [][]float32, edges [][2]int32) (*Batch, error) {
	return New(nodes, edges, make([]int32, len(nodes)))
}

// NumNodes returns the total node count across all graphs of the batch.
func (b *Batch) NumNodes() int { return len(b.Nodes) }

// NumGraphs returns the number of graphs in the batch.
func (b *Batch) NumGraphs() int {
	if len(b.Assignment) == 0 {
		return 0
	}
	maxIdx := int32(0)
	for _, g := range b.Assignment {
		if g > maxIdx {
			maxIdx = g
		}
	}
	return int(maxIdx) + 1
}

// FeatureDim returns the node feature dimension.
func (b *Batch) FeatureDim() int {
	if len(b.Nodes) == 0 {
		return 0
	}
	return len(b.Nodes[0])
}

// Validate checks the batch invariants: non-empty node set, rectangular feature
// matrix, assignment length matching the node count, contiguous graph indices
// starting at 0 with no empty graph, and edge endpoints within range.
func (b *Batch) Validate() error {
	if len(b.Nodes) == 0 {
		return invalidBatchf("batch has no nodes")
	}
	dim := len(b.Nodes[0])
	if dim == 0 {
		return invalidBatchf("node features have dimension 0")
	}
	for ii, row := range b.Nodes {
		if len(row) != dim {
			return invalidBatchf("node %d has %d features, node 0 has %d", ii, len(row), dim)
		}
	}
	if len(b.Assignment) != len(b.Nodes) {
		return invalidBatchf("assignment has %d entries for %d nodes", len(b.Assignment), len(b.Nodes))
	}
	numGraphs := b.NumGraphs()
	counts := make([]int, numGraphs)
	for ii, g := range b.Assignment {
		if g < 0 {
			return invalidBatchf("node %d assigned to negative graph index %d", ii, g)
		}
		counts[g]++
	}
	for g, count := range counts {
		if count == 0 {
			return invalidBatchf("graph %d has no nodes (assignment indices must be contiguous)", g)
		}
	}
	numNodes := int32(len(b.Nodes))
	for ii, e := range b.Edges {
		if e[0] < 0 || e[0] >= numNodes || e[1] < 0 || e[1] >= numNodes {
			return invalidBatchf("edge %d (%d->%d) out of range for %d nodes", ii, e[0], e[1], numNodes)
		}
	}
	return nil
}
