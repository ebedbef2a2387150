package graphs

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// DensePlan is the host-side conversion plan between the sparse node layout
// [numNodes, dim] and the dense padded layout [numGraphs, maxNodes, dim] for a
// fixed batch assignment.
//
// Both conversion directions gather through the same per-node slot indices, so
// ToSparse(ToDense(x)) == x holds exactly for the masked-true positions.
type DensePlan struct {
	NumGraphs, MaxNodes, NumNodes int

	// GatherIdx has NumGraphs*MaxNodes entries: for each dense slot, the index of the
	// sparse node that fills it, or NumNodes (one past the end, a zero fill row) for
	// padding slots.
	GatherIdx []int32

	// SlotIdx has NumNodes entries: for each sparse node, its flattened dense slot
	// graph*MaxNodes + position.
	SlotIdx []int32

	// Sizes holds the node count per graph.
	Sizes []int32

	// Mask has NumGraphs*MaxNodes entries, true for real nodes and false for padding.
	Mask []bool
}

// NewDensePlan builds the conversion plan for the given batch assignment.
// The assignment must use contiguous graph indices starting at 0 and every graph
// must have at least one node, otherwise an InvalidBatchError is returned.
func NewDensePlan(assignment []int32) (*DensePlan, error) {
	if len(assignment) == 0 {
		return nil, invalidBatchf("empty batch assignment")
	}
	numGraphs := 0
	for _, g := range assignment {
		if g < 0 {
			return nil, invalidBatchf("negative graph index %d in assignment", g)
		}
		if int(g) >= numGraphs {
			numGraphs = int(g) + 1
		}
	}
	sizes := make([]int32, numGraphs)
	for _, g := range assignment {
		sizes[g]++
	}
	maxNodes := 0
	for g, size := range sizes {
		if size == 0 {
			return nil, invalidBatchf("graph %d has no nodes", g)
		}
		if int(size) > maxNodes {
			maxNodes = int(size)
		}
	}

	numNodes := len(assignment)
	plan := &DensePlan{
		NumGraphs: numGraphs,
		MaxNodes:  maxNodes,
		NumNodes:  numNodes,
		GatherIdx: make([]int32, numGraphs*maxNodes),
		SlotIdx:   make([]int32, numNodes),
		Sizes:     sizes,
		Mask:      make([]bool, numGraphs*maxNodes),
	}
	// Padding slots gather the zero fill row appended past the last node.
	for ii := range plan.GatherIdx {
		plan.GatherIdx[ii] = int32(numNodes)
	}
	cursor := make([]int32, numGraphs)
	for node, g := range assignment {
		slot := int(g)*maxNodes + int(cursor[g])
		plan.GatherIdx[slot] = int32(node)
		plan.SlotIdx[node] = int32(slot)
		plan.Mask[slot] = true
		cursor[g]++
	}
	return plan, nil
}

// PlanFor builds the conversion plan for a batch's assignment.
func PlanFor(b *Batch) (*DensePlan, error) {
	plan, err := NewDensePlan(b.Assignment)
	if err != nil {
		return nil, err
	}
	if plan.NumNodes != b.NumNodes() {
		return nil, invalidBatchf("assignment covers %d nodes, batch has %d", plan.NumNodes, b.NumNodes())
	}
	return plan, nil
}

// GatherTensor returns the dense-slot gather indices as an Int32 tensor shaped
// [NumGraphs*MaxNodes, 1], ready for ToDense.
func (p *DensePlan) GatherTensor() *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Int32, len(p.GatherIdx), 1))
	tensors.MutableFlatData(t, func(flat []int32) {
		copy(flat, p.GatherIdx)
	})
	return t
}

// SlotTensor returns the per-node flattened slot indices as an Int32 tensor shaped
// [NumNodes, 1], ready for ToSparse.
func (p *DensePlan) SlotTensor() *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Int32, len(p.SlotIdx), 1))
	tensors.MutableFlatData(t, func(flat []int32) {
		copy(flat, p.SlotIdx)
	})
	return t
}

// MaskTensor returns the validity mask as a Bool tensor shaped [NumGraphs, MaxNodes].
func (p *DensePlan) MaskTensor() *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Bool, p.NumGraphs, p.MaxNodes))
	tensors.MutableFlatData(t, func(flat []bool) {
		copy(flat, p.Mask)
	})
	return t
}
