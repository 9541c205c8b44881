package onnx

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Value is a tensor being converted, tagged with its current layout.
//
// It holds either a constant (a materialized tensor, whose value is known at conversion time) or a symbolic
// node of the GoMLX graph being built. Values are immutable: layout conversions return new Values.
type Value struct {
	constant *tensors.Tensor
	node     *Node
	layout   Layout

	// name of the tensor in the model, if known. Only used for diagnostics.
	name string
}

// NewConstant returns a constant Value.
func NewConstant(t *tensors.Tensor, layout Layout) *Value {
	return &Value{constant: t, layout: layout}
}

// NewSymbolic returns a Value backed by a graph node.
func NewSymbolic(node *Node, layout Layout) *Value {
	return &Value{node: node, layout: layout}
}

// IsConstant returns whether the value is known at conversion time.
func (v *Value) IsConstant() bool { return v.constant != nil }

// Layout returns the layout tag of the value.
func (v *Value) Layout() Layout { return v.layout }

// Tensor returns the constant tensor, or nil for symbolic values.
func (v *Value) Tensor() *tensors.Tensor { return v.constant }

// Node returns the graph node, or nil for constant values. See AsNode to also convert constants.
func (v *Value) Node() *Node { return v.node }

// Shape of the value, as physically stored (for ChannelLast values the channel is the last axis).
func (v *Value) Shape() shapes.Shape {
	if v.constant != nil {
		return v.constant.Shape()
	}
	return v.node.Shape()
}

// DType of the value.
func (v *Value) DType() dtypes.DType { return v.Shape().DType }

// Rank of the value.
func (v *Value) Rank() int { return v.Shape().Rank() }

// Dims returns the dimensions of the value.
func (v *Value) Dims() []int { return v.Shape().Dimensions }

// AsNode returns the value as a node in g: constants are embedded in the graph.
func (v *Value) AsNode(g *Graph) *Node {
	if v.node != nil {
		return v.node
	}
	return Const(g, v.constant)
}

// withLayout returns a copy of the value with a different layout tag and the same payload.
func (v *Value) withLayout(layout Layout) *Value {
	return &Value{constant: v.constant, node: v.node, layout: layout, name: v.name}
}

// Name of the model tensor the value was registered as, or "" if not known.
func (v *Value) Name() string { return v.name }

// SourceDims returns the dimensions in the source (ONNX) axis order: ChannelLast values are reported as
// (n, c, h, w).
func (v *Value) SourceDims() []int {
	dims := v.Dims()
	if v.layout == ChannelLast && len(dims) == 4 {
		return permute(dims, toChannelFirstPerm)
	}
	return dims
}

func (v *Value) String() string {
	kind := "symbolic"
	if v.IsConstant() {
		kind = "constant"
	}
	return fmt.Sprintf("%s %s %s", kind, v.Shape(), v.layout)
}
