package onnx

import (
	"fmt"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// ModelScope is the default model scope to use for the ONNX model variables when converting to GoMLX.
// Each converted layer (node) with weights gets its own sub-scope, named after the node.
var ModelScope = "ONNX"

// SafeVarName converts an ONNX variable name to a GoMLX safe variable name by replacing the scope separator with a "|".
func SafeVarName(onnxName string) (gomlxName string) {
	return strings.ReplaceAll(onnxName, context.ScopeSeparator, "|")
}

// layerScope returns the name of the context scope holding the variables of the node being converted.
// Nodes without name are named after their op type and position.
func (nc *nodeContext) layerScope() string {
	if nc.scopeName != "" {
		return nc.scopeName
	}
	name := nc.node.Name
	if name == "" {
		name = fmt.Sprintf("%s_%d", strings.ToLower(nc.node.OpType), nc.index)
	}
	name = SafeVarName(name)
	if nc.layerNames.Has(name) {
		name = fmt.Sprintf("%s_%d", name, nc.index)
	}
	nc.layerNames.Insert(name)
	nc.scopeName = name
	return name
}

// layerContext returns the context for the variables of the node being converted.
func (nc *nodeContext) layerContext() *context.Context {
	return nc.ctx.In(nc.layerScope())
}

// variable stores t as a variable named name in ctx, and returns its value in the graph.
//
// If the variable already exists (a graph being rebuilt for a new input shape), its current value is used.
func (nc *nodeContext) variable(ctx *context.Context, name string, t *tensors.Tensor) *Node {
	v := ctx.InspectVariableInScope(name)
	if v == nil {
		v = ctx.VariableWithValue(name, t)
	}
	return v.ValueGraph(nc.g)
}

// weight returns a constant Value's tensor stored as a variable, and its node.
// Variables are only created for non-scalar constants.
func (nc *nodeContext) weight(ctx *context.Context, name string, v *Value) *Node {
	if !v.IsConstant() || v.Rank() == 0 {
		return v.AsNode(nc.g)
	}
	return nc.variable(ctx, name, v.Tensor())
}
