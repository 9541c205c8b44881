package onnx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// allConstant returns whether all the (non-nil) values are constants.
func allConstant(values ...*Value) bool {
	for _, v := range values {
		if v != nil && !v.IsConstant() {
			return false
		}
	}
	return true
}

// foldConstants evaluates fn on the constant tensors in a new graph on backend, and returns the resulting tensor.
// Nil tensors are given to fn as nil nodes.
func foldConstants(backend backends.Backend, fn func(nodes []*Node) *Node, constants ...*tensors.Tensor) (*tensors.Tensor, error) {
	var result *tensors.Tensor
	var execErr error
	err := exceptions.TryCatch[error](func() {
		result, execErr = ExecOnce(backend, func(g *Graph) *Node {
			nodes := make([]*Node, len(constants))
			for ii, t := range constants {
				if t != nil {
					nodes[ii] = Const(g, t)
				}
			}
			return fn(nodes)
		})
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessage(err, "while evaluating constant expression")
	}
	return result, nil
}

// foldConstant is foldConstants for the single constant value v.
func foldConstant(backend backends.Backend, fn func(x *Node) *Node, v *Value) (*tensors.Tensor, error) {
	return foldConstants(backend, func(nodes []*Node) *Node { return fn(nodes[0]) }, v.Tensor())
}

// evaluate runs fn on the constant values, and returns the resulting tensor.
//
// This is how ONNX ops on constant inputs (shapes, axes, initializers) are folded during conversion, using
// the same GoMLX ops used for symbolic values.
func (nc *nodeContext) evaluate(fn func(nodes []*Node) *Node, values ...*Value) *tensors.Tensor {
	constants := make([]*tensors.Tensor, len(values))
	for ii, v := range values {
		if v != nil {
			constants[ii] = v.Tensor()
		}
	}
	result, err := foldConstants(nc.g.Backend(), fn, constants...)
	if err != nil {
		panic(errors.WithMessagef(err, "in %s", nodeToString(nc.node)))
	}
	klog.V(2).Infof("onnx: folded %s into constant %s", nc.node.OpType, result.Shape())
	return result
}

// foldWeights applies fn to a weights tensor, e.g. to permute it to the GoMLX axis order.
func (nc *nodeContext) foldWeights(fn func(w *Node) *Node, weights *tensors.Tensor) *tensors.Tensor {
	return nc.evaluate(func(nodes []*Node) *Node { return fn(nodes[0]) }, NewConstant(weights, Opaque))
}

// apply runs fn on the values: if all are constants, fn is evaluated immediately and the result is a constant,
// otherwise it's added to the graph being built. Nil values are passed as nil nodes.
//
// The result is tagged with layout.
func (nc *nodeContext) apply(fn func(nodes []*Node) *Node, layout Layout, values ...*Value) *Value {
	if allConstant(values...) {
		return NewConstant(nc.evaluate(fn, values...), layout)
	}
	nodes := make([]*Node, len(values))
	for ii, v := range values {
		if v != nil {
			nodes[ii] = v.AsNode(nc.g)
		}
	}
	return NewSymbolic(fn(nodes), layout)
}

// apply1 is apply for a single value.
func (nc *nodeContext) apply1(fn func(x *Node) *Node, layout Layout, v *Value) *Value {
	return nc.apply(func(nodes []*Node) *Node { return fn(nodes[0]) }, layout, v)
}

// mustConstant returns the tensor of a value that is required to be known at conversion time.
func (nc *nodeContext) mustConstant(v *Value, what string, inputs []*Value) *tensors.Tensor {
	if v == nil {
		nc.configErrorf(inputs, "%s is required", what)
	}
	if !v.IsConstant() {
		nc.configErrorf(inputs, "%s must be a constant (initializer or computed from initializers), got a value computed from the model inputs", what)
	}
	return v.Tensor()
}

// constantInts returns the integer values of the optional input, or nil if the input is not given.
func (nc *nodeContext) constantInts(v *Value, what string, inputs []*Value) []int {
	if v == nil {
		return nil
	}
	return tensorToInts(nc.mustConstant(v, what, inputs))
}

// applySource is apply for operations computed in the source axis order: symbolic results are tagged with the
// native layout of their rank, constant results are Opaque.
func (nc *nodeContext) applySource(fn func(nodes []*Node) *Node, values ...*Value) *Value {
	out := nc.apply(fn, Opaque, values...)
	if out.IsConstant() {
		return out
	}
	return out.withLayout(nativeLayout(out.Rank()))
}

// reshape reshapes v to dims (same size) and tags the result with layout. Constants are folded.
func (nc *nodeContext) reshape(v *Value, dims []int, layout Layout) *Value {
	return nc.apply1(func(x *Node) *Node { return Reshape(x, dims...) }, layout, v)
}
