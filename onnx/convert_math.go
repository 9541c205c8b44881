package onnx

import (
	"math"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// binaryOp describes an ONNX elementwise binary operator.
type binaryOp struct {
	fn func(lhs, rhs *Node) *Node

	// scalarShortcut: if one operand is a rank-0 scalar, it is applied to the other with no layout reconciliation.
	scalarShortcut bool

	// rankDominates: if the second operand has a strictly higher rank, it decides the layout of the pair.
	rankDominates bool
}

var (
	binaryAdd   = binaryOp{fn: Add}
	binarySub   = binaryOp{fn: Sub, rankDominates: true}
	binaryMul   = binaryOp{fn: Mul, scalarShortcut: true}
	binaryDiv   = binaryOp{fn: Div}
	binaryEqual = binaryOp{fn: Equal}
)

// onnxImplicitBroadcast expands operands to the largest rank, expanding to the left.
// This is part of ONNX implicit broadcasting rule.
// Scalars are left untouched, because generally, XLA will broadcast them.
//
// Returns the list of broadcast operands.
func onnxImplicitBroadcast(operands []*Node) []*Node {
	ranks := xslices.Map(operands, func(n *Node) int { return n.Rank() })
	maxRank := slices.Max(ranks)
	return xslices.Map(operands, func(n *Node) *Node {
		if n.IsScalar() || n.Rank() == maxRank {
			return n
		}
		return ExpandLeftToRank(n, maxRank)
	})
}

// convertBinaryOp applies ONNX broadcasting rule before calling the fn.
//
// It differs from GoMLX and XLA in that it automatically prepend 1-dimensional axes to
// any of the operands, if they differ in rank.
func convertBinaryOp(fn func(lhs, rhs *Node) *Node, lhs, rhs *Node) *Node {
	operands := onnxImplicitBroadcast([]*Node{lhs, rhs})
	return fn(operands[0], operands[1])
}

// convertBinary returns the converter of an elementwise binary operator.
//
// Operands are reconciled to a common layout first, and the result takes the layout of the dominant operand.
func convertBinary(op binaryOp) converterFn {
	return func(nc *nodeContext, inputs []*Value) []*Value {
		a, b := input(inputs, 0), input(inputs, 1)
		if a == nil || b == nil {
			nc.configErrorf(inputs, "2 operands are required")
		}
		var layout Layout
		if op.scalarShortcut && (a.Rank() == 0 || b.Rank() == 0) {
			layout = a.layout
			if a.Rank() == 0 {
				layout = b.layout
			}
		} else {
			secondDominates := op.rankDominates && b.Rank() > a.Rank()
			a, b = nc.broadcastToImageRank(a, b)
			if secondDominates {
				b, a = nc.reconcile(b, a)
			} else {
				a, b = nc.reconcile(a, b)
			}
			layout = dominantLayout(a.layout, b.layout)
		}
		return single(nc.apply(func(nodes []*Node) *Node {
			lhs, rhs := promoteToCommonDType(nodes[0], nodes[1], nc.promotion)
			return convertBinaryOp(op.fn, lhs, rhs)
		}, layout, a, b))
	}
}

// broadcastToImageRank left-pads a lower rank Opaque operand with axes of size 1 when the other operand is a
// ChannelLast image batch: ONNX broadcasting is in source order, so the padded operand can then be converted to
// ChannelLast along with its axes.
func (nc *nodeContext) broadcastToImageRank(a, b *Value) (*Value, *Value) {
	pad := func(v, other *Value) *Value {
		if other.layout != ChannelLast || v.layout != Opaque || v.Rank() == 0 || v.Rank() >= 4 {
			return v
		}
		dims := []int{1, 1, 1, 1}
		copy(dims[4-v.Rank():], v.Dims())
		return nc.reshape(v, dims, Opaque)
	}
	return pad(a, b), pad(b, a)
}

// dominantLayout is the layout of the result of combining values of layouts a and b.
func dominantLayout(a, b Layout) Layout {
	switch {
	case a == ChannelLast || b == ChannelLast:
		return ChannelLast
	case a == ChannelFirst || b == ChannelFirst:
		return ChannelFirst
	}
	return Opaque
}

// convertUnary returns the converter of an elementwise unary operator, which preserves the layout.
func convertUnary(fn func(x *Node) *Node) converterFn {
	return func(nc *nodeContext, inputs []*Value) []*Value {
		x := inputs[0]
		return single(nc.apply1(fn, x.layout, x))
	}
}

var (
	unarySqrt    = convertUnary(Sqrt)
	unaryAbs     = convertUnary(Abs)
	unaryNeg     = convertUnary(Neg)
	unaryExp     = convertUnary(Exp)
	unaryFloor   = convertUnary(Floor)
	unaryRelu    = convertUnary(activations.Relu)
	unarySigmoid = convertUnary(Sigmoid)
)

// convertLeakyRelu converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__LeakyRelu.html
func convertLeakyRelu(nc *nodeContext, inputs []*Value) []*Value {
	alpha := float64(getFloatAttrOr(nc.node, "alpha", 0.01))
	x := inputs[0]
	return single(nc.apply1(func(x *Node) *Node { return activations.LeakyReluWithAlpha(x, alpha) }, x.layout, x))
}

// convertClip converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Clip.html
//
// Bounds are attributes up to opset 10, and optional inputs afterward. Constant bounds become scalar
// clipping, so Clip(x, 0, 6) is a relu6.
func convertClip(nc *nodeContext, inputs []*Value) []*Value {
	x := inputs[0]
	lower, upper := math.Inf(-1), math.Inf(1)
	if hasAttr(nc.node, "min") {
		lower = float64(getFloatAttrOr(nc.node, "min", 0))
	}
	if hasAttr(nc.node, "max") {
		upper = float64(getFloatAttrOr(nc.node, "max", 0))
	}
	minV, maxV := input(inputs, 1), input(inputs, 2)
	scalarBound := func(v *Value, bound *float64) *Value {
		if v == nil || !v.IsConstant() {
			return v
		}
		if v.Shape().Size() != 1 {
			nc.configErrorf(inputs, "bounds must be scalars, got %s", v)
		}
		*bound = float64(tensorToFloats(v.Tensor())[0])
		return nil
	}
	minV = scalarBound(minV, &lower)
	maxV = scalarBound(maxV, &upper)

	return single(nc.apply(func(nodes []*Node) *Node {
		out := nodes[0]
		if !math.IsInf(lower, -1) {
			out = MaxScalar(out, lower)
		}
		if !math.IsInf(upper, 1) {
			out = MinScalar(out, upper)
		}
		if nodes[1] != nil {
			out = Max(out, ConvertDType(nodes[1], out.DType()))
		}
		if nodes[2] != nil {
			out = Min(out, ConvertDType(nodes[2], out.DType()))
		}
		return out
	}, x.layout, x, minV, maxV))
}

// convertSoftmax converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Softmax.html
func convertSoftmax(nc *nodeContext, inputs []*Value) []*Value {
	x := inputs[0]
	rank := x.Rank()
	legacy := nc.model.OpsetVersion() < 13
	defaultAxis := -1
	if legacy {
		defaultAxis = 1
	}
	axis := getIntAttrOr(nc.node, "axis", defaultAxis)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		nc.configErrorf(inputs, "axis %d out of range", getIntAttrOr(nc.node, "axis", defaultAxis))
	}
	if legacy && axis != rank-1 {
		// Older opsets flatten the input to 2D around the axis.
		nc.configErrorf(inputs, "softmax over the flattened axes [%d:] (opset < 13) is not supported", axis)
	}
	if x.layout == ChannelLast && rank == 4 {
		axis = channelLastAxis(axis)
	}
	return single(nc.apply1(func(x *Node) *Node { return Softmax(x, axis) }, x.layout, x))
}

// valueChannelAxis returns the channel axis of x: it depends on the layout for image batches, and it is
// axis 1 for other values.
func valueChannelAxis(x *Value) int {
	if x.Rank() == 4 {
		return channelAxis(x.layout)
	}
	return 1
}

// channelParamDims returns the dims of a per-channel parameter to broadcast over x: all 1s, except the channel
// axis of x.
func channelParamDims(x *Value, numChannels int) []int {
	dims := make([]int, x.Rank())
	for ii := range dims {
		dims[ii] = 1
	}
	dims[valueChannelAxis(x)] = numChannels
	return dims
}

// convertPRelu converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__PRelu.html
func convertPRelu(nc *nodeContext, inputs []*Value) []*Value {
	x, slope := inputs[0], input(inputs, 1)
	nc.mustConstant(slope, "slope", inputs)
	if x.Rank() < 2 {
		nc.configErrorf(inputs, "input must have a channel axis")
	}
	paramDims := channelParamDims(x, 1)
	numChannels := x.Dims()[valueChannelAxis(x)]
	switch slope.Shape().Size() {
	case 1:
	case numChannels:
		paramDims = channelParamDims(x, numChannels)
	default:
		nc.configErrorf(inputs, "slope must have 1 or %d (channels) elements, got %d", numChannels, slope.Shape().Size())
	}
	slope = nc.reshape(slope, paramDims, Opaque)

	prelu := func(x, alpha *Node) *Node {
		alpha = ConvertDType(alpha, x.DType())
		return Add(activations.Relu(x), Mul(alpha, MinScalar(x, 0.0)))
	}
	if x.IsConstant() {
		return single(nc.apply(func(nodes []*Node) *Node { return prelu(nodes[0], nodes[1]) }, x.layout, x, slope))
	}
	alpha := nc.variable(nc.layerContext(), "alpha", slope.Tensor())
	return single(NewSymbolic(prelu(x.Node(), alpha), x.layout))
}

// convertBatchNormalization converts a ONNX node (inference mode) to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__BatchNormalization.html
func convertBatchNormalization(nc *nodeContext, inputs []*Value) []*Value {
	x := inputs[0]
	if x.Rank() != 4 {
		nc.configErrorf(inputs, "only rank-4 inputs are supported")
	}
	if getIntAttrOr(nc.node, "training_mode", 0) != 0 {
		nc.configErrorf(inputs, "training_mode=1 is not supported")
	}
	epsilon := float64(getFloatAttrOr(nc.node, "epsilon", 1e-5))
	names := []string{"gamma", "beta", "mean", "variance"}
	params := make([]*Value, len(names))
	numChannels := x.Dims()[valueChannelAxis(x)]
	for ii, name := range names {
		v := input(inputs, ii+1)
		nc.mustConstant(v, name, inputs)
		if v.Shape().Size() != numChannels {
			nc.configErrorf(inputs, "%s must have %d (channels) elements, got %s", name, numChannels, v)
		}
		params[ii] = nc.reshape(v, channelParamDims(x, numChannels), Opaque)
	}

	batchNorm := func(x, gamma, beta, mean, variance *Node) *Node {
		dtype := x.DType()
		gamma, beta = ConvertDType(gamma, dtype), ConvertDType(beta, dtype)
		mean, variance = ConvertDType(mean, dtype), ConvertDType(variance, dtype)
		scale := Div(gamma, Sqrt(AddScalar(variance, epsilon)))
		return Add(Mul(Sub(x, mean), scale), beta)
	}
	var y *Value
	if x.IsConstant() {
		y = nc.apply(func(nodes []*Node) *Node {
			return batchNorm(nodes[0], nodes[1], nodes[2], nodes[3], nodes[4])
		}, x.layout, append([]*Value{x}, params...)...)
	} else {
		ctx := nc.layerContext()
		nodes := make([]*Node, len(params))
		for ii, name := range names {
			nodes[ii] = nc.variable(ctx, name, params[ii].Tensor())
		}
		y = NewSymbolic(batchNorm(x.Node(), nodes[0], nodes[1], nodes[2], nodes[3]), x.layout)
	}

	// Optional outputs of the training mode are the running mean and variance.
	outputs := []*Value{y, inputs[3], inputs[4], inputs[3], inputs[4]}
	return outputs[:min(len(nc.node.Output), len(outputs))]
}

// convertGemm converts a ONNX node to a GoMLX node.
// Gemm stands for general matrix multiplication; only its dense layer form (x·Wᵀ + c) is supported.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Gemm.html
func convertGemm(nc *nodeContext, inputs []*Value) []*Value {
	x, w, c := inputs[0], input(inputs, 1), input(inputs, 2)
	alpha := getFloatAttrOr(nc.node, "alpha", 1.0)
	beta := getFloatAttrOr(nc.node, "beta", 1.0)
	transA := getIntAttrOr(nc.node, "transA", 0)
	transB := getIntAttrOr(nc.node, "transB", 0)
	if alpha != 1 || beta != 1 || transA != 0 || transB != 1 {
		nc.configErrorf(inputs, "only alpha=1, beta=1, transA=0, transB=1 is supported")
	}
	if w == nil {
		nc.configErrorf(inputs, "weights input is required")
	}
	x = nc.toSourceOrder(x)
	if x.Rank() != 2 || w.Rank() != 2 {
		nc.configErrorf(inputs, "operands must be matrices")
	}

	gemm := func(x, w, c *Node) *Node {
		result := Einsum("ij,kj->ik", x, w)
		if c != nil {
			result = convertBinaryOp(Add, result, c)
		}
		return result
	}
	if allConstant(x, w, c) {
		return single(nc.apply(func(nodes []*Node) *Node { return gemm(nodes[0], nodes[1], nodes[2]) }, Opaque, x, w, c))
	}
	ctx := nc.layerContext()
	weights := nc.weight(ctx, "weights", w)
	var biases *Node
	if c != nil {
		biases = nc.weight(ctx, "biases", c)
	}
	return single(NewSymbolic(gemm(x.AsNode(nc.g), weights, biases), Opaque))
}

// convertMatMul converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__MatMul.html
func convertMatMul(nc *nodeContext, inputs []*Value) []*Value {
	a, b := nc.toSourceOrder(inputs[0]), nc.toSourceOrder(inputs[1])
	return single(nc.applySource(func(nodes []*Node) *Node {
		lhs, rhs := promoteToCommonDType(nodes[0], nodes[1], nc.promotion)
		return MatMul(lhs, rhs)
	}, a, b))
}
