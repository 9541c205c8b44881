package onnx

import (
	"fmt"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"k8s.io/klog/v2"
)

// convolutionLayer is one GoMLX convolution over a ChannelLast image batch, with its weights already in
// GoMLX order.
type convolutionLayer struct {
	// kernel is shaped (kh, kw, in, out), and bias (out). bias can be nil.
	kernel, bias *tensors.Tensor

	strides, dilations, inputDilations []int

	// padSame uses the convolution's own "same" padding.
	padSame bool

	// padOp, if set, are the (begin, end) zero paddings of each spatial axis applied with an explicit Pad before
	// the convolution.
	padOp [][2]int

	// convPaddings, if set, are the (begin, end) paddings of each spatial axis given to the convolution.
	convPaddings [][2]int

	// reverseKernel flips the kernel spatially (transposed convolutions).
	reverseKernel bool

	// channelGroups of the native convolution: used for depthwise convolutions.
	channelGroups int
}

// build adds the convolution of x to its graph, given the nodes with the weights. bias can be nil.
func (l *convolutionLayer) build(x, kernel, bias *Node) *Node {
	if l.padOp != nil {
		zero := Scalar(x.Graph(), x.DType(), 0.0)
		x = Pad(x, zero, PadAxis{},
			PadAxis{Start: l.padOp[0][0], End: l.padOp[0][1]},
			PadAxis{Start: l.padOp[1][0], End: l.padOp[1][1]},
			PadAxis{})
	}
	kernel = ConvertDType(kernel, x.DType())
	if l.reverseKernel {
		kernel = Reverse(kernel, 0, 1)
	}
	conv := Convolve(x, kernel).ChannelsAxis(images.ChannelsLast).
		StridePerAxis(l.strides...).
		DilationPerAxis(l.dilations...)
	if l.inputDilations != nil {
		conv = conv.InputDilationPerAxis(l.inputDilations...)
	}
	switch {
	case l.padSame:
		conv = conv.PadSame()
	case l.convPaddings != nil:
		conv = conv.PaddingPerDim(l.convPaddings)
	default:
		conv = conv.NoPadding()
	}
	if l.channelGroups > 1 {
		conv = conv.ChannelGroupCount(l.channelGroups)
	}
	output := conv.Done()
	if bias != nil {
		output = Add(output, ExpandLeftToRank(ConvertDType(bias, x.DType()), output.Rank()))
	}
	return output
}

// convolve applies the layer to x, storing the weights as variables "kernel" and "bias" in ctx.
// Convolutions of constants are folded.
func (nc *nodeContext) convolve(ctx *context.Context, layer *convolutionLayer, x *Value) *Value {
	if x.IsConstant() {
		kernel := NewConstant(layer.kernel, Opaque)
		var bias *Value
		if layer.bias != nil {
			bias = NewConstant(layer.bias, Opaque)
		}
		return nc.apply(func(nodes []*Node) *Node { return layer.build(nodes[0], nodes[1], nodes[2]) },
			ChannelLast, x, kernel, bias)
	}
	kernel := nc.variable(ctx, "kernel", layer.kernel)
	var bias *Node
	if layer.bias != nil {
		bias = nc.variable(ctx, "bias", layer.bias)
	}
	return NewSymbolic(layer.build(x.Node(), kernel, bias), ChannelLast)
}

// groupedConvolution realizes a convolution with 1 < groups < in_channels as independent convolutions over
// equal slices of the input channels, concatenated on the channel axis.
type groupedConvolution struct {
	subConvs []*convolutionLayer
}

// convolve applies the grouped convolution to a ChannelLast x. Sub-convolution i stores its weights under the
// scope "group_<i>" of ctx.
func (gc *groupedConvolution) convolve(nc *nodeContext, ctx *context.Context, x *Value) *Value {
	groups := len(gc.subConvs)
	inPerGroup := x.Dims()[3] / groups
	outputs := make([]*Value, groups)
	for ii, subConv := range gc.subConvs {
		start, end := ii*inPerGroup, (ii+1)*inPerGroup
		xGroup := nc.apply1(func(x *Node) *Node { return SliceAxis(x, 3, AxisRange(start, end)) }, ChannelLast, x)
		outputs[ii] = nc.convolve(ctx.In(fmt.Sprintf("group_%d", ii)), subConv, xGroup)
	}
	return nc.apply(func(nodes []*Node) *Node { return Concatenate(nodes, 3) }, ChannelLast, outputs...)
}

// convAttributes are the spatial attributes shared by Conv and ConvTranspose.
type convAttributes struct {
	kernel, strides, dilations, pads []int
	groups                           int
}

// parseConvAttributes reads the attributes of a 2D convolution whose weights are shaped (_, _, kh, kw).
func (nc *nodeContext) parseConvAttributes(inputs []*Value, weightDims []int) convAttributes {
	if autoPad := getStringAttrOr(nc.node, "auto_pad", "NOTSET"); autoPad != "NOTSET" {
		nc.configErrorf(inputs, "auto_pad=%q is not supported", autoPad)
	}
	attrs := convAttributes{
		kernel:    getIntsAttrOr(nc.node, "kernel_shape", weightDims[2:]),
		strides:   getIntsAttrOr(nc.node, "strides", []int{1, 1}),
		dilations: getIntsAttrOr(nc.node, "dilations", []int{1, 1}),
		pads:      getIntsAttrOr(nc.node, "pads", []int{0, 0, 0, 0}),
		groups:    getIntAttrOr(nc.node, "group", 1),
	}
	if !slices.Equal(attrs.kernel, weightDims[2:]) {
		nc.configErrorf(inputs, "kernel_shape=%v doesn't match the weights spatial dims %v", attrs.kernel, weightDims[2:])
	}
	if len(attrs.strides) != 2 || len(attrs.dilations) != 2 || len(attrs.pads) != 4 {
		nc.configErrorf(inputs, "strides and dilations must have 2 values and pads 4 values")
	}
	if attrs.groups < 1 {
		nc.configErrorf(inputs, "invalid group=%d", attrs.groups)
	}
	return attrs
}

// convWeights returns the constant weights of a 2D convolution and its optional bias, checking their ranks.
func (nc *nodeContext) convWeights(inputs []*Value, numOutputs func(weightDims []int) int) (weights, bias *tensors.Tensor) {
	w := input(inputs, 1)
	weights = nc.mustConstant(w, "weights", inputs)
	if w.Rank() != 4 || inputs[0].Rank() != 4 {
		nc.configErrorf(inputs, "only 2D convolutions (rank-4 inputs and weights) are supported")
	}
	if b := input(inputs, 2); b != nil {
		bias = nc.mustConstant(b, "bias", inputs)
		if want := numOutputs(w.Dims()); bias.Shape().Rank() != 1 || bias.Size() != want {
			nc.configErrorf(inputs, "bias must be a vector of %d elements", want)
		}
	}
	return
}

// convertConv converts a ONNX node to a GoMLX convolution on the ChannelLast layout.
//
// Weights are shaped (out, in/groups, kh, kw). Depending on groups, it becomes a dense convolution, a depthwise
// convolution or a grouped convolution.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Conv.html
func convertConv(nc *nodeContext, inputs []*Value) []*Value {
	weights, bias := nc.convWeights(inputs, func(dims []int) int { return dims[0] })
	weightDims := weights.Shape().Dimensions
	attrs := nc.parseConvAttributes(inputs, weightDims)
	if slices.ContainsFunc(attrs.strides, func(s int) bool { return s != 1 }) &&
		slices.ContainsFunc(attrs.dilations, func(d int) bool { return d != 1 }) {
		nc.configErrorf(inputs, "strides=%v combined with dilations=%v is not supported", attrs.strides, attrs.dilations)
	}

	x := nc.imageInput(inputs)
	inChannels, outChannels := x.Dims()[3], weightDims[0]
	if weightDims[1]*attrs.groups != inChannels || outChannels%attrs.groups != 0 {
		nc.configErrorf(inputs, "weights %v with group=%d don't match %d input channels", weightDims, attrs.groups, inChannels)
	}

	padding := ClassifyPadding(attrs.kernel, attrs.pads, attrs.strides, attrs.dilations, x.Dims()[1], x.Dims()[2])
	klog.V(2).Infof("onnx: %s: padding %v classified as %s", nodeToString(nc.node), attrs.pads, padding)
	newLayer := func(kernel, bias *tensors.Tensor) *convolutionLayer {
		layer := &convolutionLayer{
			kernel:    kernel,
			bias:      bias,
			strides:   attrs.strides,
			dilations: attrs.dilations,
			padSame:   padding.IsSame(),
		}
		if padding == PaddingExplicitOp {
			layer.padOp = [][2]int{{attrs.pads[0], attrs.pads[2]}, {attrs.pads[1], attrs.pads[3]}}
		}
		return layer
	}

	ctx := nc.layerContext()
	switch {
	case attrs.groups == 1:
		layer := newLayer(nc.permuteWeights(weights, 2, 3, 1, 0), bias)
		return single(nc.convolve(ctx, layer, x))

	case attrs.groups == inChannels:
		// Depthwise: (out, 1, kh, kw) -> (kh, kw, out, 1), viewed as (kh, kw, 1, out) with one group per channel.
		kernel := nc.foldWeights(func(w *Node) *Node {
			return Reshape(TransposeAllDims(w, 2, 3, 0, 1), weightDims[2], weightDims[3], 1, outChannels)
		}, weights)
		layer := newLayer(kernel, bias)
		layer.channelGroups = inChannels
		return single(nc.convolve(ctx, layer, x))

	default:
		groups := attrs.groups
		outPerGroup := outChannels / groups
		grouped := &groupedConvolution{subConvs: make([]*convolutionLayer, groups)}
		for ii := range groups {
			start, end := ii*outPerGroup, (ii+1)*outPerGroup
			kernel := nc.permuteWeights(nc.weightRows(weights, start, end), 2, 3, 1, 0)
			var groupBias *tensors.Tensor
			if bias != nil {
				groupBias = nc.weightRows(bias, start, end)
			}
			grouped.subConvs[ii] = newLayer(kernel, groupBias)
		}
		return single(grouped.convolve(nc, ctx, x))
	}
}

// convertConvTranspose converts a ONNX node to a GoMLX convolution with input dilation (the strides) and a
// spatially reversed kernel, on the ChannelLast layout.
//
// Weights are shaped (in, out/groups, kh, kw).
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__ConvTranspose.html
func convertConvTranspose(nc *nodeContext, inputs []*Value) []*Value {
	groups := getIntAttrOr(nc.node, "group", 1)
	weights, bias := nc.convWeights(inputs, func(dims []int) int { return dims[1] * groups })
	weightDims := weights.Shape().Dimensions
	attrs := nc.parseConvAttributes(inputs, weightDims)

	x := nc.imageInput(inputs)
	inDims := x.Dims()[1:3]
	inChannels := x.Dims()[3]
	if weightDims[0] != inChannels || inChannels%groups != 0 {
		nc.configErrorf(inputs, "weights %v with group=%d don't match %d input channels", weightDims, groups, inChannels)
	}
	outPerGroup := weightDims[1]

	// Expected output size, and output_padding.
	outputPadding := getIntsAttrOr(nc.node, "output_padding", []int{0, 0})
	if len(outputPadding) != 2 {
		nc.configErrorf(inputs, "output_padding=%v must have 2 values", outputPadding)
	}
	outSize := func(axis int) int {
		k, s, d := attrs.kernel[axis], attrs.strides[axis], attrs.dilations[axis]
		return (inDims[axis]-1)*s - (attrs.pads[axis] + attrs.pads[axis+2]) + d*(k-1) + 1 + outputPadding[axis]
	}
	if outputShape := getIntsAttrOr(nc.node, "output_shape", nil); outputShape != nil {
		if len(outputShape) == 4 {
			outputShape = outputShape[2:]
		}
		if len(outputShape) != 2 {
			nc.configErrorf(inputs, "output_shape=%v must have the 2 spatial dims", outputShape)
		}
		for axis := range 2 {
			outputPadding[axis] = 0
			outputPadding[axis] = outputShape[axis] - outSize(axis)
			if outputPadding[axis] < 0 {
				nc.configErrorf(inputs, "output_shape=%v smaller than the output without padding", outputShape)
			}
		}
	}
	outDims := []int{outSize(0), outSize(1)}

	// Padding class.
	switch {
	case !slices.ContainsFunc(attrs.pads, func(p int) bool { return p != 0 }):
		klog.V(2).Infof("onnx: %s: padding classified as %s", nodeToString(nc.node), PaddingExplicitZero)
	case outDims[0] == attrs.strides[0]*inDims[0] && outDims[1] == attrs.strides[1]*inDims[1]:
		klog.V(2).Infof("onnx: %s: padding %v classified as %s", nodeToString(nc.node), attrs.pads, PaddingSymmetricSame)
	default:
		nc.configErrorf(inputs, "pads=%v are not supported: only no padding or output size = stride * input size", attrs.pads)
	}
	convPaddings := make([][2]int, 2)
	for axis := range 2 {
		span := attrs.dilations[axis] * (attrs.kernel[axis] - 1)
		convPaddings[axis] = [2]int{span - attrs.pads[axis], span - attrs.pads[axis+2] + outputPadding[axis]}
		if convPaddings[axis][0] < 0 || convPaddings[axis][1] < 0 {
			nc.configErrorf(inputs, "pads=%v larger than the kernel span are not supported", attrs.pads)
		}
	}

	newLayer := func(weights, bias *tensors.Tensor) *convolutionLayer {
		return &convolutionLayer{
			kernel:         nc.permuteWeights(weights, 2, 3, 0, 1),
			bias:           bias,
			strides:        []int{1, 1},
			dilations:      attrs.dilations,
			inputDilations: attrs.strides,
			convPaddings:   convPaddings,
			reverseKernel:  true,
		}
	}
	ctx := nc.layerContext()
	var y *Value
	if groups == 1 {
		y = nc.convolve(ctx, newLayer(weights, bias), x)
	} else {
		inPerGroup := inChannels / groups
		grouped := &groupedConvolution{subConvs: make([]*convolutionLayer, groups)}
		for ii := range groups {
			var groupBias *tensors.Tensor
			if bias != nil {
				groupBias = nc.weightRows(bias, ii*outPerGroup, (ii+1)*outPerGroup)
			}
			grouped.subConvs[ii] = newLayer(nc.weightRows(weights, ii*inPerGroup, (ii+1)*inPerGroup), groupBias)
		}
		y = grouped.convolve(nc, ctx, x)
	}

	if got := y.Dims()[1:3]; !slices.Equal(got, outDims) {
		nc.configErrorf(inputs, "transposed convolution produced spatial dims %v, expected %v", got, outDims)
	}
	return single(y)
}

// permuteWeights returns the weights with their axes permuted: output axis i is axis perm[i] of weights.
func (nc *nodeContext) permuteWeights(weights *tensors.Tensor, perm ...int) *tensors.Tensor {
	return nc.foldWeights(func(w *Node) *Node { return TransposeAllDims(w, perm...) }, weights)
}

// weightRows returns the rows [start, end) of the first axis of the weights.
func (nc *nodeContext) weightRows(weights *tensors.Tensor, start, end int) *tensors.Tensor {
	return nc.foldWeights(func(w *Node) *Node { return SliceAxis(w, 0, AxisRange(start, end)) }, weights)
}
