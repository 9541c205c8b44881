package onnx

import (
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
)

// poolWindow holds the spatial configuration of a pooling operator.
type poolWindow struct {
	kernel, strides []int
	paddings        [][2]int
}

// imageInput coerces the first input to ChannelLast, failing for values that are not image batches.
func (nc *nodeContext) imageInput(inputs []*Value) *Value {
	x := inputs[0]
	if x.Rank() != 4 {
		nc.configErrorf(inputs, "only 2D images (rank-4 inputs) are supported")
	}
	return nc.ensure(x, ChannelLast)
}

// parsePoolWindow reads the attributes shared by MaxPool and AveragePool, rejecting the ones not supported.
func (nc *nodeContext) parsePoolWindow(inputs []*Value) poolWindow {
	if autoPad := getStringAttrOr(nc.node, "auto_pad", "NOTSET"); autoPad != "NOTSET" {
		nc.configErrorf(inputs, "auto_pad=%q is not supported", autoPad)
	}
	if getIntAttrOr(nc.node, "ceil_mode", 0) != 0 {
		nc.configErrorf(inputs, "ceil_mode=1 is not supported")
	}
	kernel := getIntsAttrOr(nc.node, "kernel_shape", nil)
	if len(kernel) != 2 {
		nc.configErrorf(inputs, "kernel_shape must have 2 values, got %v", kernel)
	}
	strides := getIntsAttrOr(nc.node, "strides", []int{1, 1})
	pads := getIntsAttrOr(nc.node, "pads", []int{0, 0, 0, 0})
	if len(strides) != 2 || len(pads) != 4 {
		nc.configErrorf(inputs, "strides must have 2 values and pads 4 values, got strides=%v and pads=%v", strides, pads)
	}
	if dilations := getIntsAttrOr(nc.node, "dilations", nil); dilations != nil && slices.ContainsFunc(dilations, func(d int) bool { return d != 1 }) {
		nc.configErrorf(inputs, "dilations=%v are not supported", dilations)
	}
	return poolWindow{
		kernel:   kernel,
		strides:  strides,
		paddings: [][2]int{{pads[0], pads[2]}, {pads[1], pads[3]}},
	}
}

func (w poolWindow) hasPadding() bool {
	return w.paddings[0] != [2]int{} || w.paddings[1] != [2]int{}
}

// configure sets the window of a pooling operation over a ChannelLast image batch.
func (w poolWindow) configure(pool *PoolBuilder) *Node {
	pool = pool.ChannelsAxis(images.ChannelsLast).WindowPerAxis(w.kernel...).StridePerAxis(w.strides...)
	if w.hasPadding() {
		pool = pool.PaddingPerDim(w.paddings)
	} else {
		pool = pool.NoPadding()
	}
	return pool.Done()
}

// convertMaxPool converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__MaxPool.html
func convertMaxPool(nc *nodeContext, inputs []*Value) []*Value {
	window := nc.parsePoolWindow(inputs)
	if getIntAttrOr(nc.node, "storage_order", 0) != 0 {
		nc.configErrorf(inputs, "storage_order=1 is not supported")
	}
	if len(nc.node.Output) > 1 && nc.node.Output[1] != "" {
		nc.configErrorf(inputs, "the Indices output is not supported")
	}
	x := nc.imageInput(inputs)
	y := nc.apply1(func(x *Node) *Node { return window.configure(MaxPool(x)) }, ChannelLast, x)
	outputs := make([]*Value, len(nc.node.Output))
	outputs[0] = y
	return outputs
}

// convertAveragePool converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__AveragePool.html
func convertAveragePool(nc *nodeContext, inputs []*Value) []*Value {
	window := nc.parsePoolWindow(inputs)
	if window.hasPadding() {
		nc.configErrorf(inputs, "padding is not supported")
	}
	x := nc.imageInput(inputs)
	return single(nc.apply1(func(x *Node) *Node { return window.configure(MeanPool(x)) }, ChannelLast, x))
}

// convertGlobalAveragePool converts a ONNX node to a GoMLX node: a mean over the spatial axes, kept with size 1.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__GlobalAveragePool.html
func convertGlobalAveragePool(nc *nodeContext, inputs []*Value) []*Value {
	x := nc.imageInput(inputs)
	return single(nc.apply1(func(x *Node) *Node { return ReduceAndKeep(x, ReduceMean, 1, 2) }, ChannelLast, x))
}

// reduceAxes returns the axes of a reduction, from the "axes" attribute or, in newer opsets, from the second input.
// Negative axes are adjusted to the rank. It returns nil if no axes are given.
func (nc *nodeContext) reduceAxes(inputs []*Value, rank int) []int {
	axes := getIntsAttrOr(nc.node, "axes", nil)
	if axes == nil {
		axes = nc.constantInts(input(inputs, 1), "axes", inputs)
	}
	for ii, axis := range axes {
		if axis < 0 {
			axis += rank
		}
		if axis < 0 || axis >= rank {
			nc.configErrorf(inputs, "reduce axis %d out of range", axes[ii])
		}
		axes[ii] = axis
	}
	return axes
}

// convertReduceMean converts a ONNX node to a GoMLX node.
// Only the global average pooling form (mean over the spatial axes of an image batch, not kept) is supported.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__ReduceMean.html
func convertReduceMean(nc *nodeContext, inputs []*Value) []*Value {
	x := inputs[0]
	if x.Rank() != 4 {
		nc.configErrorf(inputs, "only rank-4 inputs are supported")
	}
	axes := nc.reduceAxes(inputs, x.Rank())
	slices.Sort(axes)
	keepDims := getIntAttrOr(nc.node, "keepdims", 1)
	if !slices.Equal(axes, []int{2, 3}) || keepDims != 0 {
		nc.configErrorf(inputs, "only axes=[2, 3] with keepdims=0 is supported")
	}
	spatialAxes := []int{2, 3}
	if x.layout == ChannelLast {
		spatialAxes = []int{1, 2}
	}
	return single(nc.apply1(func(x *Node) *Node { return ReduceMean(x, spatialAxes...) }, Opaque, x))
}

// convertReduce returns the converter of a reduction operator computed in source axis order.
func convertReduce(reduceFn func(x *Node, reduceAxes ...int) *Node) converterFn {
	return func(nc *nodeContext, inputs []*Value) []*Value {
		x := nc.toSourceOrder(inputs[0])
		axes := nc.reduceAxes(inputs, x.Rank())
		keepDims := getIntAttrOr(nc.node, "keepdims", 1) != 0
		if len(axes) == 0 && getIntAttrOr(nc.node, "noop_with_empty_axes", 0) != 0 {
			return single(x.withLayout(Opaque))
		}
		return single(nc.apply1(func(x *Node) *Node {
			if len(axes) == 0 {
				// All axes.
				axes = make([]int, x.Rank())
				for ii := range axes {
					axes[ii] = ii
				}
			}
			if keepDims {
				return ReduceAndKeep(x, reduceFn, axes...)
			}
			return reduceFn(x, axes...)
		}, Opaque, x))
	}
}

var (
	convertReduceMax = convertReduce(ReduceMax)
	convertReduceSum = convertReduce(ReduceSum)
)
