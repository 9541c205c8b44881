package onnx

import (
	"github.com/chewxy/math32"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
)

// resizeMode is one of the supported combinations of ONNX resize attributes.
type resizeMode int

const (
	// resizeNearestAsymmetric is mode=nearest, coordinate_transformation_mode=asymmetric, nearest_mode=floor.
	resizeNearestAsymmetric resizeMode = iota

	// resizeLinearAlignCorners is mode=linear, coordinate_transformation_mode=align_corners.
	resizeLinearAlignCorners

	// resizeLinearHalfPixel is mode=linear, coordinate_transformation_mode=pytorch_half_pixel.
	resizeLinearHalfPixel
)

// interpolate resizes the spatial axes of a ChannelLast image batch to height x width.
func (m resizeMode) interpolate(x *Node, height, width int) *Node {
	config := Interpolate(x, NoInterpolation, height, width, NoInterpolation)
	switch m {
	case resizeNearestAsymmetric:
		config = config.Nearest().HalfPixelCenters(false).AlignCorner(false)
	case resizeLinearAlignCorners:
		config = config.Bilinear().HalfPixelCenters(false).AlignCorner(true)
	case resizeLinearHalfPixel:
		config = config.Bilinear().AlignCorner(false).HalfPixelCenters(true)
	}
	return config.Done()
}

// resizeTarget returns the output spatial dims of a resize of x, given either the sizes or the scales (both
// in source order, with 4 values).
func (nc *nodeContext) resizeTarget(inputs []*Value, x *Value, sizes []int, scales []float32) (height, width int) {
	sourceDims := x.SourceDims()
	if sizes != nil {
		if len(sizes) != 4 {
			nc.configErrorf(inputs, "sizes=%v must have 4 values", sizes)
		}
		if sizes[0] != sourceDims[0] || sizes[1] != sourceDims[1] {
			nc.configErrorf(inputs, "sizes=%v cannot change the batch or channel dimensions of %v", sizes, sourceDims)
		}
		return sizes[2], sizes[3]
	}
	if len(scales) != 4 {
		nc.configErrorf(inputs, "scales=%v must have 4 values", scales)
	}
	if scales[0] != 1 || scales[1] != 1 {
		nc.configErrorf(inputs, "scales=%v cannot scale the batch or channel axes", scales)
	}
	height = int(math32.Floor(float32(sourceDims[2]) * scales[2]))
	width = int(math32.Floor(float32(sourceDims[3]) * scales[3]))
	if height <= 0 || width <= 0 {
		nc.configErrorf(inputs, "scales=%v result in an empty output", scales)
	}
	return
}

// resize applies the resize to the first input, coerced to ChannelLast.
func (nc *nodeContext) resize(inputs []*Value, mode resizeMode, sizes []int, scales []float32) *Value {
	x := nc.imageInput(inputs)
	height, width := nc.resizeTarget(inputs, x, sizes, scales)
	return nc.apply1(func(x *Node) *Node { return mode.interpolate(x, height, width) }, ChannelLast, x)
}

// convertResize converts a ONNX node to a GoMLX interpolation.
// Only the nearest/asymmetric/floor, linear/align_corners and linear/pytorch_half_pixel modes are supported.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Resize.html
func convertResize(nc *nodeContext, inputs []*Value) []*Value {
	legacy := nc.model.OpsetVersion() < 11
	defaultCoordinates, defaultNearest := "half_pixel", "round_prefer_floor"
	if legacy {
		defaultCoordinates, defaultNearest = "asymmetric", "floor"
	}
	mode := getStringAttrOr(nc.node, "mode", "nearest")
	coordinates := getStringAttrOr(nc.node, "coordinate_transformation_mode", defaultCoordinates)
	nearestMode := getStringAttrOr(nc.node, "nearest_mode", defaultNearest)

	var interpolation resizeMode
	switch {
	case mode == "nearest" && coordinates == "asymmetric" && nearestMode == "floor":
		interpolation = resizeNearestAsymmetric
	case mode == "linear" && coordinates == "align_corners":
		interpolation = resizeLinearAlignCorners
	case mode == "linear" && coordinates == "pytorch_half_pixel":
		interpolation = resizeLinearHalfPixel
	default:
		nc.configErrorf(inputs, "mode=%q with coordinate_transformation_mode=%q and nearest_mode=%q is not supported",
			mode, coordinates, nearestMode)
	}
	if getFloatAttrOr(nc.node, "cubic_coeff_a", -0.75) != -0.75 ||
		getIntAttrOr(nc.node, "exclude_outside", 0) != 0 ||
		getFloatAttrOr(nc.node, "extrapolation_value", 0) != 0 ||
		getIntAttrOr(nc.node, "antialias", 0) != 0 {
		nc.configErrorf(inputs, "cubic_coeff_a, exclude_outside, extrapolation_value and antialias must keep their defaults")
	}
	if hasAttr(nc.node, "axes") {
		nc.configErrorf(inputs, "the axes attribute is not supported")
	}

	// Opset 10: (X, scales). Opset 11 and later: (X, roi, scales, sizes).
	scalesInput, sizesInput := input(inputs, 2), input(inputs, 3)
	if legacy {
		scalesInput, sizesInput = input(inputs, 1), nil
	}
	var scales []float32
	sizes := nc.constantInts(sizesInput, "sizes", inputs)
	if len(sizes) == 0 {
		sizes = nil
		scales = tensorToFloats(nc.mustConstant(scalesInput, "scales", inputs))
	}
	return single(nc.resize(inputs, interpolation, sizes, scales))
}

// convertUpsample converts the deprecated ONNX Upsample node, the predecessor of Resize.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Upsample.html
func convertUpsample(nc *nodeContext, inputs []*Value) []*Value {
	var interpolation resizeMode
	switch mode := getStringAttrOr(nc.node, "mode", "nearest"); mode {
	case "nearest":
		interpolation = resizeNearestAsymmetric
	case "linear", "bilinear":
		interpolation = resizeLinearAlignCorners
	default:
		nc.configErrorf(inputs, "mode=%q is not supported", mode)
	}
	scales := getFloatsAttrOr(nc.node, "scales", nil)
	if scales == nil {
		scales = tensorToFloats(nc.mustConstant(input(inputs, 1), "scales", inputs))
	}
	return single(nc.resize(inputs, interpolation, nil, scales))
}
