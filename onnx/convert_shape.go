package onnx

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/onnx-nhwc/internal/protos"
	"github.com/gomlx/onnx-nhwc/internal/togomlx"
	"github.com/pkg/errors"
)

// adjustAxis converts a negative ONNX axis to a value counted from the start, and checks it is within rank.
func (nc *nodeContext) adjustAxis(inputs []*Value, axis, rank int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		nc.configErrorf(inputs, "axis %d out of range for rank %d", axis, rank)
	}
	return adjusted
}

// convertConcat converts a ONNX node to a GoMLX node.
//
// Constants are concatenated in source order. Image batches computed from the model inputs are concatenated
// in ChannelLast layout.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Concat.html
func convertConcat(nc *nodeContext, inputs []*Value) []*Value {
	operands := slices.DeleteFunc(slices.Clone(inputs), func(v *Value) bool { return v == nil })
	if len(operands) == 0 {
		nc.configErrorf(inputs, "no operands given")
	}
	var numConstants int
	for _, v := range operands {
		if v.IsConstant() {
			numConstants++
		}
	}
	if numConstants > 0 && numConstants < len(operands) {
		nc.configErrorf(inputs, "concatenation of constants with values computed from the model inputs is not supported")
	}
	rank := operands[0].Rank()
	axis := nc.adjustAxis(inputs, mustGetIntAttr(nc.node, "axis"), rank)
	concat := func(nodes []*Node) *Node { return Concatenate(nodes, axis) }

	if numConstants > 0 {
		for ii, v := range operands {
			operands[ii] = nc.toSourceOrder(v)
		}
		return single(nc.apply(concat, Opaque, operands...))
	}
	if rank == 4 {
		for ii, v := range operands {
			operands[ii] = nc.ensure(v, ChannelLast)
		}
		axis = channelLastAxis(axis)
		return single(nc.apply(concat, ChannelLast, operands...))
	}
	for ii, v := range operands {
		operands[ii] = nc.toSourceOrder(v)
	}
	return single(nc.applySource(concat, operands...))
}

// convertExpand converts a ONNX node to a GoMLX node.
// The broadcast is done by tiling axes of size 1, with the factors computed in source order.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Expand.html
func convertExpand(nc *nodeContext, inputs []*Value) []*Value {
	x := inputs[0]
	target := tensorToInts(nc.mustConstant(input(inputs, 1), "shape", inputs))
	current := x.SourceDims()
	if len(target) > len(current) {
		if x.layout == ChannelLast {
			nc.configErrorf(inputs, "cannot expand an image batch to rank %d", len(target))
		}
		current = append(slices.Repeat([]int{1}, len(target)-len(current)), current...)
		x = nc.reshape(x, current, Opaque)
	} else if len(target) < len(current) {
		target = append(slices.Repeat([]int{1}, len(current)-len(target)), target...)
	}
	factors, ok := expandFactors(current, target)
	if !ok {
		nc.configErrorf(inputs, "cannot expand dims %v to %v", current, target)
	}
	if x.layout == ChannelLast {
		factors = permute(factors, toChannelLastPerm)
	}
	return single(nc.apply1(func(x *Node) *Node { return onnxTile(x, factors) }, x.layout, x))
}

// expandFactors returns the tile factors, in source order, that broadcast dims current to target (of the same
// rank). It returns false if an axis can't be broadcast.
func expandFactors(current, target []int) ([]int, bool) {
	factors := make([]int, len(current))
	for axis, dim := range current {
		switch {
		case target[axis] == dim || target[axis] == 1:
			factors[axis] = 1
		case dim == 1:
			factors[axis] = target[axis]
		default:
			return nil, false
		}
	}
	return factors, true
}

// onnxTile repeats the operand along each axis the number of times given in repeats.
func onnxTile(operand *Node, repeats []int) *Node {
	if len(repeats) != operand.Rank() {
		exceptions.Panicf("Tile(input, repeats) must have len(repeats) == input.Rank(), but input.Rank()=%d, and len(repeats)=%d", operand.Rank(), len(repeats))
	}
	for _, r := range repeats {
		if r < 1 {
			exceptions.Panicf("Tile(input, repeats) must have repeats >= 1, got %v instead", repeats)
		}
	}
	if !slices.ContainsFunc(repeats, func(r int) bool { return r != 1 }) {
		return operand
	}

	// Insert new axes to be broadcast (repeated).
	insertAxes := make([]int, len(repeats))
	for ii := range insertAxes {
		insertAxes[ii] = ii
	}
	output := InsertAxes(operand, insertAxes...)

	// Broadcast with repeats in interleaved inserted dimensions.
	newShape := output.Shape().Clone()
	for ii := 0; ii < newShape.Rank(); ii += 2 {
		newShape.Dimensions[ii] = repeats[ii/2]
	}
	output = BroadcastToDims(output, newShape.Dimensions...)

	// Merge inserted dimensions to get the tiling.
	newShape = operand.Shape().Clone()
	for axis := range newShape.Dimensions {
		newShape.Dimensions[axis] *= repeats[axis]
	}
	return Reshape(output, newShape.Dimensions...)
}

// convertGather converts a ONNX node to a GoMLX node.
// Indices must be constants; negative indices are resolved during conversion.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Gather.html
func convertGather(nc *nodeContext, inputs []*Value) []*Value {
	data := nc.toSourceOrder(inputs[0])
	indicesT := nc.mustConstant(input(inputs, 1), "indices", inputs)
	axis := nc.adjustAxis(inputs, getIntAttrOr(nc.node, "axis", 0), data.Rank())

	dim := data.Dims()[axis]
	indices := tensorToInts(indicesT)
	for ii, index := range indices {
		if index < 0 {
			index += dim
		}
		if index < 0 || index >= dim {
			nc.configErrorf(inputs, "index %d out of range for axis %d of dimension %d", indices[ii], axis, dim)
		}
		indices[ii] = index
	}
	indicesV := NewConstant(tensors.FromFlatDataAndDimensions(
		xslices.Map(indices, func(i int) int64 { return int64(i) }), indicesT.Shape().Dimensions...), Opaque)

	switch axis {
	case 0:
		if !data.IsConstant() {
			nc.configErrorf(inputs, "gather on axis 0 requires constant data")
		}
	case 1:
	default:
		nc.configErrorf(inputs, "gather on axis %d is not supported, only on axes 0 and 1", axis)
	}
	return single(nc.applySource(func(nodes []*Node) *Node { return onnxGather(nodes[0], nodes[1], axis) }, data, indicesV))
}

// onnxGather gathers slices of data along gatherAxis: the output is shaped
// [<data_prefix_dims...>, <indices_dims...>, <data_suffix_dims...>].
func onnxGather(data, indices *Node, gatherAxis int) *Node {
	expandedIndices := ExpandAxes(indices, -1)
	if gatherAxis == 0 {
		// Trivial case, like GoMLX version.
		return Gather(data, expandedIndices)
	}

	// We want to transpose data, such that we can gather on the first axis.
	axesPermutation := make([]int, data.Rank())
	for axis := range axesPermutation {
		if axis == 0 {
			// The first axis will be the one we are gathering on.
			axesPermutation[axis] = gatherAxis
		} else if axis <= gatherAxis {
			// These axes have been shifted to the right, to give space for the gatherAxis
			axesPermutation[axis] = axis - 1
		} else {
			// The tail axes remain the same.
			axesPermutation[axis] = axis
		}
	}
	transposedData := TransposeAllDims(data, axesPermutation...)
	transposed := Gather(transposedData, expandedIndices)

	// Now transpose back the result, from [<indices_dims...>, <data_prefix_dims...>, <data_suffix_dims...>].
	axesPermutation = make([]int, transposed.Rank())
	for axis := range axesPermutation {
		if axis < gatherAxis {
			// data_prefix_dims:
			axesPermutation[axis] = indices.Rank() + axis
		} else if axis < gatherAxis+indices.Rank() {
			// indices_dims
			axesPermutation[axis] = axis - gatherAxis
		} else {
			// data_suffix_dims, which don't change from the transposed results.
			axesPermutation[axis] = axis
		}
	}
	return TransposeAllDims(transposed, axesPermutation...)
}

// convertCast converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Cast.html
func convertCast(nc *nodeContext, inputs []*Value) []*Value {
	x := inputs[0]
	toDType, err := togomlx.DType(protos.TensorProto_DataType(mustGetIntAttr(nc.node, "to")))
	if err != nil {
		panic(errors.WithMessagef(err, "while converting 'to' attribute for node %s", nodeToString(nc.node)))
	}
	if x.DType() == toDType {
		return single(x)
	}
	return single(nc.apply1(func(x *Node) *Node { return ConvertDType(x, toDType) }, x.layout, x))
}

// convertShape converts a ONNX node to a constant: shapes are always known at conversion time.
// Image batches report their dims in source order, whatever their layout.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Shape.html
func convertShape(nc *nodeContext, inputs []*Value) []*Value {
	dims := inputs[0].SourceDims()
	rank := len(dims)
	clamp := func(axis int) int {
		if axis < 0 {
			axis += rank
		}
		return min(max(axis, 0), rank)
	}
	start := clamp(getIntAttrOr(nc.node, "start", 0))
	end := clamp(getIntAttrOr(nc.node, "end", rank))
	if end < start {
		end = start
	}
	values := xslices.Map(dims[start:end], func(dim int) int64 { return int64(dim) })
	return single(NewConstant(tensors.FromFlatDataAndDimensions(values, len(values)), Opaque))
}

// convertReshape converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Reshape.html
func convertReshape(nc *nodeContext, inputs []*Value) []*Value {
	x := nc.toSourceOrder(inputs[0])
	dims := tensorToInts(nc.mustConstant(input(inputs, 1), "shape", inputs))
	allowZero := getIntAttrOr(nc.node, "allowzero", 0) != 0
	current := x.Dims()
	inferredAxis := -1
	knownSize := 1
	for axis, dim := range dims {
		switch {
		case dim == 0 && !allowZero:
			if axis >= len(current) {
				nc.configErrorf(inputs, "shape %v copies the dimension of axis %d, which doesn't exist", dims, axis)
			}
			dims[axis] = current[axis]
		case dim == -1:
			if inferredAxis >= 0 {
				nc.configErrorf(inputs, "shape %v has more than one -1", dims)
			}
			inferredAxis = axis
			continue
		case dim < 0:
			nc.configErrorf(inputs, "invalid shape %v", dims)
		}
		knownSize *= dims[axis]
	}
	if inferredAxis >= 0 {
		if knownSize == 0 || x.Shape().Size()%knownSize != 0 {
			nc.configErrorf(inputs, "cannot infer the -1 dimension of shape %v", dims)
		}
		dims[inferredAxis] = x.Shape().Size() / knownSize
	}
	if !x.IsConstant() && len(current) > 0 && (len(dims) == 0 || dims[0] != current[0]) {
		nc.configErrorf(inputs, "reshape to %v changes the batch dimension of %v", dims, current)
	}
	return single(nc.applySource(func(nodes []*Node) *Node { return Reshape(nodes[0], dims...) }, x))
}

// convertFlatten converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Flatten.html
func convertFlatten(nc *nodeContext, inputs []*Value) []*Value {
	x := inputs[0]
	axis := getIntAttrOr(nc.node, "axis", 1)
	if x.layout == ChannelLast && x.Rank() == 4 && axis == 1 {
		dims := x.Dims()
		if dims[1] == 1 && dims[2] == 1 {
			// (N,1,1,C): the data is already in (N,C) order.
			return single(nc.apply1(func(x *Node) *Node { return Reshape(x, dims[0], dims[3]) }, Opaque, x))
		}
	}
	x = nc.toSourceOrder(x)
	dims := x.Dims()
	if axis < 0 {
		axis += len(dims)
	}
	if axis < 0 || axis > len(dims) {
		nc.configErrorf(inputs, "axis %d out of range", getIntAttrOr(nc.node, "axis", 1))
	}
	outer, inner := 1, 1
	for ii, dim := range dims {
		if ii < axis {
			outer *= dim
		} else {
			inner *= dim
		}
	}
	return single(nc.apply1(func(x *Node) *Node { return Reshape(x, outer, inner) }, Opaque, x))
}

// convertSlice converts a ONNX node to a GoMLX node.
// Slices of image batches in ChannelLast layout are taken on the corresponding ChannelLast axes.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Slice.html
func convertSlice(nc *nodeContext, inputs []*Value) []*Value {
	x := inputs[0]
	var starts, ends, axes, steps []int
	if nc.model.OpsetVersion() < 10 {
		starts = getIntsAttrOr(nc.node, "starts", nil)
		ends = getIntsAttrOr(nc.node, "ends", nil)
		axes = getIntsAttrOr(nc.node, "axes", nil)
	} else {
		starts = tensorToInts(nc.mustConstant(input(inputs, 1), "starts", inputs))
		ends = tensorToInts(nc.mustConstant(input(inputs, 2), "ends", inputs))
		axes = nc.constantInts(input(inputs, 3), "axes", inputs)
		steps = nc.constantInts(input(inputs, 4), "steps", inputs)
	}
	if len(starts) != len(ends) {
		nc.configErrorf(inputs, "got %d starts and %d ends", len(starts), len(ends))
	}
	if axes == nil {
		axes = make([]int, len(starts))
		for ii := range axes {
			axes[ii] = ii
		}
	}
	if steps == nil {
		steps = slices.Repeat([]int{1}, len(starts))
	}
	if len(axes) != len(starts) || len(steps) != len(starts) {
		nc.configErrorf(inputs, "got %d starts, %d axes and %d steps", len(starts), len(axes), len(steps))
	}

	rank := x.Rank()
	sourceDims := x.SourceDims()
	specs := make([]SliceAxisSpec, rank)
	for ii := range specs {
		specs[ii] = AxisRange()
	}
	for ii, axis := range axes {
		axis = nc.adjustAxis(inputs, axis, rank)
		if steps[ii] <= 0 {
			nc.configErrorf(inputs, "step %d is not supported, only positive steps", steps[ii])
		}
		dim := sourceDims[axis]
		clamp := func(index int) int {
			if index < 0 {
				index += dim
			}
			return min(max(index, 0), dim)
		}
		start, end := clamp(starts[ii]), clamp(ends[ii])
		end = max(start, end)
		if x.layout == ChannelLast && rank == 4 {
			axis = channelLastAxis(axis)
		}
		specs[axis] = AxisRange(start, end).Stride(steps[ii])
	}
	return single(nc.apply1(func(x *Node) *Node { return Slice(x, specs...) }, x.layout, x))
}

// convertSplit converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Split.html
func convertSplit(nc *nodeContext, inputs []*Value) []*Value {
	x := inputs[0]
	rank := x.Rank()
	axis := nc.adjustAxis(inputs, getIntAttrOr(nc.node, "axis", 0), rank)
	dim := x.SourceDims()[axis]
	numOutputs := len(nc.node.Output)

	sizes := getIntsAttrOr(nc.node, "split", nil)
	if sizes == nil {
		sizes = nc.constantInts(input(inputs, 1), "split", inputs)
	}
	if sizes == nil {
		numOutputs = getIntAttrOr(nc.node, "num_outputs", numOutputs)
		if numOutputs <= 0 {
			nc.configErrorf(inputs, "no outputs")
		}
		// Equal parts, the last one smaller if not divisible.
		size := (dim + numOutputs - 1) / numOutputs
		for offset := 0; offset < dim; offset += size {
			sizes = append(sizes, min(size, dim-offset))
		}
	}
	total := 0
	for _, size := range sizes {
		total += size
	}
	if total != dim || len(sizes) != len(nc.node.Output) {
		nc.configErrorf(inputs, "cannot split axis %d of dimension %d in %d outputs of sizes %v", axis, dim, len(nc.node.Output), sizes)
	}

	if x.layout == ChannelLast && rank == 4 {
		axis = channelLastAxis(axis)
	}
	outputs := make([]*Value, len(sizes))
	offset := 0
	for ii, size := range sizes {
		start, end := offset, offset+size
		outputs[ii] = nc.apply1(func(x *Node) *Node { return SliceAxis(x, axis, AxisRange(start, end)) }, x.layout, x)
		offset = end
	}
	return outputs
}

// convertTranspose converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Transpose.html
func convertTranspose(nc *nodeContext, inputs []*Value) []*Value {
	x := inputs[0]
	rank := x.Rank()
	permutations := getIntsAttrOr(nc.node, "perm", nil)
	if permutations == nil {
		// Reverse axes.
		permutations = make([]int, rank)
		for axis := range permutations {
			permutations[axis] = rank - axis - 1
		}
	}
	if len(permutations) != rank {
		nc.configErrorf(inputs, "perm=%v must have one value per axis", permutations)
	}
	if x.layout == ChannelLast && slices.Equal(permutations, toChannelLastPerm) {
		// The NCHW -> NHWC transpose of a ChannelLast value is its physical data.
		return single(x.withLayout(Opaque))
	}
	x = nc.toSourceOrder(x)
	return single(nc.applySource(func(nodes []*Node) *Node { return TransposeAllDims(nodes[0], permutations...) }, x))
}

// convertUnsqueeze converts a ONNX node to a GoMLX node.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Unsqueeze.html
func convertUnsqueeze(nc *nodeContext, inputs []*Value) []*Value {
	// Version 11 and earlier take the axes from the attribute:
	axes := getIntsAttrOr(nc.node, "axes", nil)
	if axes == nil {
		axes = tensorToInts(nc.mustConstant(input(inputs, 1), "axes", inputs))
	}
	x := nc.toSourceOrder(inputs[0])
	newRank := x.Rank() + len(axes)
	for ii, axis := range axes {
		axes[ii] = nc.adjustAxis(inputs, axis, newRank)
	}
	return single(nc.applySource(func(nodes []*Node) *Node { return ExpandAxes(nodes[0], axes...) }, x))
}

// convertPad converts a ONNX node to a GoMLX node. Only constant padding of the spatial axes of image batches
// is supported.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Pad.html
func convertPad(nc *nodeContext, inputs []*Value) []*Value {
	if mode := getStringAttrOr(nc.node, "mode", "constant"); mode != "constant" {
		nc.configErrorf(inputs, "mode=%q is not supported", mode)
	}
	if input(inputs, 3) != nil {
		nc.configErrorf(inputs, "the axes input is not supported")
	}
	pads := getIntsAttrOr(nc.node, "pads", nil)
	if pads == nil {
		pads = tensorToInts(nc.mustConstant(input(inputs, 1), "pads", inputs))
	}
	value := float64(getFloatAttrOr(nc.node, "value", 0))
	if v := input(inputs, 2); v != nil {
		t := nc.mustConstant(v, "constant_value", inputs)
		if t.Size() != 1 {
			nc.configErrorf(inputs, "constant_value must be a scalar")
		}
		value = float64(tensorToFloats(t)[0])
	}
	if len(pads) != 8 {
		nc.configErrorf(inputs, "pads=%v must have 8 values (2D images)", pads)
	}
	if pads[0] != 0 || pads[1] != 0 || pads[4] != 0 || pads[5] != 0 {
		nc.configErrorf(inputs, "pads=%v must not pad the batch and channel axes", pads)
	}
	if slices.ContainsFunc(pads, func(p int) bool { return p < 0 }) {
		nc.configErrorf(inputs, "negative pads=%v are not supported", pads)
	}
	x := nc.imageInput(inputs)
	return single(nc.apply1(func(x *Node) *Node {
		fill := Scalar(x.Graph(), x.DType(), value)
		return Pad(x, fill, PadAxis{}, PadAxis{Start: pads[2], End: pads[6]}, PadAxis{Start: pads[3], End: pads[7]}, PadAxis{})
	}, ChannelLast, x))
}

// convertConstant converts a ONNX node to a constant Value.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Constant.html
func convertConstant(nc *nodeContext, inputs []*Value) []*Value {
	var t *tensors.Tensor
	switch {
	case hasAttr(nc.node, "value"):
		attr := getNodeAttr(nc.node, "value", true)
		assertNodeAttrType(nc.node, attr, protos.AttributeProto_TENSOR)
		var err error
		t, err = togomlx.Tensor(attr.T)
		if err != nil {
			panic(errors.WithMessagef(err, "while converting ONNX %s", nodeToString(nc.node)))
		}
	case hasAttr(nc.node, "value_float"):
		t = tensors.FromScalar(getFloatAttrOr(nc.node, "value_float", 0))
	case hasAttr(nc.node, "value_floats"):
		values := getFloatsAttrOr(nc.node, "value_floats", nil)
		t = tensors.FromFlatDataAndDimensions(values, len(values))
	case hasAttr(nc.node, "value_int"):
		t = tensors.FromScalar(int64(getIntAttrOr(nc.node, "value_int", 0)))
	case hasAttr(nc.node, "value_ints"):
		values := xslices.Map(getIntsAttrOr(nc.node, "value_ints", nil), func(v int) int64 { return int64(v) })
		t = tensors.FromFlatDataAndDimensions(values, len(values))
	default:
		nc.configErrorf(inputs, "only value, value_float(s) and value_int(s) attributes are supported")
	}
	return single(NewConstant(t, Opaque))
}
