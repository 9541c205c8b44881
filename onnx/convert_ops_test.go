package onnx

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-nhwc/internal/protos"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch(t *testing.T) {
	for _, opType := range []string{"Conv", "conv", "CONV", "BatchNormalization", "batchnormalization"} {
		converter, err := lookupConverter(&protos.NodeProto{OpType: opType})
		require.NoError(t, err, opType)
		assert.NotNil(t, converter)
	}

	_, err := lookupConverter(&protos.NodeProto{OpType: "TopK"})
	assert.True(t, errors.Is(err, ErrUnsupportedOperator))
	_, err = lookupConverter(&protos.NodeProto{OpType: "Conv", Domain: "com.microsoft"})
	assert.True(t, errors.Is(err, ErrUnsupportedOperator))
	_, err = lookupConverter(&protos.NodeProto{OpType: "Conv", Domain: "ai.onnx"})
	assert.NoError(t, err)

	supported := SupportedOperators()
	assert.IsIncreasing(t, supported)
	assert.Contains(t, supported, "convtranspose")
	assert.Contains(t, supported, "globalaveragepool")
}

func TestExpand(t *testing.T) {
	b := newModelBuilder().
		input("x", 1, 3, 1, 1).
		initializer(protos.Int64Tensor("shape", []int{4}, []int64{1, 3, 8, 8})).
		node("Expand", []string{"x", "shape"}, []string{"y"}).
		output("y")
	tr := b.translate(t, WithDiagnostics(FailOnConversion{}))
	assert.Equal(t, []Layout{ChannelLast}, tr.OutputLayouts())
	y := exec1(t, tr, tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 1, 1, 1, 3))
	assert.Equal(t, []int{1, 8, 8, 3}, y.Shape().Dimensions)
	flat := tensors.MustCopyFlatData[float32](y)
	for pixel := range 64 {
		require.Equal(t, []float32{1, 2, 3}, flat[pixel*3:pixel*3+3], "pixel %d", pixel)
	}

	// Factors are computed in source order, and applied to the NHWC axes.
	factors, ok := expandFactors([]int{1, 3, 1, 1}, []int{1, 3, 8, 8})
	require.True(t, ok)
	assert.Equal(t, []int{1, 1, 8, 8}, factors)
	assert.Equal(t, []int{1, 8, 8, 1}, permute(factors, toChannelLastPerm))
	_, ok = expandFactors([]int{1, 3, 2, 1}, []int{1, 3, 8, 8})
	assert.False(t, ok)
}

func TestBinaryOperands(t *testing.T) {
	// x is fed as NHWC (1, 2, 2, 2) with x[h, w, c] = 4h + 2w + c.
	x := func() *tensors.Tensor { return iotaTensor(1, 2, 2, 2) }
	testCases := []struct {
		name     string
		constant *protos.TensorProto
		inputs   []string
		opType   string
		want     []float32
	}{
		{
			// The rank-1 constant broadcasts over W: y = c[w] - x.
			name:     "sub constant minus image",
			constant: protos.FloatTensor("c", []int{2}, []float32{10, 20}),
			inputs:   []string{"c", "x"},
			opType:   "Sub",
			want:     []float32{10, 9, 18, 17, 6, 5, 14, 13},
		},
		{
			name:     "sub image minus constant",
			constant: protos.FloatTensor("c", []int{2}, []float32{10, 20}),
			inputs:   []string{"x", "c"},
			opType:   "Sub",
			want:     []float32{-10, -9, -18, -17, -6, -5, -14, -13},
		},
		{
			name:     "mul scalar first",
			constant: protos.FloatTensor("c", nil, []float32{3}),
			inputs:   []string{"c", "x"},
			opType:   "Mul",
			want:     []float32{0, 3, 6, 9, 12, 15, 18, 21},
		},
		{
			name:     "mul scalar second",
			constant: protos.FloatTensor("c", nil, []float32{3}),
			inputs:   []string{"x", "c"},
			opType:   "Mul",
			want:     []float32{0, 3, 6, 9, 12, 15, 18, 21},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector := &DiagnosticsCollector{}
			tr := newModelBuilder().
				input("x", 1, 2, 2, 2).
				initializer(tc.constant).
				node(tc.opType, tc.inputs, []string{"y"}).
				output("y").
				translate(t, WithDiagnostics(collector))
			assert.Zero(t, collector.Len(), "unexpected layout conversions: %v", collector.Events())
			assert.Equal(t, []Layout{ChannelLast}, tr.OutputLayouts())
			y := exec1(t, tr, x())
			assert.Equal(t, []int{1, 2, 2, 2}, y.Shape().Dimensions)
			assert.Equal(t, tc.want, tensors.MustCopyFlatData[float32](y))
		})
	}
}

func TestReductions(t *testing.T) {
	// x is fed as NHWC (1, 2, 2, 2) with x[h, w, c] = 4h + 2w + c: channel 0 holds 0, 2, 4, 6 and channel 1
	// holds 1, 3, 5, 7 (row-major H, W).
	testCases := []struct {
		name     string
		opType   string
		axes     []int64
		keepDims int
		wantDims []int
		want     []float32
	}{
		{"max over channels", "ReduceMax", []int64{1}, 0, []int{1, 2, 2}, []float32{1, 3, 5, 7}},
		{"max over channels kept", "ReduceMax", []int64{1}, 1, []int{1, 1, 2, 2}, []float32{1, 3, 5, 7}},
		{"sum over spatial axes", "ReduceSum", []int64{2, 3}, 0, []int{1, 2}, []float32{12, 16}},
		{"sum over width kept", "ReduceSum", []int64{-1}, 1, []int{1, 2, 2, 1}, []float32{2, 10, 4, 12}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := newModelBuilder().input("x", 1, 2, 2, 2)
			if tc.opType == "ReduceSum" {
				// Axes are an input since opset 13.
				b = b.initializer(protos.Int64Tensor("axes", []int{len(tc.axes)}, tc.axes)).
					node(tc.opType, []string{"x", "axes"}, []string{"y"}, protos.IntAttr("keepdims", tc.keepDims))
			} else {
				axes := make([]int, len(tc.axes))
				for ii, axis := range tc.axes {
					axes[ii] = int(axis)
				}
				b = b.node(tc.opType, []string{"x"}, []string{"y"},
					protos.IntsAttr("axes", axes...), protos.IntAttr("keepdims", tc.keepDims))
			}
			tr := b.output("y").translate(t)
			// Reductions run in the source axis order.
			assert.Equal(t, []Layout{Opaque}, tr.OutputLayouts())
			y := exec1(t, tr, iotaTensor(1, 2, 2, 2))
			assert.Equal(t, tc.wantDims, y.Shape().Dimensions)
			assert.Equal(t, tc.want, tensors.MustCopyFlatData[float32](y))
		})
	}
}

func TestResize(t *testing.T) {
	t.Run("nearest asymmetric floor", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 1, 4, 4).
			initializer(protos.FloatTensor("scales", []int{4}, []float32{1, 1, 2, 2})).
			node("Resize", []string{"x", "", "scales"}, []string{"y"},
				protos.StringAttr("mode", "nearest"),
				protos.StringAttr("coordinate_transformation_mode", "asymmetric"),
				protos.StringAttr("nearest_mode", "floor")).
			output("y")
		tr := b.translate(t, WithDiagnostics(FailOnConversion{}))
		y := exec1(t, tr, iotaTensor(1, 4, 4, 1))
		assert.Equal(t, []int{1, 8, 8, 1}, y.Shape().Dimensions)
		flat := tensors.MustCopyFlatData[float32](y)
		for row := range 8 {
			for col := range 8 {
				require.Equal(t, float32((row/2)*4+col/2), flat[row*8+col], "(%d, %d)", row, col)
			}
		}
	})

	t.Run("sizes", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 2, 4, 4).
			initializer(protos.Int64Tensor("sizes", []int{4}, []int64{1, 2, 6, 10})).
			node("Resize", []string{"x", "", "", "sizes"}, []string{"y"},
				protos.StringAttr("mode", "linear"),
				protos.StringAttr("coordinate_transformation_mode", "align_corners")).
			output("y")
		tr := b.translate(t)
		assert.Equal(t, []int{1, 6, 10, 2}, tr.OutputShapes()[0].Dimensions)
	})

	t.Run("legacy upsample", func(t *testing.T) {
		b := newModelBuilder().withOpset(9).
			input("x", 1, 1, 2, 2).
			initializer(protos.FloatTensor("scales", []int{4}, []float32{1, 1, 2, 2})).
			node("Upsample", []string{"x", "scales"}, []string{"y"}).
			output("y")
		tr := b.translate(t)
		y := exec1(t, tr, tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 1, 2, 2, 1))
		assert.Equal(t, []float32{
			1, 1, 2, 2,
			1, 1, 2, 2,
			3, 3, 4, 4,
			3, 3, 4, 4,
		}, tensors.MustCopyFlatData[float32](y))
	})

	unsupported := []struct {
		name  string
		attrs []*protos.AttributeProto
	}{
		{"cubic", []*protos.AttributeProto{protos.StringAttr("mode", "cubic")}},
		{"linear half_pixel", []*protos.AttributeProto{
			protos.StringAttr("mode", "linear"), protos.StringAttr("coordinate_transformation_mode", "half_pixel")}},
		{"nearest round", []*protos.AttributeProto{
			protos.StringAttr("mode", "nearest"), protos.StringAttr("coordinate_transformation_mode", "asymmetric")}},
		{"antialias", []*protos.AttributeProto{
			protos.StringAttr("mode", "linear"), protos.StringAttr("coordinate_transformation_mode", "align_corners"),
			protos.IntAttr("antialias", 1)}},
	}
	for _, tc := range unsupported {
		t.Run(tc.name, func(t *testing.T) {
			err := newModelBuilder().
				input("x", 1, 1, 4, 4).
				initializer(protos.FloatTensor("scales", []int{4}, []float32{1, 1, 2, 2})).
				node("Resize", []string{"x", "", "scales"}, []string{"y"}, tc.attrs...).
				output("y").
				translateErr()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnsupportedOperatorConfiguration), "got %v", err)
		})
	}
}

func TestConcat(t *testing.T) {
	t.Run("channels", func(t *testing.T) {
		b := newModelBuilder().
			input("a", 1, 3, 8, 8).
			input("b", 1, 5, 8, 8).
			node("Concat", []string{"a", "b"}, []string{"y"}, protos.IntAttr("axis", 1)).
			output("y")
		tr := b.translate(t, WithDiagnostics(FailOnConversion{}))
		assert.Equal(t, []Layout{ChannelLast}, tr.OutputLayouts())
		assert.Equal(t, []int{1, 8, 8, 8}, tr.OutputShapes()[0].Dimensions)
	})

	t.Run("constants", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 2, 2, 2).
			node("Shape", []string{"x"}, []string{"shape"}).
			initializer(protos.Int64Tensor("extra", []int{1}, []int64{7})).
			node("Concat", []string{"shape", "extra"}, []string{"y"}, protos.IntAttr("axis", 0)).
			output("y")
		tr := b.translate(t)
		y := exec1(t, tr, iotaTensor(1, 2, 2, 2))
		assert.Equal(t, []int64{1, 2, 2, 2, 7}, tensors.MustCopyFlatData[int64](y))
	})
}

func TestSliceAndSplit(t *testing.T) {
	t.Run("slice channels", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 4, 2, 2).
			initializer(
				protos.Int64Tensor("starts", []int{1}, []int64{1}),
				protos.Int64Tensor("ends", []int{1}, []int64{3}),
				protos.Int64Tensor("axes", []int{1}, []int64{1})).
			node("Slice", []string{"x", "starts", "ends", "axes"}, []string{"y"}).
			output("y")
		tr := b.translate(t, WithDiagnostics(FailOnConversion{}))
		y := exec1(t, tr, iotaTensor(1, 2, 2, 4))
		assert.Equal(t, []int{1, 2, 2, 2}, y.Shape().Dimensions)
		assert.Equal(t, []float32{1, 2, 5, 6, 9, 10, 13, 14}, tensors.MustCopyFlatData[float32](y))
	})

	t.Run("split channels", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 4, 2, 2).
			initializer(protos.Int64Tensor("split", []int{2}, []int64{1, 3})).
			node("Split", []string{"x", "split"}, []string{"y0", "y1"}, protos.IntAttr("axis", 1)).
			output("y0", "y1")
		tr := b.translate(t, WithDiagnostics(FailOnConversion{}))
		shapes := tr.OutputShapes()
		assert.Equal(t, []int{1, 2, 2, 1}, shapes[0].Dimensions)
		assert.Equal(t, []int{1, 2, 2, 3}, shapes[1].Dimensions)
	})
}

func TestShapeOps(t *testing.T) {
	t.Run("shape reports source order", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 3, 8, 6).
			node("Shape", []string{"x"}, []string{"y"}, protos.IntAttr("start", 1)).
			output("y")
		tr := b.translate(t)
		assert.Equal(t, []Layout{Opaque}, tr.OutputLayouts())
		y := exec1(t, tr, iotaTensor(1, 8, 6, 3))
		assert.Equal(t, []int64{3, 8, 6}, tensors.MustCopyFlatData[int64](y))
	})

	t.Run("transpose to NHWC is free", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 3, 4, 4).
			node("Transpose", []string{"x"}, []string{"y"}, protos.IntsAttr("perm", 0, 2, 3, 1)).
			output("y")
		tr := b.translate(t, WithDiagnostics(FailOnConversion{}))
		assert.Equal(t, []Layout{Opaque}, tr.OutputLayouts())
		assert.Equal(t, []int{1, 4, 4, 3}, tr.OutputShapes()[0].Dimensions)
	})

	t.Run("gather columns", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 2, 3).
			initializer(protos.Int64Tensor("indices", []int{2}, []int64{-1, 0})).
			node("Gather", []string{"x", "indices"}, []string{"y"}, protos.IntAttr("axis", 1)).
			output("y")
		tr := b.translate(t)
		y := exec1(t, tr, iotaTensor(2, 3))
		assert.Equal(t, []float32{2, 0, 5, 3}, tensors.MustCopyFlatData[float32](y))
	})

	t.Run("unsqueeze and reshape constants", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 3, 2, 2).
			initializer(
				protos.FloatTensor("c", []int{3}, []float32{1, 2, 3}),
				protos.Int64Tensor("axes", []int{3}, []int64{0, 2, 3})).
			node("Unsqueeze", []string{"c", "axes"}, []string{"c4"}).
			node("Mul", []string{"x", "c4"}, []string{"y"}).
			output("y")
		tr := b.translate(t, WithDiagnostics(FailOnConversion{}))
		y := exec1(t, tr, tensors.FromFlatDataAndDimensions(ones(12), 1, 2, 2, 3))
		assert.Equal(t, []float32{1, 2, 3, 1, 2, 3, 1, 2, 3, 1, 2, 3}, tensors.MustCopyFlatData[float32](y))
	})
}

func TestClassifierHead(t *testing.T) {
	// GlobalAveragePool -> Flatten -> Gemm, without layout conversions.
	b := newModelBuilder().
		input("x", 1, 3, 4, 4).
		initializer(
			protos.FloatTensor("w", []int{2, 3}, []float32{1, 0, 0, 0, 1, 1}),
			protos.FloatTensor("c", []int{2}, []float32{0, 1})).
		node("GlobalAveragePool", []string{"x"}, []string{"pooled"}).
		node("Flatten", []string{"pooled"}, []string{"flat"}).
		node("Gemm", []string{"flat", "w", "c"}, []string{"y"}, protos.IntAttr("transB", 1)).
		output("y")
	tr := b.translate(t, WithDiagnostics(FailOnConversion{}))
	assert.Equal(t, []Layout{Opaque}, tr.OutputLayouts())
	y := exec1(t, tr, iotaTensor(1, 4, 4, 3))
	// Channel c averages to 22.5 + c.
	assert.InDeltaSlice(t, []float32{22.5, 49}, tensors.MustCopyFlatData[float32](y), 1e-4)
}

func TestPooling(t *testing.T) {
	window := []*protos.AttributeProto{protos.IntsAttr("kernel_shape", 2, 2), protos.IntsAttr("strides", 2, 2)}
	for _, tc := range []struct {
		opType string
		want   []float32
	}{
		{"MaxPool", []float32{5, 7, 13, 15}},
		{"AveragePool", []float32{2.5, 4.5, 10.5, 12.5}},
	} {
		t.Run(tc.opType, func(t *testing.T) {
			b := newModelBuilder().
				input("x", 1, 1, 4, 4).
				node(tc.opType, []string{"x"}, []string{"y"}, window...).
				output("y")
			tr := b.translate(t, WithDiagnostics(FailOnConversion{}))
			y := exec1(t, tr, iotaTensor(1, 4, 4, 1))
			assert.Equal(t, []int{1, 2, 2, 1}, y.Shape().Dimensions)
			assert.InDeltaSlice(t, tc.want, tensors.MustCopyFlatData[float32](y), 1e-5)
		})
	}

	t.Run("ceil mode", func(t *testing.T) {
		err := newModelBuilder().
			input("x", 1, 1, 4, 4).
			node("MaxPool", []string{"x"}, []string{"y"}, append(window, protos.IntAttr("ceil_mode", 1))...).
			output("y").
			translateErr()
		assert.True(t, errors.Is(err, ErrUnsupportedOperatorConfiguration), "got %v", err)
	})
}

func TestNormalizationAndActivations(t *testing.T) {
	t.Run("batch normalization", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 2, 1, 1).
			initializer(
				protos.FloatTensor("gamma", []int{2}, []float32{1, 2}),
				protos.FloatTensor("beta", []int{2}, []float32{0, 1}),
				protos.FloatTensor("mean", []int{2}, []float32{1, 1}),
				protos.FloatTensor("var", []int{2}, []float32{4, 1})).
			node("BatchNormalization", []string{"x", "gamma", "beta", "mean", "var"}, []string{"y"},
				protos.FloatAttr("epsilon", 0)).
			output("y")
		tr := b.translate(t, WithDiagnostics(FailOnConversion{}))
		y := exec1(t, tr, tensors.FromFlatDataAndDimensions([]float32{3, 5}, 1, 1, 1, 2))
		assert.InDeltaSlice(t, []float32{1, 9}, tensors.MustCopyFlatData[float32](y), 1e-5)
	})

	t.Run("softmax over channels", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 2, 1, 2).
			node("Softmax", []string{"x"}, []string{"y"}, protos.IntAttr("axis", 1)).
			output("y")
		tr := b.translate(t, WithDiagnostics(FailOnConversion{}))
		// Pixels (0, ln 3) and (1, 1).
		y := exec1(t, tr, tensors.FromFlatDataAndDimensions([]float32{0, 1.0986123, 1, 1}, 1, 1, 2, 2))
		assert.InDeltaSlice(t, []float32{0.25, 0.75, 0.5, 0.5}, tensors.MustCopyFlatData[float32](y), 1e-5)
	})

	t.Run("relu6", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 1, 1, 4).
			initializer(
				protos.FloatTensor("min", nil, []float32{0}),
				protos.FloatTensor("max", nil, []float32{6})).
			node("Clip", []string{"x", "min", "max"}, []string{"y"}).
			output("y")
		tr := b.translate(t)
		y := exec1(t, tr, tensors.FromFlatDataAndDimensions([]float32{-1, 3, 6, 9}, 1, 1, 4, 1))
		assert.Equal(t, []float32{0, 3, 6, 6}, tensors.MustCopyFlatData[float32](y))
	})

	t.Run("prelu", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 2, 1, 1).
			initializer(protos.FloatTensor("slope", []int{2, 1, 1}, []float32{0.5, 0.25})).
			node("PRelu", []string{"x", "slope"}, []string{"y"}).
			output("y")
		tr := b.translate(t, WithDiagnostics(FailOnConversion{}))
		y := exec1(t, tr, tensors.FromFlatDataAndDimensions([]float32{-4, -4}, 1, 1, 1, 2))
		assert.Equal(t, []float32{-2, -1}, tensors.MustCopyFlatData[float32](y))
	})
}
