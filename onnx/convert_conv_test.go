package onnx

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-nhwc/internal/protos"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ones returns a float32 slice of n ones.
func ones(n int) []float32 {
	values := make([]float32, n)
	for ii := range values {
		values[ii] = 1
	}
	return values
}

func TestConvDense(t *testing.T) {
	// 1x1 convolution: y[o] = sum_c W[o, c] * x[c].
	b := newModelBuilder().
		input("x", 1, 3, 2, 2).
		initializer(protos.FloatTensor("w", []int{2, 3, 1, 1}, []float32{1, 2, 3, 4, 5, 6})).
		node("Conv", []string{"x", "w"}, []string{"y"}).
		output("y")
	ctx := context.New()
	tr, err := b.build().Translate(graphtest.BuildTestBackend(), ctx, WithDiagnostics(FailOnConversion{}))
	require.NoError(t, err)
	assert.Equal(t, []Layout{ChannelLast}, tr.OutputLayouts())

	// Weights stored as (kh, kw, in, out).
	kernel := ctx.In(ModelScope).In("Conv_y").InspectVariableInScope("kernel")
	require.NotNil(t, kernel)
	assert.Equal(t, []int{1, 1, 3, 2}, kernel.Shape().Dimensions)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, tensors.MustCopyFlatData[float32](kernel.MustValue()))

	y := exec1(t, tr, iotaTensor(1, 2, 2, 3))
	assert.Equal(t, []int{1, 2, 2, 2}, y.Shape().Dimensions)
	// Pixel p holds channels (3p, 3p+1, 3p+2): y = (18p+8, 45p+17).
	assert.Equal(t, []float32{8, 17, 26, 62, 44, 107, 62, 152}, tensors.MustCopyFlatData[float32](y))
}

func TestConvScenarios(t *testing.T) {
	t.Run("symmetric same", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 3, 8, 8).
			initializer(protos.FloatTensor("w", []int{3, 3, 3, 3}, ones(81))).
			node("Conv", []string{"x", "w"}, []string{"y"},
				protos.IntsAttr("kernel_shape", 3, 3), protos.IntsAttr("pads", 1, 1, 1, 1),
				protos.IntsAttr("strides", 1, 1), protos.IntsAttr("dilations", 1, 1), protos.IntAttr("group", 1)).
			output("y")
		tr := b.translate(t, WithDiagnostics(FailOnConversion{}))
		assert.Equal(t, []Layout{ChannelLast}, tr.OutputLayouts())
		assert.Equal(t, []int{1, 8, 8, 3}, tr.OutputShapes()[0].Dimensions)
	})

	t.Run("odd input stride 2", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 1, 7, 7).
			initializer(protos.FloatTensor("w", []int{1, 1, 3, 3}, ones(9))).
			node("Conv", []string{"x", "w"}, []string{"y"},
				protos.IntsAttr("pads", 1, 1, 1, 1), protos.IntsAttr("strides", 2, 2)).
			output("y")
		tr := b.translate(t)
		y := exec1(t, tr, tensors.FromFlatDataAndDimensions(ones(49), 1, 7, 7, 1))
		assert.Equal(t, []int{1, 4, 4, 1}, y.Shape().Dimensions)
		// Summing ones: corners see 2x2 values, borders 2x3 and the interior 3x3.
		assert.Equal(t, []float32{
			4, 6, 6, 4,
			6, 9, 9, 6,
			6, 9, 9, 6,
			4, 6, 6, 4,
		}, tensors.MustCopyFlatData[float32](y))
	})

	t.Run("explicit padding", func(t *testing.T) {
		b := newModelBuilder().
			input("x", 1, 1, 3, 3).
			initializer(protos.FloatTensor("w", []int{1, 1, 1, 1}, []float32{1})).
			node("Conv", []string{"x", "w"}, []string{"y"}, protos.IntsAttr("pads", 1, 0, 0, 0)).
			output("y")
		tr := b.translate(t)
		y := exec1(t, tr, tensors.FromFlatDataAndDimensions(ones(9), 1, 3, 3, 1))
		assert.Equal(t, []int{1, 4, 3, 1}, y.Shape().Dimensions)
		assert.Equal(t, []float32{0, 0, 0, 1, 1, 1, 1, 1, 1, 1, 1, 1}, tensors.MustCopyFlatData[float32](y))
	})
}

func TestConvDepthwise(t *testing.T) {
	b := newModelBuilder().
		input("x", 1, 2, 1, 2).
		initializer(
			protos.FloatTensor("w", []int{2, 1, 1, 1}, []float32{2, 3}),
			protos.FloatTensor("b", []int{2}, []float32{0.5, -0.5})).
		node("Conv", []string{"x", "w", "b"}, []string{"y"}, protos.IntAttr("group", 2)).
		output("y")
	ctx := context.New()
	tr, err := b.build().Translate(graphtest.BuildTestBackend(), ctx)
	require.NoError(t, err)

	// A single native convolution with one group per channel.
	kernel := ctx.In(ModelScope).In("Conv_y").InspectVariableInScope("kernel")
	require.NotNil(t, kernel)
	assert.Equal(t, []int{1, 1, 1, 2}, kernel.Shape().Dimensions)
	assert.Nil(t, ctx.In(ModelScope).In("Conv_y").In("group_0").InspectVariableInScope("kernel"))

	// Pixels (0, 1) and (2, 3).
	y := exec1(t, tr, iotaTensor(1, 1, 2, 2))
	assert.Equal(t, []float32{0.5, 2.5, 4.5, 8.5}, tensors.MustCopyFlatData[float32](y))
}

func TestConvGrouped(t *testing.T) {
	// 4 input channels, 2 groups, 4 outputs: outputs 0 and 1 read channels 0-1, outputs 2 and 3 read channels 2-3.
	weights := []float32{
		1, 0,
		0, 1,
		1, 1,
		2, 0,
	}
	b := newModelBuilder().
		input("x", 1, 4, 1, 1).
		initializer(
			protos.FloatTensor("w", []int{4, 2, 1, 1}, weights),
			protos.FloatTensor("b", []int{4}, []float32{0, 0, 100, 1000})).
		node("Conv", []string{"x", "w", "b"}, []string{"y"}, protos.IntAttr("group", 2)).
		output("y")
	ctx := context.New()
	tr, err := b.build().Translate(graphtest.BuildTestBackend(), ctx)
	require.NoError(t, err)
	for _, group := range []string{"group_0", "group_1"} {
		kernel := ctx.In(ModelScope).In("Conv_y").In(group).InspectVariableInScope("kernel")
		require.NotNil(t, kernel, group)
		assert.Equal(t, []int{1, 1, 2, 2}, kernel.Shape().Dimensions)
	}

	y := exec1(t, tr, tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 1, 1, 1, 4))
	// Same as the hand-sliced convolutions: [1, 2] and [3+4+100, 2*3+1000].
	assert.Equal(t, []float32{1, 2, 107, 1006}, tensors.MustCopyFlatData[float32](y))
}

func TestConvTranspose(t *testing.T) {
	t.Run("stride 2", func(t *testing.T) {
		// Each input pixel is spread over a 2x2 block of the output.
		b := newModelBuilder().
			input("x", 1, 1, 2, 2).
			initializer(protos.FloatTensor("w", []int{1, 1, 2, 2}, ones(4))).
			node("ConvTranspose", []string{"x", "w"}, []string{"y"}, protos.IntsAttr("strides", 2, 2)).
			output("y")
		tr := b.translate(t)
		y := exec1(t, tr, tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 1, 2, 2, 1))
		assert.Equal(t, []int{1, 4, 4, 1}, y.Shape().Dimensions)
		assert.Equal(t, []float32{
			1, 1, 2, 2,
			1, 1, 2, 2,
			3, 3, 4, 4,
			3, 3, 4, 4,
		}, tensors.MustCopyFlatData[float32](y))
	})

	t.Run("output size", func(t *testing.T) {
		// (in-1)*stride - pads + dilation*(kernel-1) + 1 + output_padding = 3*2 - 2 + 3 + 1 = 8.
		b := newModelBuilder().
			input("x", 1, 2, 4, 4).
			initializer(protos.FloatTensor("w", []int{2, 3, 4, 4}, ones(2*3*16))).
			node("ConvTranspose", []string{"x", "w"}, []string{"y"},
				protos.IntsAttr("strides", 2, 2), protos.IntsAttr("pads", 1, 1, 1, 1)).
			output("y")
		tr := b.translate(t)
		assert.Equal(t, []int{1, 8, 8, 3}, tr.OutputShapes()[0].Dimensions)
	})

	t.Run("unsupported padding", func(t *testing.T) {
		// Output size 7 is neither unpadded nor stride * input size.
		err := newModelBuilder().
			input("x", 1, 1, 4, 4).
			initializer(protos.FloatTensor("w", []int{1, 1, 3, 3}, ones(9))).
			node("ConvTranspose", []string{"x", "w"}, []string{"y"},
				protos.IntsAttr("strides", 2, 2), protos.IntsAttr("pads", 1, 1, 1, 1)).
			output("y").
			translateErr()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnsupportedOperatorConfiguration), "got %v", err)
	})
}
