package togomlx

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-nhwc/internal/protos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDType(t *testing.T) {
	dtype, err := DType(protos.TensorProto_FLOAT)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, dtype)
	dtype, err = DType(protos.TensorProto_BOOL)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Bool, dtype)
	_, err = DType(protos.TensorProto_STRING)
	require.Error(t, err)
}

func TestTensor(t *testing.T) {
	t.Run("float data", func(t *testing.T) {
		got, err := Tensor(protos.FloatTensor("w", []int{2, 2}, []float32{1, 2, 3, 4}))
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2}, got.Shape().Dimensions)
		assert.Equal(t, []float32{1, 2, 3, 4}, tensors.MustCopyFlatData[float32](got))
	})

	t.Run("raw data", func(t *testing.T) {
		raw := make([]byte, 8)
		binary.LittleEndian.PutUint32(raw, math.Float32bits(1.5))
		binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(-2))
		got, err := Tensor(&protos.TensorProto{Name: "raw", Dims: []int64{2}, DataType: int32(protos.TensorProto_FLOAT), RawData: raw})
		require.NoError(t, err)
		assert.Equal(t, []float32{1.5, -2}, tensors.MustCopyFlatData[float32](got))
	})

	t.Run("small ints in int32 data", func(t *testing.T) {
		got, err := Tensor(&protos.TensorProto{Name: "u8", Dims: []int64{3}, DataType: int32(protos.TensorProto_UINT8), Int32Data: []int32{1, 2, 255}})
		require.NoError(t, err)
		assert.Equal(t, []uint8{1, 2, 255}, tensors.MustCopyFlatData[uint8](got))
	})

	t.Run("size mismatch", func(t *testing.T) {
		_, err := Tensor(protos.FloatTensor("bad", []int{3}, []float32{1, 2}))
		require.Error(t, err)
	})

	t.Run("external", func(t *testing.T) {
		proto := protos.FloatTensor("ext", []int{1}, nil)
		proto.DataLocation = protos.TensorProto_EXTERNAL
		assert.True(t, IsExternal(proto))
		_, err := Tensor(proto)
		require.Error(t, err)
	})
}
