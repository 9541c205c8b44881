package onnx

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-nhwc/internal/protos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeExternalData writes values as little-endian float32 after offset bytes of padding.
func writeExternalData(t *testing.T, dir, name string, offset int, values []float32) {
	buf := make([]byte, offset+4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(buf[offset+4*ii:], math.Float32bits(v))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), buf, 0o644))
}

func externalTensor(name string, dims []int, location string, offset, length int) *protos.TensorProto {
	proto := protos.FloatTensor(name, dims, nil)
	proto.DataLocation = protos.TensorProto_EXTERNAL
	proto.ExternalData = []*protos.StringStringEntryProto{
		{Key: "location", Value: location},
		{Key: "offset", Value: strconv.Itoa(offset)},
	}
	if length > 0 {
		proto.ExternalData = append(proto.ExternalData, &protos.StringStringEntryProto{Key: "length", Value: strconv.Itoa(length)})
	}
	return proto
}

func TestExternalData(t *testing.T) {
	dir := t.TempDir()
	values := []float32{1, 2, 3, 4, 5, 6}
	writeExternalData(t, dir, "weights.bin", 16, values)

	t.Run("reader", func(t *testing.T) {
		reader := NewExternalDataReader(dir)
		defer func() { require.NoError(t, reader.Close()) }()
		got, err := reader.Tensor(externalTensor("w", []int{2, 3}, "weights.bin", 16, 24))
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3}, got.Shape().Dimensions)
		assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, got.Value())

		// Without a length entry the size comes from the shape.
		got, err = reader.Tensor(externalTensor("tail", []int{2}, "weights.bin", 16+16, 0))
		require.NoError(t, err)
		assert.Equal(t, []float32{5, 6}, tensors.MustCopyFlatData[float32](got))
	})

	t.Run("errors", func(t *testing.T) {
		reader := NewExternalDataReader(dir)
		defer func() { require.NoError(t, reader.Close()) }()
		_, err := reader.Tensor(externalTensor("w", []int{2, 3}, "weights.bin", 16, 20))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "external data length is 20")

		_, err = reader.Tensor(externalTensor("w", []int{4, 3}, "weights.bin", 16, 0))
		require.Error(t, err)

		_, err = reader.Tensor(externalTensor("w", []int{2, 3}, "missing.bin", 0, 0))
		require.Error(t, err)

		_, err = reader.Tensor(externalTensor("w", []int{2, 3}, filepath.Join(dir, "weights.bin"), 16, 0))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "absolute location")

		_, err = NewExternalDataReader("").Tensor(externalTensor("w", []int{2, 3}, "weights.bin", 16, 24))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model directory is not known")
	})

	t.Run("model initializers", func(t *testing.T) {
		proto := externalTensor("w", []int{6}, "weights.bin", 16, 24)

		m := &Model{}
		_, err := m.initializerTensor(proto)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "model directory is not known")
		require.NoError(t, m.Close())

		m = (&Model{}).WithBaseDir(dir)
		defer func() { require.NoError(t, m.Close()) }()
		got, err := m.initializerTensor(proto)
		require.NoError(t, err)
		assert.Equal(t, values, tensors.MustCopyFlatData[float32](got))

		// Cached by name.
		again, err := m.initializerTensor(proto)
		require.NoError(t, err)
		assert.Same(t, got, again)
	})
}
