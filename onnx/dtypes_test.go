package onnx

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromotedDType(t *testing.T) {
	testCases := []struct {
		lhs, rhs      dtypes.DType
		preferFloat16 bool
		want          dtypes.DType
	}{
		{dtypes.Uint8, dtypes.Float32, false, dtypes.Float32},
		{dtypes.Float32, dtypes.Int64, false, dtypes.Float32},
		{dtypes.Float32, dtypes.Float64, false, dtypes.Float64},
		{dtypes.Float16, dtypes.Float32, false, dtypes.Float32},
		{dtypes.Float32, dtypes.Float16, true, dtypes.Float16},
		{dtypes.Int32, dtypes.Int64, false, dtypes.Int64},
		{dtypes.Uint64, dtypes.Int32, false, dtypes.Int32},
		{dtypes.Bool, dtypes.Uint8, false, dtypes.Uint8},
		{dtypes.Float16, dtypes.BFloat16, false, dtypes.Float16},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, promotedDType(tc.lhs, tc.rhs, tc.preferFloat16), "%s vs %s", tc.lhs, tc.rhs)
		if tc.lhs.Bits() != tc.rhs.Bits() || dtypeKind(tc.lhs) != dtypeKind(tc.rhs) {
			assert.Equal(t, tc.want, promotedDType(tc.rhs, tc.lhs, tc.preferFloat16), "%s vs %s", tc.rhs, tc.lhs)
		}
	}
}

func TestPromoteToCommonDType(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	promote := func(lhs, rhs any, config DTypePromotionConfig) (dtypes.DType, error) {
		sum, err := foldConstants(backend, func(nodes []*Node) *Node {
			a, b := promoteToCommonDType(nodes[0], nodes[1], config)
			return Add(a, b)
		}, tensors.FromAnyValue(lhs), tensors.FromAnyValue(rhs))
		if err != nil {
			return dtypes.InvalidDType, err
		}
		return sum.DType(), nil
	}

	// Scalar constants always follow the other operand.
	dtype, err := promote(int64(2), []float32{1, 2}, DTypePromotionConfig{})
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, dtype)

	_, err = promote([]int64{1, 2}, []float32{1, 2}, DTypePromotionConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dtype mismatch")

	dtype, err = promote([]int64{1, 2}, []float32{1, 2}, DTypePromotionConfig{AllowPromotion: true})
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, dtype)
}
