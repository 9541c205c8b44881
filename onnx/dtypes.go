package onnx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
)

// DTypePromotionConfig controls how dtype mismatches of binary operators are handled during ONNX conversion.
type DTypePromotionConfig struct {
	// AllowPromotion enables automatic dtype promotion. If false (default),
	// dtype mismatches panic, as ONNX requires matching operand types.
	AllowPromotion bool

	// PrioritizeFloat16 prefers Float16 over Float32 when promoting.
	// Only applies when AllowPromotion is true.
	PrioritizeFloat16 bool
}

// promoteToCommonDType converts two nodes to a common dtype based on type promotion rules.
// Panics if promotion is not allowed (config.AllowPromotion=false) and dtypes mismatch.
//
// Scalar constants of a different dtype (typically the Python literals in exported models) are always
// converted to the dtype of the other operand.
func promoteToCommonDType(lhs, rhs *Node, config DTypePromotionConfig) (*Node, *Node) {
	lhsDType := lhs.DType()
	rhsDType := rhs.DType()
	if lhsDType == rhsDType {
		return lhs, rhs
	}
	if rhs.IsScalar() && rhs.Type() == NodeTypeConstant {
		return lhs, ConvertDType(rhs, lhsDType)
	}
	if lhs.IsScalar() && lhs.Type() == NodeTypeConstant {
		return ConvertDType(lhs, rhsDType), rhs
	}

	if !config.AllowPromotion {
		exceptions.Panicf("dtype mismatch: %v vs %v (ONNX does not allow implicit casting; use WithDTypePromotion to enable)", lhsDType, rhsDType)
	}

	targetDType := promotedDType(lhsDType, rhsDType, config.PrioritizeFloat16)
	if lhsDType != targetDType {
		lhs = ConvertDType(lhs, targetDType)
	}
	if rhsDType != targetDType {
		rhs = ConvertDType(rhs, targetDType)
	}
	return lhs, rhs
}

// promotedDType picks the dtype two mismatched operands are converted to: floats win over integers
// (e.g. uint8 pixels combined with float32 weights) and signed integers over unsigned ones and booleans.
// Within the same kind the wider dtype wins, and Float16 wins over Float32 if preferFloat16 is set.
func promotedDType(lhs, rhs dtypes.DType, preferFloat16 bool) dtypes.DType {
	if preferFloat16 && lhs.IsFloat() && rhs.IsFloat() {
		if lhs == dtypes.Float16 && rhs == dtypes.Float32 || lhs == dtypes.Float32 && rhs == dtypes.Float16 {
			return dtypes.Float16
		}
	}
	lhsKind, rhsKind := dtypeKind(lhs), dtypeKind(rhs)
	if lhsKind != rhsKind {
		if rhsKind > lhsKind {
			return rhs
		}
		return lhs
	}
	if rhs.Bits() > lhs.Bits() {
		return rhs
	}
	return lhs
}

func dtypeKind(dtype dtypes.DType) int {
	switch {
	case dtype.IsFloat():
		return 3
	case dtype.IsInt() && !dtype.IsUnsigned():
		return 2
	case dtype.IsUnsigned():
		return 1
	default:
		return 0
	}
}
