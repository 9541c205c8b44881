package onnx

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/onnx-nhwc/internal/protos"
	"github.com/pkg/errors"
)

// converterFn converts one ONNX node given its resolved inputs (nil for optional inputs not given).
// It returns one Value per declared output (nil for optional outputs not produced).
//
// Converters panic on errors: see nodeContext.configErrorf.
type converterFn func(nc *nodeContext, inputs []*Value) []*Value

// converters is the dispatch table, keyed by the lower-cased ONNX op_type.
var converters map[string]converterFn

func init() {
	converters = map[string]converterFn{
		// Convolutions and resizing.
		"conv":          convertConv,
		"convtranspose": convertConvTranspose,
		"resize":        convertResize,
		"upsample":      convertUpsample,

		// Elementwise.
		"add":       convertBinary(binaryAdd),
		"sub":       convertBinary(binarySub),
		"mul":       convertBinary(binaryMul),
		"div":       convertBinary(binaryDiv),
		"equal":     convertBinary(binaryEqual),
		"sqrt":      unarySqrt,
		"abs":       unaryAbs,
		"neg":       unaryNeg,
		"exp":       unaryExp,
		"floor":     unaryFloor,
		"relu":      unaryRelu,
		"sigmoid":   unarySigmoid,
		"leakyrelu": convertLeakyRelu,
		"clip":      convertClip,
		"softmax":   convertSoftmax,
		"prelu":     convertPRelu,

		// Normalization and dense layers.
		"batchnormalization": convertBatchNormalization,
		"gemm":               convertGemm,
		"matmul":             convertMatMul,

		// Pooling and reductions.
		"maxpool":           convertMaxPool,
		"averagepool":       convertAveragePool,
		"globalaveragepool": convertGlobalAveragePool,
		"reducemean":        convertReduceMean,
		"reducemax":         convertReduceMax,
		"reducesum":         convertReduceSum,

		// Shape manipulation.
		"concat":    convertConcat,
		"expand":    convertExpand,
		"gather":    convertGather,
		"cast":      convertCast,
		"shape":     convertShape,
		"reshape":   convertReshape,
		"flatten":   convertFlatten,
		"slice":     convertSlice,
		"split":     convertSplit,
		"transpose": convertTranspose,
		"unsqueeze": convertUnsqueeze,
		"pad":       convertPad,
		"constant":  convertConstant,
	}
}

// lookupConverter returns the converter for the node's operator.
// Operators of domains other than the default ONNX one are not supported.
func lookupConverter(node *protos.NodeProto) (converterFn, error) {
	if !isDefaultDomain(node.Domain) {
		return nil, errors.Wrapf(ErrUnsupportedOperator, "operator %q of domain %q", node.OpType, node.Domain)
	}
	converter, found := converters[strings.ToLower(node.OpType)]
	if !found {
		return nil, errors.Wrapf(ErrUnsupportedOperator, "operator %q", node.OpType)
	}
	return converter, nil
}

// SupportedOperators returns the (lower-cased) names of the ONNX operators that can be converted, sorted.
func SupportedOperators() []string {
	return xslices.SortedKeys(converters)
}
