package onnx

import (
	"fmt"
	"strings"

	"github.com/gomlx/onnx-nhwc/internal/protos"
	"github.com/pkg/errors"
)

// Errors returned (wrapped) by the conversion. Use errors.Is to test for them.
var (
	// ErrUnsupportedOperator is returned when a node's op_type has no converter.
	ErrUnsupportedOperator = errors.New("unsupported operator")

	// ErrUnsupportedOperatorConfiguration is returned when the operator is known, but the combination of
	// attributes and input shapes is not. The error message carries the op type, attributes and input shapes.
	ErrUnsupportedOperatorConfiguration = errors.New("unsupported operator configuration")

	// ErrUnsupportedLayoutConversion is returned when a tensor can't be converted to the requested layout.
	ErrUnsupportedLayoutConversion = errors.New("unsupported layout conversion")

	// ErrUndefinedTensor is returned when a node input or graph output names a tensor that was not defined
	// before: the graph is malformed or not topologically sorted.
	ErrUndefinedTensor = errors.New("undefined tensor")

	// ErrOutputArityMismatch is returned when a converter produces a different number of outputs than the node
	// declares.
	ErrOutputArityMismatch = errors.New("output arity mismatch")

	// ErrDuplicateTensor is returned when a tensor name is defined twice.
	ErrDuplicateTensor = errors.New("duplicate tensor name")

	// ErrLayoutConversionRefused is returned by FailOnConversion diagnostics.
	ErrLayoutConversionRefused = errors.New("layout conversion refused")
)

// ConfigurationError describes a recognized operator used with an unsupported configuration.
// It matches ErrUnsupportedOperatorConfiguration with errors.Is.
type ConfigurationError struct {
	OpType     string
	NodeName   string
	Attributes string
	Inputs     string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s node %q: %s (attributes: %s; inputs: %s)",
		ErrUnsupportedOperatorConfiguration, e.OpType, e.NodeName, e.Reason, e.Attributes, e.Inputs)
}

// Is implements errors.Is.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrUnsupportedOperatorConfiguration
}

// attributesToString renders the node attributes in a compact, reproducible form.
func attributesToString(node *protos.NodeProto) string {
	if len(node.Attribute) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(node.Attribute))
	for _, attr := range node.Attribute {
		parts = append(parts, fmt.Sprintf("%s=%s", attr.Name, attributeValueToString(attr)))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func attributeValueToString(attr *protos.AttributeProto) string {
	switch attr.Type {
	case protos.AttributeProto_FLOAT:
		return fmt.Sprintf("%g", attr.F)
	case protos.AttributeProto_INT:
		return fmt.Sprintf("%d", attr.I)
	case protos.AttributeProto_STRING:
		return fmt.Sprintf("%q", attr.S)
	case protos.AttributeProto_FLOATS:
		return fmt.Sprintf("%v", attr.Floats)
	case protos.AttributeProto_INTS:
		return fmt.Sprintf("%v", attr.Ints)
	case protos.AttributeProto_STRINGS:
		values := make([]string, len(attr.Strings))
		for ii, s := range attr.Strings {
			values[ii] = string(s)
		}
		return fmt.Sprintf("%q", values)
	case protos.AttributeProto_TENSOR:
		if attr.T == nil {
			return "tensor(nil)"
		}
		return fmt.Sprintf("tensor(%s%v)", protos.TensorProto_DataType(attr.T.DataType), attr.T.Dims)
	}
	return fmt.Sprintf("<%s>", attr.Type)
}
