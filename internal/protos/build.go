package protos

import "fmt"

// Helpers to build models programmatically: used by tests, benchmarks and tools that synthesize small graphs.

// DefaultOpsetVersion is the opset version used by NewModel.
const DefaultOpsetVersion = 13

// NewModel wraps graph in a ModelProto importing the default ONNX domain at the given opset version.
func NewModel(graph *GraphProto, opsetVersion int64) *ModelProto {
	return &ModelProto{
		IrVersion:    8,
		ProducerName: "onnx-nhwc",
		Graph:        graph,
		OpsetImport:  []*OperatorSetIdProto{{Domain: "", Version: opsetVersion}},
	}
}

// Node creates a node. The node name is derived from the first output.
func Node(opType string, inputs, outputs []string, attrs ...*AttributeProto) *NodeProto {
	name := opType
	if len(outputs) > 0 {
		name = fmt.Sprintf("%s_%s", opType, outputs[0])
	}
	return &NodeProto{
		Name:      name,
		OpType:    opType,
		Input:     inputs,
		Output:    outputs,
		Attribute: attrs,
	}
}

func IntAttr(name string, value int) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_INT, I: int64(value)}
}

func IntsAttr(name string, values ...int) *AttributeProto {
	ints := make([]int64, len(values))
	for ii, v := range values {
		ints[ii] = int64(v)
	}
	return &AttributeProto{Name: name, Type: AttributeProto_INTS, Ints: ints}
}

func FloatAttr(name string, value float32) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_FLOAT, F: value}
}

func FloatsAttr(name string, values ...float32) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_FLOATS, Floats: values}
}

func StringAttr(name, value string) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_STRING, S: []byte(value)}
}

func TensorAttr(name string, tensor *TensorProto) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_TENSOR, T: tensor}
}

func toInt64s(dims []int) []int64 {
	out := make([]int64, len(dims))
	for ii, d := range dims {
		out[ii] = int64(d)
	}
	return out
}

// FloatTensor creates a float32 tensor, with the values stored in FloatData.
func FloatTensor(name string, dims []int, values []float32) *TensorProto {
	return &TensorProto{Name: name, Dims: toInt64s(dims), DataType: int32(TensorProto_FLOAT), FloatData: values}
}

// Int64Tensor creates an int64 tensor, with the values stored in Int64Data.
func Int64Tensor(name string, dims []int, values []int64) *TensorProto {
	return &TensorProto{Name: name, Dims: toInt64s(dims), DataType: int32(TensorProto_INT64), Int64Data: values}
}

// TensorValueInfo describes a tensor value. Each dimension is either an int (fixed) or a string (symbolic).
func TensorValueInfo(name string, elemType TensorProto_DataType, dims ...any) *ValueInfoProto {
	shape := &TensorShapeProto{}
	for _, dim := range dims {
		switch d := dim.(type) {
		case int:
			shape.Dim = append(shape.Dim, &TensorShapeProto_Dimension{DimValue: int64(d)})
		case string:
			shape.Dim = append(shape.Dim, &TensorShapeProto_Dimension{DimParam: d})
		default:
			panic(fmt.Sprintf("TensorValueInfo(%q): dimension %v of type %T not supported", name, dim, dim))
		}
	}
	return &ValueInfoProto{
		Name: name,
		Type: &TypeProto{TensorType: &TypeProto_Tensor{ElemType: int32(elemType), Shape: shape}},
	}
}
