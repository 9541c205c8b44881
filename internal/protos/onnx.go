// Package protos holds the subset of the ONNX protobuf messages used by the converter, along with a wire-format
// reader (Unmarshal) and writer (Marshal).
//
// Field names follow the ones protoc-gen-go would generate for onnx.proto, so code reads the same as with the
// generated package. Only the fields needed to translate inference graphs are kept: anything else in the wire
// data is skipped.
package protos

import "fmt"

// TensorProto_DataType enumerates the ONNX element types.
type TensorProto_DataType int32

const (
	TensorProto_UNDEFINED  TensorProto_DataType = 0
	TensorProto_FLOAT      TensorProto_DataType = 1
	TensorProto_UINT8      TensorProto_DataType = 2
	TensorProto_INT8       TensorProto_DataType = 3
	TensorProto_UINT16     TensorProto_DataType = 4
	TensorProto_INT16      TensorProto_DataType = 5
	TensorProto_INT32      TensorProto_DataType = 6
	TensorProto_INT64      TensorProto_DataType = 7
	TensorProto_STRING     TensorProto_DataType = 8
	TensorProto_BOOL       TensorProto_DataType = 9
	TensorProto_FLOAT16    TensorProto_DataType = 10
	TensorProto_DOUBLE     TensorProto_DataType = 11
	TensorProto_UINT32     TensorProto_DataType = 12
	TensorProto_UINT64     TensorProto_DataType = 13
	TensorProto_COMPLEX64  TensorProto_DataType = 14
	TensorProto_COMPLEX128 TensorProto_DataType = 15
	TensorProto_BFLOAT16   TensorProto_DataType = 16
)

var dataTypeNames = map[TensorProto_DataType]string{
	TensorProto_UNDEFINED:  "UNDEFINED",
	TensorProto_FLOAT:      "FLOAT",
	TensorProto_UINT8:      "UINT8",
	TensorProto_INT8:       "INT8",
	TensorProto_UINT16:     "UINT16",
	TensorProto_INT16:      "INT16",
	TensorProto_INT32:      "INT32",
	TensorProto_INT64:      "INT64",
	TensorProto_STRING:     "STRING",
	TensorProto_BOOL:       "BOOL",
	TensorProto_FLOAT16:    "FLOAT16",
	TensorProto_DOUBLE:     "DOUBLE",
	TensorProto_UINT32:     "UINT32",
	TensorProto_UINT64:     "UINT64",
	TensorProto_COMPLEX64:  "COMPLEX64",
	TensorProto_COMPLEX128: "COMPLEX128",
	TensorProto_BFLOAT16:   "BFLOAT16",
}

func (t TensorProto_DataType) String() string {
	if name, found := dataTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int32(t))
}

// TensorProto_DataLocation tells whether a tensor's data is stored in the model or in an external file.
type TensorProto_DataLocation int32

const (
	TensorProto_DEFAULT  TensorProto_DataLocation = 0
	TensorProto_EXTERNAL TensorProto_DataLocation = 1
)

// AttributeProto_AttributeType enumerates the types an attribute value can take.
type AttributeProto_AttributeType int32

const (
	AttributeProto_UNDEFINED AttributeProto_AttributeType = 0
	AttributeProto_FLOAT     AttributeProto_AttributeType = 1
	AttributeProto_INT       AttributeProto_AttributeType = 2
	AttributeProto_STRING    AttributeProto_AttributeType = 3
	AttributeProto_TENSOR    AttributeProto_AttributeType = 4
	AttributeProto_GRAPH     AttributeProto_AttributeType = 5
	AttributeProto_FLOATS    AttributeProto_AttributeType = 6
	AttributeProto_INTS      AttributeProto_AttributeType = 7
	AttributeProto_STRINGS   AttributeProto_AttributeType = 8
	AttributeProto_TENSORS   AttributeProto_AttributeType = 9
	AttributeProto_GRAPHS    AttributeProto_AttributeType = 10
)

var attributeTypeNames = map[AttributeProto_AttributeType]string{
	AttributeProto_UNDEFINED: "UNDEFINED",
	AttributeProto_FLOAT:     "FLOAT",
	AttributeProto_INT:       "INT",
	AttributeProto_STRING:    "STRING",
	AttributeProto_TENSOR:    "TENSOR",
	AttributeProto_GRAPH:     "GRAPH",
	AttributeProto_FLOATS:    "FLOATS",
	AttributeProto_INTS:      "INTS",
	AttributeProto_STRINGS:   "STRINGS",
	AttributeProto_TENSORS:   "TENSORS",
	AttributeProto_GRAPHS:    "GRAPHS",
}

func (t AttributeProto_AttributeType) String() string {
	if name, found := attributeTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("AttributeType(%d)", int32(t))
}

// ModelProto is the top-level ONNX message.
type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetImport     []*OperatorSetIdProto
	MetadataProps   []*StringStringEntryProto
}

// OperatorSetIdProto identifies an operator set (domain and version) imported by the model.
type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

// StringStringEntryProto is a key/value pair.
type StringStringEntryProto struct {
	Key   string
	Value string
}

// GraphProto holds the nodes, in topological order, and the named values connecting them.
type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
	ValueInfo   []*ValueInfoProto
}

// NodeProto is one operator call.
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
	DocString string
	Domain    string
}

// AttributeProto is a named, typed attribute of a node.
type AttributeProto struct {
	Name    string
	Type    AttributeProto_AttributeType
	F       float32
	I       int64
	S       []byte
	T       *TensorProto
	Floats  []float32
	Ints    []int64
	Strings [][]byte
	Tensors []*TensorProto
}

// TensorProto is a serialized tensor: initializers, constant attributes.
type TensorProto struct {
	Dims         []int64
	DataType     int32
	FloatData    []float32
	Int32Data    []int32
	StringData   [][]byte
	Int64Data    []int64
	Name         string
	RawData      []byte
	DoubleData   []float64
	Uint64Data   []uint64
	ExternalData []*StringStringEntryProto
	DataLocation TensorProto_DataLocation
}

// ValueInfoProto describes a named value of the graph: its element type and shape.
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

// TypeProto is the type of a value. Only tensor types are supported.
type TypeProto struct {
	TensorType *TypeProto_Tensor
}

// TypeProto_Tensor is the element type and shape of a tensor value.
type TypeProto_Tensor struct {
	ElemType int32
	Shape    *TensorShapeProto
}

// TensorShapeProto is a list of dimensions, each either a fixed value or a symbolic name.
type TensorShapeProto struct {
	Dim []*TensorShapeProto_Dimension
}

// TensorShapeProto_Dimension is either a DimValue or, when unbound, a DimParam name.
// A dimension with neither set is unknown.
type TensorShapeProto_Dimension struct {
	DimValue int64
	DimParam string
}

// IsBound returns whether the dimension has a fixed value.
func (d *TensorShapeProto_Dimension) IsBound() bool {
	return d != nil && d.DimParam == "" && d.DimValue > 0
}

// GetTensorType returns the tensor type of the value, or nil if it's not a tensor.
func (v *ValueInfoProto) GetTensorType() *TypeProto_Tensor {
	if v == nil || v.Type == nil {
		return nil
	}
	return v.Type.TensorType
}
