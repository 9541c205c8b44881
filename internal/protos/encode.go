package protos

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal serializes the model to the ONNX protobuf wire format.
//
// Zero-valued scalar fields are omitted, as proto3 does.
func Marshal(m *ModelProto) []byte {
	return m.appendTo(nil)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessageField(b []byte, num protowire.Number, encoded []byte) []byte {
	return appendBytesField(b, num, encoded)
}

func appendPackedVarints[T int32 | int64 | uint64](b []byte, num protowire.Number, values []T) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendBytesField(b, num, packed)
}

func appendPackedFloats(b []byte, num protowire.Number, values []float32) []byte {
	if len(values) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendBytesField(b, num, packed)
}

func appendPackedDoubles(b []byte, num protowire.Number, values []float64) []byte {
	if len(values) == 0 {
		return b
	}
	packed := make([]byte, 0, 8*len(values))
	for _, v := range values {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	return appendBytesField(b, num, packed)
}

func (m *ModelProto) appendTo(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(m.IrVersion))
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	b = appendVarintField(b, 5, uint64(m.ModelVersion))
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessageField(b, 7, m.Graph.appendTo(nil))
	}
	for _, opset := range m.OpsetImport {
		var encoded []byte
		encoded = appendStringField(encoded, 1, opset.Domain)
		encoded = appendVarintField(encoded, 2, uint64(opset.Version))
		b = appendMessageField(b, 8, encoded)
	}
	for _, entry := range m.MetadataProps {
		b = appendMessageField(b, 14, entry.appendTo(nil))
	}
	return b
}

func (e *StringStringEntryProto) appendTo(b []byte) []byte {
	b = appendStringField(b, 1, e.Key)
	return appendStringField(b, 2, e.Value)
}

func (g *GraphProto) appendTo(b []byte) []byte {
	for _, node := range g.Node {
		b = appendMessageField(b, 1, node.appendTo(nil))
	}
	b = appendStringField(b, 2, g.Name)
	for _, tensor := range g.Initializer {
		b = appendMessageField(b, 5, tensor.appendTo(nil))
	}
	b = appendStringField(b, 10, g.DocString)
	for _, info := range g.Input {
		b = appendMessageField(b, 11, info.appendTo(nil))
	}
	for _, info := range g.Output {
		b = appendMessageField(b, 12, info.appendTo(nil))
	}
	for _, info := range g.ValueInfo {
		b = appendMessageField(b, 13, info.appendTo(nil))
	}
	return b
}

func (node *NodeProto) appendTo(b []byte) []byte {
	// Inputs and outputs keep empty names: they mark omitted optional inputs.
	for _, input := range node.Input {
		b = appendBytesField(b, 1, []byte(input))
	}
	for _, output := range node.Output {
		b = appendBytesField(b, 2, []byte(output))
	}
	b = appendStringField(b, 3, node.Name)
	b = appendStringField(b, 4, node.OpType)
	for _, attr := range node.Attribute {
		b = appendMessageField(b, 5, attr.appendTo(nil))
	}
	b = appendStringField(b, 6, node.DocString)
	return appendStringField(b, 7, node.Domain)
}

func (attr *AttributeProto) appendTo(b []byte) []byte {
	b = appendStringField(b, 1, attr.Name)
	if attr.F != 0 {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(attr.F))
	}
	b = appendVarintField(b, 3, uint64(attr.I))
	if attr.S != nil {
		b = appendBytesField(b, 4, attr.S)
	}
	if attr.T != nil {
		b = appendMessageField(b, 5, attr.T.appendTo(nil))
	}
	b = appendPackedFloats(b, 7, attr.Floats)
	b = appendPackedVarints(b, 8, attr.Ints)
	for _, s := range attr.Strings {
		b = appendBytesField(b, 9, s)
	}
	for _, tensor := range attr.Tensors {
		b = appendMessageField(b, 10, tensor.appendTo(nil))
	}
	return appendVarintField(b, 20, uint64(attr.Type))
}

func (t *TensorProto) appendTo(b []byte) []byte {
	b = appendPackedVarints(b, 1, t.Dims)
	b = appendVarintField(b, 2, uint64(t.DataType))
	b = appendPackedFloats(b, 4, t.FloatData)
	b = appendPackedVarints(b, 5, t.Int32Data)
	for _, s := range t.StringData {
		b = appendBytesField(b, 6, s)
	}
	b = appendPackedVarints(b, 7, t.Int64Data)
	b = appendStringField(b, 8, t.Name)
	if t.RawData != nil {
		b = appendBytesField(b, 9, t.RawData)
	}
	b = appendPackedDoubles(b, 10, t.DoubleData)
	b = appendPackedVarints(b, 11, t.Uint64Data)
	for _, entry := range t.ExternalData {
		b = appendMessageField(b, 13, entry.appendTo(nil))
	}
	return appendVarintField(b, 14, uint64(t.DataLocation))
}

func (v *ValueInfoProto) appendTo(b []byte) []byte {
	b = appendStringField(b, 1, v.Name)
	if v.Type != nil {
		var typeBytes []byte
		if tt := v.Type.TensorType; tt != nil {
			var tensorType []byte
			tensorType = appendVarintField(tensorType, 1, uint64(tt.ElemType))
			if tt.Shape != nil {
				var shape []byte
				for _, dim := range tt.Shape.Dim {
					var dimBytes []byte
					dimBytes = appendVarintField(dimBytes, 1, uint64(dim.DimValue))
					dimBytes = appendStringField(dimBytes, 2, dim.DimParam)
					shape = appendMessageField(shape, 1, dimBytes)
				}
				tensorType = appendMessageField(tensorType, 2, shape)
			}
			typeBytes = appendMessageField(typeBytes, 1, tensorType)
		}
		b = appendMessageField(b, 2, typeBytes)
	}
	return appendStringField(b, 3, v.DocString)
}
