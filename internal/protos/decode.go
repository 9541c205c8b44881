package protos

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Unmarshal parses the wire-format bytes of an ONNX ModelProto.
//
// Byte fields (raw tensor data) alias b: don't modify b while the model is in use.
func Unmarshal(b []byte, m *ModelProto) error {
	if err := decodeMessage(b, m.decodeField); err != nil {
		return errors.WithMessage(err, "failed to parse ONNX ModelProto")
	}
	return nil
}

// fieldDecoder consumes the value of field num (with wire type typ) from the start of b and returns the number of
// bytes consumed. Unknown fields must be skipped with skipField.
type fieldDecoder func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeMessage(b []byte, decode fieldDecoder) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "invalid field tag")
		}
		b = b[n:]
		n, err := decode(num, typ, b)
		if err != nil {
			return errors.WithMessagef(err, "field #%d", num)
		}
		b = b[n:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, errors.Wrap(protowire.ParseError(n), "invalid field value")
	}
	return n, nil
}

func checkWireType(typ, want protowire.Type) error {
	if typ != want {
		return errors.Errorf("wire type %d found where %d was expected", typ, want)
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if err := checkWireType(typ, protowire.VarintType); err != nil {
		return 0, 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if err := checkWireType(typ, protowire.BytesType); err != nil {
		return nil, 0, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}

func consumeInt64(typ protowire.Type, b []byte, dst *int64) (int, error) {
	v, n, err := consumeVarint(typ, b)
	*dst = int64(v)
	return n, err
}

func consumeInt32(typ protowire.Type, b []byte, dst *int32) (int, error) {
	v, n, err := consumeVarint(typ, b)
	*dst = int32(v)
	return n, err
}

func consumeFloat32(typ protowire.Type, b []byte, dst *float32) (int, error) {
	if err := checkWireType(typ, protowire.Fixed32Type); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = math.Float32frombits(v)
	return n, nil
}

// consumeMessage decodes an embedded message.
func consumeMessage(typ protowire.Type, b []byte, decode fieldDecoder) (int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	return n, decodeMessage(v, decode)
}

// consumeRepeatedVarints handles both packed and unpacked encodings of repeated varint fields.
func consumeRepeatedVarints(typ protowire.Type, b []byte, appendFn func(v uint64)) (int, error) {
	if typ == protowire.VarintType {
		v, n, err := consumeVarint(typ, b)
		if err == nil {
			appendFn(v)
		}
		return n, err
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		appendFn(v)
		packed = packed[m:]
	}
	return n, nil
}

// consumeRepeatedFixed32 handles both packed and unpacked encodings of repeated float fields.
func consumeRepeatedFixed32(typ protowire.Type, b []byte, appendFn func(v uint32)) (int, error) {
	if typ == protowire.Fixed32Type {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		appendFn(v)
		return n, nil
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	if len(packed)%4 != 0 {
		return 0, errors.Errorf("packed fixed32 field with %d bytes", len(packed))
	}
	for len(packed) > 0 {
		v, _ := protowire.ConsumeFixed32(packed)
		appendFn(v)
		packed = packed[4:]
	}
	return n, nil
}

// consumeRepeatedFixed64 handles both packed and unpacked encodings of repeated double fields.
func consumeRepeatedFixed64(typ protowire.Type, b []byte, appendFn func(v uint64)) (int, error) {
	if typ == protowire.Fixed64Type {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		appendFn(v)
		return n, nil
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	if len(packed)%8 != 0 {
		return 0, errors.Errorf("packed fixed64 field with %d bytes", len(packed))
	}
	for len(packed) > 0 {
		v, _ := protowire.ConsumeFixed64(packed)
		appendFn(v)
		packed = packed[8:]
	}
	return n, nil
}

func (m *ModelProto) decodeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeInt64(typ, b, &m.IrVersion)
	case 2:
		return consumeString(typ, b, &m.ProducerName)
	case 3:
		return consumeString(typ, b, &m.ProducerVersion)
	case 4:
		return consumeString(typ, b, &m.Domain)
	case 5:
		return consumeInt64(typ, b, &m.ModelVersion)
	case 6:
		return consumeString(typ, b, &m.DocString)
	case 7:
		m.Graph = &GraphProto{}
		n, err := consumeMessage(typ, b, m.Graph.decodeField)
		return n, errors.WithMessage(err, "graph")
	case 8:
		opset := &OperatorSetIdProto{}
		m.OpsetImport = append(m.OpsetImport, opset)
		return consumeMessage(typ, b, opset.decodeField)
	case 14:
		entry := &StringStringEntryProto{}
		m.MetadataProps = append(m.MetadataProps, entry)
		return consumeMessage(typ, b, entry.decodeField)
	}
	return skipField(num, typ, b)
}

func (o *OperatorSetIdProto) decodeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &o.Domain)
	case 2:
		return consumeInt64(typ, b, &o.Version)
	}
	return skipField(num, typ, b)
}

func (e *StringStringEntryProto) decodeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &e.Key)
	case 2:
		return consumeString(typ, b, &e.Value)
	}
	return skipField(num, typ, b)
}

func (g *GraphProto) decodeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		node := &NodeProto{}
		g.Node = append(g.Node, node)
		n, err := consumeMessage(typ, b, node.decodeField)
		return n, errors.WithMessagef(err, "node #%d", len(g.Node)-1)
	case 2:
		return consumeString(typ, b, &g.Name)
	case 5:
		tensor := &TensorProto{}
		g.Initializer = append(g.Initializer, tensor)
		n, err := consumeMessage(typ, b, tensor.decodeField)
		return n, errors.WithMessagef(err, "initializer #%d", len(g.Initializer)-1)
	case 10:
		return consumeString(typ, b, &g.DocString)
	case 11:
		info := &ValueInfoProto{}
		g.Input = append(g.Input, info)
		return consumeMessage(typ, b, info.decodeField)
	case 12:
		info := &ValueInfoProto{}
		g.Output = append(g.Output, info)
		return consumeMessage(typ, b, info.decodeField)
	case 13:
		info := &ValueInfoProto{}
		g.ValueInfo = append(g.ValueInfo, info)
		return consumeMessage(typ, b, info.decodeField)
	}
	return skipField(num, typ, b)
}

func (node *NodeProto) decodeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	var s string
	switch num {
	case 1:
		n, err := consumeString(typ, b, &s)
		node.Input = append(node.Input, s)
		return n, err
	case 2:
		n, err := consumeString(typ, b, &s)
		node.Output = append(node.Output, s)
		return n, err
	case 3:
		return consumeString(typ, b, &node.Name)
	case 4:
		return consumeString(typ, b, &node.OpType)
	case 5:
		attr := &AttributeProto{}
		node.Attribute = append(node.Attribute, attr)
		return consumeMessage(typ, b, attr.decodeField)
	case 6:
		return consumeString(typ, b, &node.DocString)
	case 7:
		return consumeString(typ, b, &node.Domain)
	}
	return skipField(num, typ, b)
}

func (attr *AttributeProto) decodeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &attr.Name)
	case 2:
		return consumeFloat32(typ, b, &attr.F)
	case 3:
		return consumeInt64(typ, b, &attr.I)
	case 4:
		v, n, err := consumeBytes(typ, b)
		attr.S = v
		return n, err
	case 5:
		attr.T = &TensorProto{}
		return consumeMessage(typ, b, attr.T.decodeField)
	case 7:
		return consumeRepeatedFixed32(typ, b, func(v uint32) { attr.Floats = append(attr.Floats, math.Float32frombits(v)) })
	case 8:
		return consumeRepeatedVarints(typ, b, func(v uint64) { attr.Ints = append(attr.Ints, int64(v)) })
	case 9:
		v, n, err := consumeBytes(typ, b)
		attr.Strings = append(attr.Strings, v)
		return n, err
	case 10:
		tensor := &TensorProto{}
		attr.Tensors = append(attr.Tensors, tensor)
		return consumeMessage(typ, b, tensor.decodeField)
	case 20:
		var v int32
		n, err := consumeInt32(typ, b, &v)
		attr.Type = AttributeProto_AttributeType(v)
		return n, err
	}
	return skipField(num, typ, b)
}

func (t *TensorProto) decodeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeRepeatedVarints(typ, b, func(v uint64) { t.Dims = append(t.Dims, int64(v)) })
	case 2:
		return consumeInt32(typ, b, &t.DataType)
	case 4:
		return consumeRepeatedFixed32(typ, b, func(v uint32) { t.FloatData = append(t.FloatData, math.Float32frombits(v)) })
	case 5:
		return consumeRepeatedVarints(typ, b, func(v uint64) { t.Int32Data = append(t.Int32Data, int32(v)) })
	case 6:
		v, n, err := consumeBytes(typ, b)
		t.StringData = append(t.StringData, v)
		return n, err
	case 7:
		return consumeRepeatedVarints(typ, b, func(v uint64) { t.Int64Data = append(t.Int64Data, int64(v)) })
	case 8:
		return consumeString(typ, b, &t.Name)
	case 9:
		v, n, err := consumeBytes(typ, b)
		t.RawData = v
		return n, err
	case 10:
		return consumeRepeatedFixed64(typ, b, func(v uint64) { t.DoubleData = append(t.DoubleData, math.Float64frombits(v)) })
	case 11:
		return consumeRepeatedVarints(typ, b, func(v uint64) { t.Uint64Data = append(t.Uint64Data, v) })
	case 13:
		entry := &StringStringEntryProto{}
		t.ExternalData = append(t.ExternalData, entry)
		return consumeMessage(typ, b, entry.decodeField)
	case 14:
		var v int32
		n, err := consumeInt32(typ, b, &v)
		t.DataLocation = TensorProto_DataLocation(v)
		return n, err
	}
	return skipField(num, typ, b)
}

func (v *ValueInfoProto) decodeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeString(typ, b, &v.Name)
	case 2:
		v.Type = &TypeProto{}
		return consumeMessage(typ, b, v.Type.decodeField)
	case 3:
		return consumeString(typ, b, &v.DocString)
	}
	return skipField(num, typ, b)
}

func (tp *TypeProto) decodeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		tp.TensorType = &TypeProto_Tensor{}
		return consumeMessage(typ, b, tp.TensorType.decodeField)
	}
	return skipField(num, typ, b)
}

func (tt *TypeProto_Tensor) decodeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeInt32(typ, b, &tt.ElemType)
	case 2:
		tt.Shape = &TensorShapeProto{}
		return consumeMessage(typ, b, tt.Shape.decodeField)
	}
	return skipField(num, typ, b)
}

func (s *TensorShapeProto) decodeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		dim := &TensorShapeProto_Dimension{}
		s.Dim = append(s.Dim, dim)
		return consumeMessage(typ, b, dim.decodeField)
	}
	return skipField(num, typ, b)
}

func (d *TensorShapeProto_Dimension) decodeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return consumeInt64(typ, b, &d.DimValue)
	case 2:
		return consumeString(typ, b, &d.DimParam)
	}
	return skipField(num, typ, b)
}
