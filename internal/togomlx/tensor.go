// Package togomlx contains several conversion utilities from ONNX and GoMLX.
package togomlx

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-nhwc/internal/protos"
	"github.com/pkg/errors"
)

// DType converts an ONNX element type code to a GoMLX data type.
//
// This is also the table used by the Cast operator, whose "to" attribute is an ONNX type code.
func DType(onnxDType protos.TensorProto_DataType) (dtypes.DType, error) {
	switch onnxDType {
	case protos.TensorProto_FLOAT:
		return dtypes.Float32, nil
	case protos.TensorProto_FLOAT16:
		return dtypes.Float16, nil
	case protos.TensorProto_BFLOAT16:
		return dtypes.BFloat16, nil
	case protos.TensorProto_DOUBLE:
		return dtypes.Float64, nil
	case protos.TensorProto_INT32:
		return dtypes.Int32, nil
	case protos.TensorProto_INT64:
		return dtypes.Int64, nil
	case protos.TensorProto_UINT8:
		return dtypes.Uint8, nil
	case protos.TensorProto_INT8:
		return dtypes.Int8, nil
	case protos.TensorProto_INT16:
		return dtypes.Int16, nil
	case protos.TensorProto_UINT16:
		return dtypes.Uint16, nil
	case protos.TensorProto_UINT32:
		return dtypes.Uint32, nil
	case protos.TensorProto_UINT64:
		return dtypes.Uint64, nil
	case protos.TensorProto_BOOL:
		return dtypes.Bool, nil
	case protos.TensorProto_COMPLEX64:
		return dtypes.Complex64, nil
	case protos.TensorProto_COMPLEX128:
		return dtypes.Complex128, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown ONNX data type %s", onnxDType)
	}
}

// Shape converts an ONNX data type and shape to GoMLX shapes.Shape (it includes the dtype).
func Shape(proto *protos.TensorProto) (shape shapes.Shape, err error) {
	if proto == nil {
		err = errors.New("ONNX TensorProto is nil")
		return
	}
	shape.DType, err = DType(protos.TensorProto_DataType(proto.DataType))
	if err != nil {
		return
	}
	shape.Dimensions = make([]int, len(proto.Dims))
	for axis, dim := range proto.Dims {
		if dim < 0 {
			err = errors.Errorf("tensor %q has negative dimension %d in axis %d", proto.Name, dim, axis)
			return
		}
		shape.Dimensions[axis] = int(dim)
	}
	return
}

// IsExternal returns whether the tensor data is stored outside the model file.
func IsExternal(proto *protos.TensorProto) bool {
	return proto.DataLocation == protos.TensorProto_EXTERNAL
}

// checkAndCreateTensor implements the generic check and copy of the ONNX proto data to a tensor for the supported
// data type.
func checkAndCreateTensor[T interface {
	float32 | float64 | int32 | int64 | uint64
}](proto *protos.TensorProto, onnxData []T, shape shapes.Shape) (*tensors.Tensor, error) {
	if onnxData == nil {
		// Not this type of data.
		return nil, nil
	}
	if len(onnxData) != shape.Size() {
		return nil, errors.Errorf("tensor %q shaped %s has size %d, but ONNX model provided a slice with %d values",
			proto.Name, shape, shape.Size(), len(onnxData))
	}
	if shape.DType == dtypes.FromGenericsType[T]() {
		return tensors.FromFlatDataAndDimensions[T](onnxData, shape.Dimensions...), nil
	}
	// ONNX stores the smaller integer types (and bool) in Int32Data.
	t := tensors.FromShape(shape)
	var convErr error
	err := t.MutableFlatData(func(flat any) {
		convErr = convertFlat(flat, onnxData)
	})
	if err == nil {
		err = convErr
	}
	if err != nil {
		_ = t.FinalizeAll()
		return nil, errors.WithMessagef(err, "tensor %q shaped %s provided data as %T", proto.Name, shape, onnxData)
	}
	return t, nil
}

func convertFlat[T float32 | float64 | int32 | int64 | uint64](flat any, src []T) error {
	switch dst := flat.(type) {
	case []int8:
		for ii, v := range src {
			dst[ii] = int8(v)
		}
	case []int16:
		for ii, v := range src {
			dst[ii] = int16(v)
		}
	case []uint8:
		for ii, v := range src {
			dst[ii] = uint8(v)
		}
	case []uint16:
		for ii, v := range src {
			dst[ii] = uint16(v)
		}
	case []uint32:
		for ii, v := range src {
			dst[ii] = uint32(v)
		}
	case []bool:
		for ii, v := range src {
			dst[ii] = v != 0
		}
	default:
		return errors.Errorf("cannot convert ONNX values to %T", flat)
	}
	return nil
}

// Tensor converts a protos.TensorProto object to a tensors.Tensor object, handling errors and different data types.
//
// Tensors with external data are not handled here: see IsExternal.
func Tensor(proto *protos.TensorProto) (t *tensors.Tensor, err error) {
	var shape shapes.Shape
	shape, err = Shape(proto)
	if err != nil {
		err = errors.WithMessagef(err, "while parsing tensor %q", proto.Name)
		return
	}
	if IsExternal(proto) {
		return nil, errors.Errorf("tensor %q has external data, it must be loaded with an external data reader", proto.Name)
	}

	// If data is provided as RawData: check that the size of the data is the same used in GoMLX.
	if proto.RawData != nil {
		t = tensors.FromShape(shape)
		var sizeErr error
		err = t.MutableBytes(func(data []byte) {
			if len(data) != len(proto.RawData) {
				sizeErr = errors.Errorf("tensor %q shaped %s uses %d bytes, but ONNX model provided %d bytes of raw-data",
					proto.Name, shape, len(data), len(proto.RawData))
			} else {
				copy(data, proto.RawData)
			}
		})
		if err == nil {
			err = sizeErr
		}
		if err != nil {
			_ = t.FinalizeAll()
			return nil, err
		}
		return
	}

	// Tries to convert to each data type.
	t, err = checkAndCreateTensor(proto, proto.FloatData, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.DoubleData, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.Int32Data, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.Int64Data, shape)
	if t != nil || err != nil {
		return
	}
	t, err = checkAndCreateTensor(proto, proto.Uint64Data, shape)
	if t != nil || err != nil {
		return
	}
	if shape.Size() == 0 {
		return tensors.FromShape(shape), nil
	}
	// Unknown tensor data type.
	return nil, errors.Errorf("tensor %q shaped %s has no supported format of data in the ONNX model", proto.Name, shape)
}
