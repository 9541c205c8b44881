package onnx

import (
	"io"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx-nhwc/internal/protos"
	"github.com/gomlx/onnx-nhwc/internal/togomlx"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// ExternalDataReader memory-maps the files holding initializers stored outside the model (the ONNX
// "external data" format). Mappings are cached by file, since most models store all tensors in one file.
type ExternalDataReader struct {
	baseDir  string
	mappings map[string]*mmap.ReaderAt
	mu       sync.Mutex
}

// externalDataInfo is the location of one tensor's data, parsed from TensorProto.ExternalData.
type externalDataInfo struct {
	location       string
	offset, length int64
}

// NewExternalDataReader creates a reader resolving file names relative to baseDir.
func NewExternalDataReader(baseDir string) *ExternalDataReader {
	return &ExternalDataReader{
		baseDir:  baseDir,
		mappings: make(map[string]*mmap.ReaderAt),
	}
}

func parseExternalDataInfo(proto *protos.TensorProto) (*externalDataInfo, error) {
	info := &externalDataInfo{}
	for _, entry := range proto.ExternalData {
		var err error
		switch entry.Key {
		case "location":
			info.location = entry.Value
		case "offset":
			info.offset, err = strconv.ParseInt(entry.Value, 10, 64)
		case "length":
			info.length, err = strconv.ParseInt(entry.Value, 10, 64)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "tensor %q has invalid external data %s=%q", proto.Name, entry.Key, entry.Value)
		}
	}
	if info.location == "" {
		return nil, errors.Errorf("tensor %q has external data without a location", proto.Name)
	}
	if filepath.IsAbs(info.location) {
		return nil, errors.Errorf("tensor %q has external data with an absolute location %q", proto.Name, info.location)
	}
	return info, nil
}

func (r *ExternalDataReader) mapping(location string) (*mmap.ReaderAt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reader, ok := r.mappings[location]; ok {
		return reader, nil
	}
	externalPath := filepath.Join(r.baseDir, location)
	reader, err := mmap.Open(externalPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap external data file %q", externalPath)
	}
	r.mappings[location] = reader
	return reader, nil
}

// Tensor reads the data of a tensor stored externally.
func (r *ExternalDataReader) Tensor(proto *protos.TensorProto) (*tensors.Tensor, error) {
	if r.baseDir == "" {
		return nil, errors.Errorf("tensor %q uses external data, but the model directory is not known: use ReadFile or Model.WithBaseDir",
			proto.Name)
	}
	info, err := parseExternalDataInfo(proto)
	if err != nil {
		return nil, err
	}
	shape, err := togomlx.Shape(proto)
	if err != nil {
		return nil, err
	}
	reader, err := r.mapping(info.location)
	if err != nil {
		return nil, err
	}

	t := tensors.FromShape(shape)
	if t.Size() == 0 {
		return t, nil
	}
	var readErr error
	err = t.MutableBytes(func(dst []byte) {
		if info.length > 0 && info.length != int64(len(dst)) {
			readErr = errors.Errorf("tensor %q shaped %s uses %d bytes, but external data length is %d",
				proto.Name, shape, len(dst), info.length)
			return
		}
		n, err := reader.ReadAt(dst, info.offset)
		if err != nil && err != io.EOF {
			readErr = errors.Wrapf(err, "failed to read %d bytes at offset %d from external data file %q",
				len(dst), info.offset, info.location)
			return
		}
		if n != len(dst) {
			readErr = errors.Errorf("read %d bytes but expected %d from external data file %q", n, len(dst), info.location)
		}
	})
	if err == nil {
		err = readErr
	}
	if err != nil {
		_ = t.FinalizeAll()
		return nil, err
	}
	return t, nil
}

// Close unmaps all files. The reader can't be used afterward.
func (r *ExternalDataReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for location, reader := range r.mappings {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close mmap for %q", location)
		}
	}
	r.mappings = nil
	return firstErr
}

// initializerTensor converts an initializer to a tensor, reading external data if needed.
// Tensors are converted once and cached, since the graph is rebuilt for each new input shape.
func (m *Model) initializerTensor(proto *protos.TensorProto) (*tensors.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, found := m.initializers[proto.Name]; found {
		return t, nil
	}
	var t *tensors.Tensor
	var err error
	if togomlx.IsExternal(proto) {
		if m.externalData == nil {
			m.externalData = NewExternalDataReader(m.baseDir)
		}
		t, err = m.externalData.Tensor(proto)
	} else {
		t, err = togomlx.Tensor(proto)
	}
	if err != nil {
		return nil, err
	}
	if m.initializers == nil {
		m.initializers = make(map[string]*tensors.Tensor)
	}
	m.initializers[proto.Name] = t
	return t, nil
}
