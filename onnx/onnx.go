// Package onnx converts ONNX models (channels-first, NCHW) to GoMLX graphs that run on channels-last (NHWC) data.
//
//   - Parse: converts a serialized ONNX ModelProto to a Model.
//   - ReadFile: reads a file and calls Parse. External tensor data is resolved relative to the file.
//   - FromProto: wraps an already built ModelProto.
//   - Model.Translate: builds the GoMLX graph, loading the weights as variables of a context, and returns a
//     Translated model that can be executed on NHWC inputs.
//   - Model.CallGraph: builds the converted graph into a given GoMLX graph, for use in larger models.
//
// Each tensor is tracked with its Layout while converting. Image primitives (convolutions, pooling, resizing) run
// in ChannelLast, and the converter only inserts transposes where an operator can't be expressed in the current
// layout. Every such transpose is reported to a Diagnostics sink.
package onnx

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/onnx-nhwc/internal/protos"
	"github.com/gomlx/onnx-nhwc/internal/togomlx"
	"github.com/pkg/errors"
)

// Model represents a parsed ONNX file.
type Model struct {
	Proto protos.ModelProto

	// InputsNames are the graph inputs that are not initializers, in order.
	InputsNames []string

	// OutputsNames are the graph outputs, in order.
	OutputsNames []string

	// InputsDTypes and InputsDims describe the InputsNames as declared by the model, in the source (NCHW) order.
	// Unbound dimensions are set to -1, and their names are in InputsDimNames.
	InputsDTypes   []dtypes.DType
	InputsDims     [][]int
	InputsDimNames [][]string

	initializersNames sets.Set[string]

	// baseDir is where external data files are looked for.
	baseDir      string
	externalData *ExternalDataReader

	mu           sync.Mutex
	initializers map[string]*tensors.Tensor
}

// Parse parses an ONNX model into an internal representation that can be used to build a GoMLX graph.
func Parse(contents []byte) (*Model, error) {
	m := &Model{}
	err := protos.Unmarshal(contents, &m.Proto)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse ONNX model proto")
	}
	if err = m.initialize(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadFile parses an ONNX model file into an internal representation that can be used to build a GoMLX graph.
// Initializers stored in external files are read (memory-mapped) from the model's directory.
func ReadFile(filePath string) (*Model, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model file in %s", filePath)
	}
	m, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing %s", filePath)
	}
	m.baseDir = filepath.Dir(filePath)
	return m, nil
}

// FromProto creates a Model from a ModelProto built programmatically. The proto is copied (shallowly).
func FromProto(proto *protos.ModelProto) (*Model, error) {
	m := &Model{Proto: *proto}
	if err := m.initialize(); err != nil {
		return nil, err
	}
	return m, nil
}

// WithBaseDir sets the directory used to resolve initializers stored as external data.
// ReadFile sets it to the directory of the model file.
func (m *Model) WithBaseDir(dir string) *Model {
	_ = m.Close()
	m.baseDir = dir
	return m
}

// Close releases the memory-mapped external data files, if any were opened.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.externalData == nil {
		return nil
	}
	err := m.externalData.Close()
	m.externalData = nil
	return err
}

// initialize checks the parts of the model that are not supported and collects the inputs/outputs information.
func (m *Model) initialize() error {
	graph := m.Proto.Graph
	if graph == nil {
		return errors.New("ONNX model has no graph")
	}
	for _, opset := range m.Proto.OpsetImport {
		if !isDefaultDomain(opset.Domain) {
			continue
		}
		if opset.Version > 0 && opset.Version < 7 {
			return errors.Errorf("ONNX opset version %d not supported, it must be 7 or later", opset.Version)
		}
	}

	m.initializersNames = sets.Make[string](len(graph.Initializer))
	for _, init := range graph.Initializer {
		if m.initializersNames.Has(init.Name) {
			return errors.Wrapf(ErrDuplicateTensor, "initializer %q", init.Name)
		}
		m.initializersNames.Insert(init.Name)
	}

	for _, input := range graph.Input {
		// Older models (IR < 4) list the initializers as inputs too.
		if m.initializersNames.Has(input.Name) {
			continue
		}
		tensorType := input.GetTensorType()
		if tensorType == nil {
			return errors.Errorf("ONNX input %q is not a tensor, not supported", input.Name)
		}
		dtype, err := togomlx.DType(protos.TensorProto_DataType(tensorType.ElemType))
		if err != nil {
			return errors.WithMessagef(err, "while parsing ONNX input %q", input.Name)
		}
		var dims []int
		var dimNames []string
		if tensorType.Shape != nil {
			dims = make([]int, len(tensorType.Shape.Dim))
			dimNames = make([]string, len(tensorType.Shape.Dim))
			for axis, dim := range tensorType.Shape.Dim {
				if dim.IsBound() {
					dims[axis] = int(dim.DimValue)
				} else {
					dims[axis] = -1
					dimNames[axis] = dim.DimParam
				}
			}
		}
		m.InputsNames = append(m.InputsNames, input.Name)
		m.InputsDTypes = append(m.InputsDTypes, dtype)
		m.InputsDims = append(m.InputsDims, dims)
		m.InputsDimNames = append(m.InputsDimNames, dimNames)
	}
	for _, output := range graph.Output {
		m.OutputsNames = append(m.OutputsNames, output.Name)
	}
	return nil
}

// OpsetVersion returns the version of the default ONNX operator set imported by the model.
// It returns 0 if it is not declared.
func (m *Model) OpsetVersion() int {
	for _, opset := range m.Proto.OpsetImport {
		if isDefaultDomain(opset.Domain) {
			return int(opset.Version)
		}
	}
	return 0
}

// NumInitializers returns the number of initializer tensors (weights and constants) in the model.
func (m *Model) NumInitializers() int {
	return len(m.Proto.Graph.Initializer)
}

func isDefaultDomain(domain string) bool {
	return domain == "" || domain == "ai.onnx"
}
