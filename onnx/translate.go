package onnx

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"
)

// translateConfig holds the options of Model.Translate.
type translateConfig struct {
	diagnostics Diagnostics
	batchSize   int
	promotion   DTypePromotionConfig
	scope       string
}

// TranslateOption configures Model.Translate.
type TranslateOption func(config *translateConfig)

// WithDiagnostics sets the sink of the layout conversion events. The default is KlogDiagnostics.
// Use FailOnConversion to make any transpose beyond the model inputs an error.
func WithDiagnostics(diag Diagnostics) TranslateOption {
	return func(config *translateConfig) { config.diagnostics = diag }
}

// WithBatchSize sets the batch size used to validate the model during Translate, for inputs whose batch
// dimension is not bound. The default is 1.
func WithBatchSize(batchSize int) TranslateOption {
	return func(config *translateConfig) { config.batchSize = batchSize }
}

// WithDTypePromotion configures automatic dtype promotion of binary operators.
func WithDTypePromotion(promotion DTypePromotionConfig) TranslateOption {
	return func(config *translateConfig) { config.promotion = promotion }
}

// WithScope sets the context scope where the model variables are stored. The default is ModelScope.
func WithScope(scope string) TranslateOption {
	return func(config *translateConfig) { config.scope = scope }
}

// Translated is a converted model, ready to run on channels-last (NHWC) inputs.
//
// Its weights are the variables stored in the context given to Model.Translate. It is safe for concurrent
// use: graphs are compiled (and cached) for each new combination of input shapes.
type Translated struct {
	model  *Model
	config translateConfig

	// inputDims are the expected dimensions of the inputs as fed to Exec: ChannelLast for rank-4 inputs.
	// Unbound dimensions are -1.
	inputDims     [][]int
	inputShapes   []shapes.Shape
	outputLayouts []Layout
	outputShapes  []shapes.Shape

	exec *context.Exec
}

// Translate converts the model to a GoMLX computation over NHWC inputs.
//
// The graph is built once on a scratch graph, to validate every node and to load the weights as variables of
// ctx (a new context is created if nil). Layout conversions are reported to the diagnostics sink during this pass
// only. Any error aborts the translation.
//
// The returned Translated compiles the graph on demand, for each new input shape.
func (m *Model) Translate(backend backends.Backend, ctx *context.Context, opts ...TranslateOption) (*Translated, error) {
	config := translateConfig{batchSize: -1}
	for _, opt := range opts {
		opt(&config)
	}
	if ctx == nil {
		ctx = context.New()
	}
	if len(m.InputsNames) == 0 {
		return nil, errors.New("ONNX model has no inputs, there is nothing to translate")
	}
	tr := &Translated{
		model:  m,
		config: config,
	}

	// Input shapes: bound batch dims win over the option, other unbound dims can't be validated.
	for ii, name := range m.InputsNames {
		sourceDims := m.InputsDims[ii]
		if sourceDims == nil {
			return nil, errors.Errorf("ONNX input %q has no declared shape, it cannot be translated", name)
		}
		scratchDims := slices.Clone(sourceDims)
		for axis, dim := range scratchDims {
			if dim >= 0 {
				continue
			}
			if axis != 0 {
				return nil, errors.Errorf("ONNX input %q has unbound dimension %q on axis %d: only the batch dimension can be unbound",
					name, m.InputsDimNames[ii][axis], axis)
			}
			scratchDims[axis] = max(config.batchSize, 1)
		}
		scratchShape := ChannelLastInputShape(shapes.Make(m.InputsDTypes[ii], scratchDims...))
		tr.inputShapes = append(tr.inputShapes, scratchShape)
		if len(sourceDims) == 4 {
			tr.inputDims = append(tr.inputDims, permute(sourceDims, toChannelLastPerm))
		} else {
			tr.inputDims = append(tr.inputDims, slices.Clone(sourceDims))
		}
	}

	// Validation pass.
	g := NewGraph(backend, "onnx_translate")
	defer g.Finalize()
	err := exceptions.TryCatch[error](func() {
		inputs := make(map[string]*Node, len(m.InputsNames))
		for ii, name := range m.InputsNames {
			inputs[name] = Parameter(g, SafeVarName(name), tr.inputShapes[ii])
		}
		outputs := m.callGraph(ctx, g, inputs, &tr.config, nil)
		for _, v := range outputs {
			tr.outputLayouts = append(tr.outputLayouts, v.Layout())
			tr.outputShapes = append(tr.outputShapes, v.Shape())
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while translating ONNX model")
	}
	if klog.V(1).Enabled() {
		klog.Infof("onnx: translated %d nodes, inputs %v, outputs %v %v", len(m.Proto.Graph.Node),
			tr.inputShapes, tr.outputShapes, tr.outputLayouts)
	}

	// Events were already reported during the validation pass.
	execConfig := tr.config
	execConfig.diagnostics = DiscardDiagnostics{}
	tr.exec, err = context.NewExec(backend, ctx, func(ctx *context.Context, inputNodes []*Node) []*Node {
		g := inputNodes[0].Graph()
		inputs := make(map[string]*Node, len(inputNodes))
		for ii, name := range m.InputsNames {
			inputs[name] = inputNodes[ii]
		}
		outputs := m.callGraph(ctx, g, inputs, &execConfig, nil)
		nodes := make([]*Node, len(outputs))
		for ii, v := range outputs {
			nodes[ii] = v.AsNode(g)
		}
		return nodes
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating the executor of the ONNX model")
	}
	return tr, nil
}

// Exec runs the translated model on the given inputs, in the order of Model.InputsNames.
// Rank-4 inputs are given in NHWC order.
//
// Outputs are returned in the layout given by OutputLayouts.
func (tr *Translated) Exec(inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	if err := tr.validateInputs(inputs); err != nil {
		return nil, err
	}
	args := make([]any, len(inputs))
	for ii, t := range inputs {
		args[ii] = t
	}
	outputs, _, err := tr.exec.ExecWithGraph(args...)
	if err != nil {
		return nil, errors.WithMessagef(err, "while executing the ONNX model")
	}
	return outputs, nil
}

// validateInputs checks the inputs against the declared model inputs, and returns all the mismatches found.
func (tr *Translated) validateInputs(inputs []*tensors.Tensor) error {
	m := tr.model
	if len(inputs) != len(m.InputsNames) {
		return errors.Errorf("the ONNX model takes %d inputs %q, got %d", len(m.InputsNames), m.InputsNames, len(inputs))
	}
	var err error
	for ii, t := range inputs {
		name := m.InputsNames[ii]
		if t == nil {
			err = multierr.Append(err, errors.Errorf("input #%d %q is nil", ii, name))
			continue
		}
		if t.DType() != m.InputsDTypes[ii] {
			err = multierr.Append(err, errors.Errorf("input #%d %q has dtype %s, the model requires %s",
				ii, name, t.DType(), m.InputsDTypes[ii]))
		}
		wantDims := tr.inputDims[ii]
		if t.Shape().Rank() != len(wantDims) {
			err = multierr.Append(err, errors.Errorf("input #%d %q has rank %d, the model requires shape %v",
				ii, name, t.Shape().Rank(), wantDims))
			continue
		}
		for axis, dim := range t.Shape().Dimensions {
			if wantDims[axis] >= 0 && wantDims[axis] != dim {
				err = multierr.Append(err, errors.Errorf("input #%d %q has shape %s, the model requires %v",
					ii, name, t.Shape(), wantDims))
				break
			}
		}
	}
	return err
}

// InputShapes returns the shapes of the inputs used during the translation, in the order of Model.InputsNames.
// Rank-4 inputs are in NHWC order. Unbound batch dimensions take the WithBatchSize value.
func (tr *Translated) InputShapes() []shapes.Shape {
	return slices.Clone(tr.inputShapes)
}

// OutputLayouts returns the layout of each model output. Rank-4 outputs tagged ChannelLast are returned in NHWC
// order, all others in the source order.
func (tr *Translated) OutputLayouts() []Layout {
	return slices.Clone(tr.outputLayouts)
}

// OutputShapes returns the shapes of the outputs during the translation, as returned by Exec.
func (tr *Translated) OutputShapes() []shapes.Shape {
	return slices.Clone(tr.outputShapes)
}

// Model returns the ONNX model that was translated.
func (tr *Translated) Model() *Model {
	return tr.model
}

// Finalize releases the compiled graphs. The variables remain in the context.
func (tr *Translated) Finalize() {
	if tr.exec != nil {
		tr.exec.Finalize()
	}
}

func (tr *Translated) String() string {
	return fmt.Sprintf("onnx.Translated(inputs=%v, outputs=%v %v)", tr.inputShapes, tr.outputShapes, tr.outputLayouts)
}
