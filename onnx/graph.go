package onnx

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/onnx-nhwc/internal/protos"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// translation holds the state of one conversion pass over the model graph.
type translation struct {
	model       *Model
	g           *Graph
	ctx         *context.Context
	diagnostics Diagnostics
	promotion   DTypePromotionConfig

	// registry of converted tensors, by ONNX name.
	registry   map[string]*Value
	layerNames sets.Set[string]
}

// nodeContext is the state available to the converter of one node.
type nodeContext struct {
	*translation
	node      *protos.NodeProto
	index     int
	diag      Diagnostics
	scopeName string
}

// ChannelLastInputShape returns the shape of the GoMLX parameter fed for an ONNX input of the given dims (in source
// order): rank-4 inputs (N,C,H,W) are fed as (N,H,W,C), other ranks as declared.
func ChannelLastInputShape(shape shapes.Shape) shapes.Shape {
	if shape.Rank() != 4 {
		return shape
	}
	return shapes.Make(shape.DType, permute(shape.Dimensions, toChannelLastPerm)...)
}

// CallGraph converts the ONNX graph into g, and returns the Values of the requested outputs (all the model
// outputs if outputNames is empty), in their final layout.
//
// inputs maps ONNX input names to their nodes in g. Rank-4 inputs must be given in ChannelLast (NHWC) order, others
// as declared in the model. Weights are stored as variables in ctx, under the ModelScope scope.
//
// Layout conversions are reported to diag (if nil, they are logged with klog).
func (m *Model) CallGraph(ctx *context.Context, g *Graph, inputs map[string]*Node, diag Diagnostics, outputNames ...string) (outputs []*Value, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs = m.callGraph(ctx, g, inputs, &translateConfig{diagnostics: diag}, outputNames)
	})
	return
}

// callGraph implements CallGraph, and panics on errors.
func (m *Model) callGraph(ctx *context.Context, g *Graph, inputs map[string]*Node, config *translateConfig,
	outputNames []string) []*Value {
	if ctx == nil {
		ctx = context.New()
	}
	diag := config.diagnostics
	if diag == nil {
		diag = KlogDiagnostics{}
	}
	scope := config.scope
	if scope == "" {
		scope = ModelScope
	}
	t := &translation{
		model:       m,
		g:           g,
		ctx:         ctx.In(scope).Checked(false),
		diagnostics: diag,
		promotion:   config.promotion,
		registry:    make(map[string]*Value),
		layerNames:  sets.Make[string](),
	}

	// Initializers: constants in source order.
	for _, tensorProto := range m.Proto.Graph.Initializer {
		tensor, err := m.initializerTensor(tensorProto)
		if err != nil {
			panic(errors.WithMessagef(err, "while loading initializer %q", tensorProto.Name))
		}
		t.register(tensorProto.Name, NewConstant(tensor, Opaque))
	}

	// Inputs.
	var missing, unknown []string
	for ii, name := range m.InputsNames {
		node, found := inputs[name]
		if !found {
			missing = append(missing, name)
			continue
		}
		layout := Opaque
		if len(m.InputsDims[ii]) == 4 {
			layout = ChannelLast
		}
		t.register(name, NewSymbolic(node, layout))
	}
	for name := range inputs {
		if _, found := t.registry[name]; !found {
			unknown = append(unknown, name)
		}
	}
	if len(missing) > 0 || len(unknown) > 0 {
		exceptions.Panicf("onnx.CallGraph() called with wrong inputs: missing inputs=%q; unknown given inputs=%q", missing, unknown)
	}

	// Convert all nodes in the order given: ONNX graphs are topologically sorted.
	numNodes := len(m.Proto.Graph.Node)
	for ii, node := range m.Proto.Graph.Node {
		err := exceptions.TryCatch[error](func() { t.convertNode(ii, node) })
		if err != nil {
			panic(errors.WithMessagef(err, "while converting node %d (%s %q) out of %d", ii, node.OpType, node.Name, numNodes))
		}
	}

	// Pick the outputs.
	if len(outputNames) == 0 {
		outputNames = m.OutputsNames
	}
	outputs := make([]*Value, len(outputNames))
	for ii, name := range outputNames {
		v, found := t.registry[name]
		if !found {
			panic(errors.Wrapf(ErrUndefinedTensor, "output %q", name))
		}
		outputs[ii] = v
	}
	return outputs
}

// register a converted tensor under the given name.
func (t *translation) register(name string, v *Value) {
	if _, found := t.registry[name]; found {
		panic(errors.Wrapf(ErrDuplicateTensor, "tensor %q", name))
	}
	if v.name == "" {
		v.name = name
	}
	t.registry[name] = v
}

// convertNode converts a single ONNX node and registers its outputs.
//
// It panics (throw exceptions) in case of errors.
func (t *translation) convertNode(index int, node *protos.NodeProto) {
	inputs := make([]*Value, len(node.Input))
	for ii, name := range node.Input {
		if name == "" {
			// Optional input not given.
			continue
		}
		v, found := t.registry[name]
		if !found {
			panic(errors.Wrapf(ErrUndefinedTensor, "input #%d %q of %s", ii, name, nodeToString(node)))
		}
		inputs[ii] = v
	}

	converter, err := lookupConverter(node)
	if err != nil {
		panic(err)
	}
	nc := &nodeContext{
		translation: t,
		node:        node,
		index:       index,
		diag:        nodeDiagnostics{sink: t.diagnostics, nodeName: node.Name, opType: node.OpType},
	}
	outputs := converter(nc, inputs)
	if len(outputs) != len(node.Output) {
		panic(errors.Wrapf(ErrOutputArityMismatch, "%s produced %d outputs, but the node declares %d",
			nodeToString(node), len(outputs), len(node.Output)))
	}
	for ii, name := range node.Output {
		if name == "" || outputs[ii] == nil {
			// Optional output not used.
			continue
		}
		t.register(name, outputs[ii])
		if klog.V(1).Enabled() {
			klog.Infof("onnx: node #%d %s %q -> %q: %s", index, node.OpType, node.Name, name, outputs[ii])
		}
	}
}

// reconciler returns the Reconciler for the current node.
func (nc *nodeContext) reconciler() *Reconciler {
	return &Reconciler{Backend: nc.g.Backend(), Diagnostics: nc.diag}
}

// ensure converts v to layout, or panics with ErrUnsupportedLayoutConversion.
func (nc *nodeContext) ensure(v *Value, layout Layout) *Value {
	converted, err := nc.reconciler().Ensure(v, layout)
	if err != nil {
		panic(errors.WithMessagef(err, "converting input of %s", nodeToString(nc.node)))
	}
	return converted
}

// reconcile makes two operands agree on their layout, or panics.
func (nc *nodeContext) reconcile(a, b *Value) (*Value, *Value) {
	a, b, err := nc.reconciler().ReconcilePair(a, b)
	if err != nil {
		panic(errors.WithMessagef(err, "reconciling inputs of %s", nodeToString(nc.node)))
	}
	return a, b
}

// toSourceOrder converts v to the source (ONNX) axis order, used by operators that don't depend on layout.
func (nc *nodeContext) toSourceOrder(v *Value) *Value {
	if v.layout != ChannelLast {
		return v
	}
	return nc.ensure(v, ChannelFirst)
}

// configErrorf panics with a ConfigurationError for the current node.
func (nc *nodeContext) configErrorf(inputs []*Value, format string, args ...any) {
	panic(&ConfigurationError{
		OpType:     nc.node.OpType,
		NodeName:   nc.node.Name,
		Attributes: attributesToString(nc.node),
		Inputs:     valuesToString(inputs),
		Reason:     fmt.Sprintf(format, args...),
	})
}

func valuesToString(values []*Value) string {
	return "[" + strings.Join(xslices.Map(values, func(v *Value) string {
		if v == nil {
			return "<none>"
		}
		return v.String()
	}), ", ") + "]"
}

// single returns the Value as a slice of outputs.
func single(v *Value) []*Value {
	return []*Value{v}
}

// input returns the ii-th input, or nil if not given.
func input(inputs []*Value, ii int) *Value {
	if ii >= len(inputs) {
		return nil
	}
	return inputs[ii]
}
