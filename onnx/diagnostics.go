package onnx

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LayoutEvent reports a physical layout conversion (a transpose) inserted by the converter. Each one is a potential
// performance problem: in a well-behaved model, the only transposes are at the graph inputs.
type LayoutEvent struct {
	// NodeName and OpType of the ONNX node being converted when the conversion was needed.
	// They are empty for conversions done outside a node (graph inputs and outputs).
	NodeName, OpType string

	// Tensor is the name of the converted tensor, if known.
	Tensor string

	// From and To layouts of the conversion.
	From, To Layout

	// Dims of the value before the conversion.
	Dims []int

	// Constant is set when the converted value is a constant: it was converted once, during the translation,
	// and adds nothing to the converted graph.
	Constant bool
}

func (e LayoutEvent) String() string {
	where := "graph boundary"
	if e.NodeName != "" || e.OpType != "" {
		where = fmt.Sprintf("%s node %q", e.OpType, e.NodeName)
	}
	what := "transposing"
	if e.Constant {
		what = "transposing constant"
	}
	if e.Tensor != "" {
		return fmt.Sprintf("%s: %s %q %v from %s to %s", where, what, e.Tensor, e.Dims, e.From, e.To)
	}
	return fmt.Sprintf("%s: %s %v from %s to %s", where, what, e.Dims, e.From, e.To)
}

// Diagnostics receives the layout conversions done during a Model.Translate call.
//
// If LayoutConversion returns an error, the translation is aborted with it.
type Diagnostics interface {
	LayoutConversion(event LayoutEvent) error
}

// KlogDiagnostics logs each conversion as a klog warning, and conversions of constants with klog.V(1).
// It is the default.
type KlogDiagnostics struct{}

// LayoutConversion implements Diagnostics.
func (KlogDiagnostics) LayoutConversion(event LayoutEvent) error {
	if event.Constant {
		klog.V(1).Infof("onnx: %s", event)
		return nil
	}
	klog.Warningf("onnx: layout conversion inserted, %s", event)
	return nil
}

// DiscardDiagnostics ignores all events.
type DiscardDiagnostics struct{}

// LayoutConversion implements Diagnostics.
func (DiscardDiagnostics) LayoutConversion(LayoutEvent) error { return nil }

// FailOnConversion refuses any layout conversion of a symbolic value, returning ErrLayoutConversionRefused. Use it
// to assert a model converts without any transposes beyond the inputs. Conversions of constants are accepted.
type FailOnConversion struct{}

// LayoutConversion implements Diagnostics.
func (FailOnConversion) LayoutConversion(event LayoutEvent) error {
	if event.Constant {
		return nil
	}
	return errors.Wrapf(ErrLayoutConversionRefused, "%s", event)
}

// DiagnosticsCollector records the events, and is safe for concurrent use.
type DiagnosticsCollector struct {
	mu     sync.Mutex
	events []LayoutEvent
}

// LayoutConversion implements Diagnostics.
func (c *DiagnosticsCollector) LayoutConversion(event LayoutEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

// Events returns a copy of the events collected so far.
func (c *DiagnosticsCollector) Events() []LayoutEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LayoutEvent(nil), c.events...)
}

// Len returns the number of events collected so far.
func (c *DiagnosticsCollector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// nodeDiagnostics fills in the node information of the events before passing them along.
type nodeDiagnostics struct {
	sink             Diagnostics
	nodeName, opType string
}

// LayoutConversion implements Diagnostics.
func (d nodeDiagnostics) LayoutConversion(event LayoutEvent) error {
	if d.sink == nil {
		return nil
	}
	event.NodeName, event.OpType = d.nodeName, d.opType
	return d.sink.LayoutConversion(event)
}
