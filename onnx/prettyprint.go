package onnx

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/onnx-nhwc/internal/protos"
	"github.com/gomlx/onnx-nhwc/internal/togomlx"
)

// String implements fmt.Stringer, and pretty prints model information.
func (m *Model) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("ONNX Model:\n")
	if m.Proto.DocString != "" {
		w("%s\n", m.Proto.DocString)
	}
	if m.Proto.ModelVersion != 0 {
		w("\tVersion:\t%d\n", m.Proto.ModelVersion)
	}
	if m.Proto.ProducerName != "" {
		w("\tProducer:\t%s / %s\n", m.Proto.ProducerName, m.Proto.ProducerVersion)
	}
	w("\tIR Version:\t%d\n", m.Proto.IrVersion)
	w("\tOperator Sets:\t[")
	for ii, opSetId := range m.Proto.OpsetImport {
		if ii > 0 {
			w(", ")
		}
		if opSetId.Domain != "" {
			w("v%d (%s)", opSetId.Version, opSetId.Domain)
		} else {
			w("v%d", opSetId.Version)
		}
	}
	w("]\n")

	for ii, name := range m.InputsNames {
		w("\tInput %q:\t%s%s\n", name, m.InputsDTypes[ii], dimsToString(m.InputsDims[ii], m.InputsDimNames[ii]))
	}
	w("\tOutputs:\t%q\n", m.OutputsNames)

	w("\t# nodes:\t%d\n", len(m.Proto.Graph.Node))
	opTypesSet := sets.Make[string]()
	unsupported := sets.Make[string]()
	for _, n := range m.Proto.Graph.Node {
		opTypesSet.Insert(n.OpType)
		if _, err := lookupConverter(n); err != nil {
			unsupported.Insert(n.OpType)
		}
	}
	w("\tOp types:\t%#v\n", xslices.SortedKeys(opTypesSet))
	if len(unsupported) > 0 {
		w("\tUnsupported:\t%#v\n", xslices.SortedKeys(unsupported))
	}

	var numBytes uint64
	var numExternal int
	for _, init := range m.Proto.Graph.Initializer {
		if togomlx.IsExternal(init) {
			numExternal++
		}
		shape, err := togomlx.Shape(init)
		if err != nil {
			continue
		}
		numBytes += uint64(shape.Memory())
	}
	w("\t# initializers:\t%d (%s)\n", len(m.Proto.Graph.Initializer), humanize.Bytes(numBytes))
	if numExternal > 0 {
		w("\t# external:\t%d\n", numExternal)
	}

	if len(m.Proto.MetadataProps) > 0 {
		w("\tMetadata: [")
		props := slices.Clone(m.Proto.MetadataProps)
		slices.SortFunc(props, func(a, b *protos.StringStringEntryProto) int { return strings.Compare(a.Key, b.Key) })
		for ii, prop := range props {
			if ii > 0 {
				w(", ")
			}
			w("%s=%s", prop.Key, prop.Value)
		}
		w("]\n")
	}
	return buf.String()
}

// dimsToString formats dimensions, using the names of unbound dimensions.
func dimsToString(dims []int, names []string) string {
	parts := make([]string, len(dims))
	for ii, dim := range dims {
		if dim < 0 {
			if ii < len(names) && names[ii] != "" {
				parts[ii] = names[ii]
			} else {
				parts[ii] = "?"
			}
			continue
		}
		parts[ii] = fmt.Sprintf("%d", dim)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
