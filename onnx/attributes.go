package onnx

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/onnx-nhwc/internal/protos"
)

// nodeToString returns a short description of the node, for error messages.
func nodeToString(node *protos.NodeProto) string {
	var sb strings.Builder
	sb.WriteString(node.OpType)
	if node.Name != "" {
		fmt.Fprintf(&sb, " %q", node.Name)
	}
	fmt.Fprintf(&sb, "(%s) -> %s", strings.Join(xslices.Map(node.Input, strconvQuote), ", "),
		strings.Join(xslices.Map(node.Output, strconvQuote), ", "))
	return sb.String()
}

func strconvQuote(s string) string { return fmt.Sprintf("%q", s) }

// getNodeAttr returns the given node attribute. If required is true, it will panic with a message about
// the missing attribute.
func getNodeAttr(node *protos.NodeProto, name string, required bool) *protos.AttributeProto {
	for _, attr := range node.Attribute {
		if attr.Name == name {
			return attr
		}
	}
	if required {
		exceptions.Panicf("ONNX %s is missing required attribute %q", nodeToString(node), name)
	}
	return nil
}

func assertNodeAttrType(node *protos.NodeProto, attr *protos.AttributeProto, attributeType protos.AttributeProto_AttributeType) {
	if attr.Type != attributeType {
		exceptions.Panicf("unsupported ONNX attribute %q of type %q in %s", attr.Name, attr.Type, nodeToString(node))
	}
}

// hasAttr returns whether the node has the attribute set.
func hasAttr(node *protos.NodeProto, name string) bool {
	return getNodeAttr(node, name, false) != nil
}

// mustGetIntAttr get the attribute as an integer.
// It panics with an exception if attribute is not set or if it is of the wrong type.
func mustGetIntAttr(node *protos.NodeProto, attrName string) int {
	attr := getNodeAttr(node, attrName, true)
	assertNodeAttrType(node, attr, protos.AttributeProto_INT)
	return int(attr.I)
}

// getIntAttrOr gets an integer attribute for node if present or return the given defaultValue.
// It panics with an error message if the attribute is present but is of the wrong type.
func getIntAttrOr(node *protos.NodeProto, attrName string, defaultValue int) int {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_INT)
	return int(attr.I)
}

// getBoolAttrOr gets a boolean attribute (ONNX uses an int value of 0 or 1) for node if present or return the given defaultValue.
func getBoolAttrOr(node *protos.NodeProto, attrName string, defaultValue bool) bool {
	defaultInt := 0
	if defaultValue {
		defaultInt = 1
	}
	return getIntAttrOr(node, attrName, defaultInt) != 0
}

// getFloatAttrOr gets a float attribute for node if present or return the given defaultValue.
func getFloatAttrOr(node *protos.NodeProto, attrName string, defaultValue float32) float32 {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_FLOAT)
	return attr.F
}

// getIntsAttrOr gets an integer list attribute for node if present or return the given defaultValues.
// A single integer attribute is accepted as a list of one.
func getIntsAttrOr(node *protos.NodeProto, attrName string, defaultValues []int) []int {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValues
	}
	if attr.Type == protos.AttributeProto_INT {
		return []int{int(attr.I)}
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_INTS)
	return xslices.Map(attr.Ints, func(i int64) int { return int(i) })
}

// getFloatsAttrOr gets a float list attribute for node if present or return the given defaultValues.
func getFloatsAttrOr(node *protos.NodeProto, attrName string, defaultValues []float32) []float32 {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValues
	}
	if attr.Type == protos.AttributeProto_FLOAT {
		return []float32{attr.F}
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_FLOATS)
	return attr.Floats
}

// getStringAttrOr gets a string attribute for node if present or return the given defaultValue.
func getStringAttrOr(node *protos.NodeProto, attrName string, defaultValue string) string {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_STRING)
	return string(attr.S)
}

// tensorToInts converts the values of an integer (or float) tensor to ints.
func tensorToInts(t *tensors.Tensor) []int {
	res := make([]int, t.Size())
	if t.Size() == 0 {
		return res
	}
	intType := reflect.TypeOf(int(0))
	err := t.ConstFlatData(func(flat any) {
		valueOf := reflect.ValueOf(flat)
		for ii := range valueOf.Len() {
			res[ii] = valueOf.Index(ii).Convert(intType).Interface().(int)
		}
	})
	if err != nil {
		panic(err)
	}
	return res
}

// tensorToFloats converts the values of a numeric tensor to float32.
func tensorToFloats(t *tensors.Tensor) []float32 {
	res := make([]float32, t.Size())
	if t.Size() == 0 {
		return res
	}
	floatType := reflect.TypeOf(float32(0))
	err := t.ConstFlatData(func(flat any) {
		valueOf := reflect.ValueOf(flat)
		for ii := range valueOf.Len() {
			res[ii] = valueOf.Index(ii).Convert(floatType).Interface().(float32)
		}
	})
	if err != nil {
		panic(err)
	}
	return res
}
