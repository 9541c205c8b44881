package onnx

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Reconciler moves values between layouts.
//
// Symbolic values are transposed in the graph being built. Constants are converted right away, in a one-off
// graph on Backend, so they cost nothing at execution time.
type Reconciler struct {
	Backend backends.Backend

	// Diagnostics receives every real transpose. It can be nil.
	Diagnostics Diagnostics
}

// Ensure returns v converted to the target layout.
//
// Only rank-4 values can be moved between ChannelFirst and ChannelLast (and scalars promoted to ChannelLast): other
// combinations fail with ErrUnsupportedLayoutConversion. Values already in the target's physical axis order are
// only re-tagged.
//
// Real transposes are reported to r.Diagnostics, with LayoutEvent.Constant set for constants. When the moved axes
// have size 1, a reshape is used instead, and nothing is reported.
//
// v is not modified: a new Value is always returned.
func (r *Reconciler) Ensure(v *Value, target Layout) (*Value, error) {
	from := v.layout
	if sameAxisOrder(from, target) {
		return v.withLayout(target), nil
	}
	if target == Opaque {
		// ChannelLast -> Opaque: back to source order.
		target = ChannelFirst
	}

	if from == Opaque && target == ChannelLast && v.Rank() == 0 {
		// Broadcast scalars: with all axes of size 1 no data moves.
		return r.reshape(v, []int{1, 1, 1, 1}, ChannelLast)
	}
	if v.Rank() != 4 {
		return nil, errors.Wrapf(ErrUnsupportedLayoutConversion, "cannot convert %s from %s to %s: only rank-4 values can change layout",
			v, from, target)
	}

	dims := v.Dims()
	var perm []int
	if target == ChannelLast {
		perm = toChannelLastPerm
	} else {
		perm = toChannelFirstPerm
	}
	newDims := permute(dims, perm)
	var spatial0, spatial1, channel int
	if from == ChannelLast {
		spatial0, spatial1, channel = dims[1], dims[2], dims[3]
	} else {
		channel, spatial0, spatial1 = dims[1], dims[2], dims[3]
	}
	if (spatial0 == 1 && spatial1 == 1) || channel == 1 {
		klog.V(2).Infof("onnx: %s -> %s of %v done with a reshape", from, target, dims)
		return r.reshape(v, newDims, target)
	}

	if r.Diagnostics != nil {
		event := LayoutEvent{Tensor: v.name, From: from, To: target, Dims: dims, Constant: v.IsConstant()}
		if err := r.Diagnostics.LayoutConversion(event); err != nil {
			return nil, err
		}
	}
	transpose := func(x *Node) *Node { return TransposeAllDims(x, perm...) }
	if v.IsConstant() {
		t, err := foldConstant(r.Backend, transpose, v)
		if err != nil {
			return nil, err
		}
		return &Value{constant: t, layout: target, name: v.name}, nil
	}
	return &Value{node: transpose(v.node), layout: target, name: v.name}, nil
}

// ReconcilePair makes two operands of a binary operation agree on layout.
//
// If they already agree both are returned as is. Otherwise, an Opaque operand is promoted to the layout of the
// other, and when both have committed layouts b is converted to a's layout.
func (r *Reconciler) ReconcilePair(a, b *Value) (*Value, *Value, error) {
	if valuesCompatible(a, b) {
		return a, b, nil
	}
	var err error
	switch {
	case a.layout == Opaque:
		a, err = r.Ensure(a, b.layout)
	case b.layout == Opaque:
		b, err = r.Ensure(b, a.layout)
	default:
		b, err = r.Ensure(b, a.layout)
	}
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// valuesCompatible returns whether a and b can be combined without moving data.
func valuesCompatible(a, b *Value) bool {
	if a.layout == b.layout {
		return true
	}
	opaqueFitsOther := func(opaque, other *Value) bool {
		return opaque.layout == Opaque && (other.layout != ChannelLast || opaque.Rank() == 0)
	}
	return opaqueFitsOther(a, b) || opaqueFitsOther(b, a)
}

// reshape reshapes v to dims (same size) and tags it with layout.
func (r *Reconciler) reshape(v *Value, dims []int, layout Layout) (*Value, error) {
	reshape := func(x *Node) *Node { return Reshape(x, dims...) }
	if v.IsConstant() {
		t, err := foldConstant(r.Backend, reshape, v)
		if err != nil {
			return nil, err
		}
		return &Value{constant: t, layout: layout, name: v.name}, nil
	}
	return &Value{node: reshape(v.node), layout: layout, name: v.name}, nil
}
