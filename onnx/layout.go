package onnx

import "fmt"

// Layout is the axis ordering of a tensor.
type Layout int

const (
	// Opaque tensors have no committed image interpretation: constants as read from the model and tensors with no
	// channel/spatial structure. Their data is in the source (ONNX) axis order.
	Opaque Layout = iota

	// ChannelFirst tensors are image batches shaped (batch, channel, height, width), the ONNX convention.
	ChannelFirst

	// ChannelLast tensors are image batches shaped (batch, height, width, channel), the layout GoMLX image
	// primitives (convolution, pooling, interpolation) run on.
	ChannelLast
)

func (l Layout) String() string {
	switch l {
	case Opaque:
		return "Opaque"
	case ChannelFirst:
		return "ChannelFirst"
	case ChannelLast:
		return "ChannelLast"
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// Compatible returns whether one layout is a refinement of the other, and values tagged with them can be combined.
// Opaque is compatible with everything.
//
// Compatibility of layouts doesn't say whether data needs to move: see ReconcilePair for the value-level check.
func Compatible(a, b Layout) bool {
	return a == b || a == Opaque || b == Opaque
}

// sameAxisOrder returns whether data in layout from is already physically ordered as in layout to.
// Opaque data is in source order, which is the ChannelFirst order.
func sameAxisOrder(from, to Layout) bool {
	if from == to {
		return true
	}
	sourceOrder := func(l Layout) bool { return l == Opaque || l == ChannelFirst }
	return sourceOrder(from) && sourceOrder(to)
}

// nativeLayout is the layout of a symbolic value computed in source axis order: image batches (rank 4) are
// ChannelFirst, anything else is Opaque.
func nativeLayout(rank int) Layout {
	if rank == 4 {
		return ChannelFirst
	}
	return Opaque
}

var (
	// toChannelLastPerm permutes (n,c,h,w) to (n,h,w,c).
	toChannelLastPerm = []int{0, 2, 3, 1}

	// toChannelFirstPerm permutes (n,h,w,c) to (n,c,h,w).
	// It also maps a ChannelFirst axis number to the ChannelLast axis holding the same dimension.
	toChannelFirstPerm = []int{0, 3, 1, 2}
)

// channelLastAxis maps an axis of the source (ChannelFirst) numbering of a rank-4 tensor to the axis holding the
// same dimension in ChannelLast order. Negative axes are counted from the end.
func channelLastAxis(axis int) int {
	if axis < 0 {
		axis += 4
	}
	return toChannelFirstPerm[axis]
}

// channelAxis returns the channel axis of a rank-4 tensor in the given layout.
func channelAxis(l Layout) int {
	if l == ChannelLast {
		return 3
	}
	return 1
}

// permute returns values reordered by perm: out[i] = values[perm[i]].
func permute[T any](values []T, perm []int) []T {
	out := make([]T, len(perm))
	for ii, p := range perm {
		out[ii] = values[p]
	}
	return out
}
