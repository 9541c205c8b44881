package onnx

import "fmt"

// PaddingClass is how a convolution's explicit ONNX padding is realized in GoMLX.
type PaddingClass int

const (
	// PaddingExplicitZero is no padding at all.
	PaddingExplicitZero PaddingClass = iota

	// PaddingSymmetricSame is the padding that keeps the spatial size with stride 1: square odd kernel, all
	// pads equal to (kernel-1)/2. Realized with the convolution's own "same" padding.
	PaddingSymmetricSame

	// PaddingOddInputStride2 is the 3x3, stride 2, pads 1 case on odd-sized inputs, where "same" padding
	// also pads 1 on each side. Realized with the convolution's own "same" padding.
	PaddingOddInputStride2

	// PaddingExplicitOp is any other padding: an explicit zero-padding op is inserted before an unpadded
	// convolution.
	PaddingExplicitOp
)

func (p PaddingClass) String() string {
	switch p {
	case PaddingExplicitZero:
		return "ExplicitZero"
	case PaddingSymmetricSame:
		return "SymmetricSame"
	case PaddingOddInputStride2:
		return "OddInputStride2"
	case PaddingExplicitOp:
		return "ExplicitOp"
	}
	return fmt.Sprintf("PaddingClass(%d)", int(p))
}

// IsSame returns whether the padding class is realized with the native "same" padding.
func (p PaddingClass) IsSame() bool {
	return p == PaddingSymmetricSame || p == PaddingOddInputStride2
}

// ClassifyPadding decides how to realize the padding of a 2D convolution.
//
// kernel, strides and dilations have one value per spatial axis (height, width). pads is in ONNX order
// (h_begin, w_begin, h_end, w_end). inH and inW are the input spatial dimensions.
//
// Only the enumerated "same" cases are recognized, everything else is realized with an explicit padding op.
func ClassifyPadding(kernel, pads, strides, dilations []int, inH, inW int) PaddingClass {
	allEqual := func(values []int, want int) bool {
		for _, v := range values {
			if v != want {
				return false
			}
		}
		return true
	}
	if allEqual(pads, 0) {
		return PaddingExplicitZero
	}
	if len(kernel) != 2 || len(pads) != 4 {
		return PaddingExplicitOp
	}
	p := pads[0]
	if !allEqual(pads, p) || !allEqual(dilations, 1) || kernel[0] != kernel[1] {
		return PaddingExplicitOp
	}
	k := kernel[0]
	if allEqual(strides, 1) && 2*p+1 == k {
		return PaddingSymmetricSame
	}
	if k == 3 && p == 1 && allEqual(strides, 2) && inH%2 == 1 && inW%2 == 1 {
		return PaddingOddInputStride2
	}
	return PaddingExplicitOp
}
