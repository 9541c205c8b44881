package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyPadding(t *testing.T) {
	ones := []int{1, 1}
	testCases := []struct {
		name                        string
		kernel, pads, strides, dils []int
		inH, inW                    int
		want                        PaddingClass
	}{
		{"no padding", []int{3, 3}, []int{0, 0, 0, 0}, ones, ones, 8, 8, PaddingExplicitZero},
		{"3x3 same", []int{3, 3}, []int{1, 1, 1, 1}, ones, ones, 8, 8, PaddingSymmetricSame},
		{"5x5 same", []int{5, 5}, []int{2, 2, 2, 2}, ones, ones, 9, 9, PaddingSymmetricSame},
		{"stride 2 odd input", []int{3, 3}, []int{1, 1, 1, 1}, []int{2, 2}, ones, 7, 7, PaddingOddInputStride2},
		{"stride 2 even input", []int{3, 3}, []int{1, 1, 1, 1}, []int{2, 2}, ones, 8, 8, PaddingExplicitOp},
		{"asymmetric", []int{3, 3}, []int{0, 0, 1, 1}, ones, ones, 8, 8, PaddingExplicitOp},
		{"non square kernel", []int{3, 5}, []int{1, 1, 1, 1}, ones, ones, 8, 8, PaddingExplicitOp},
		{"dilated", []int{3, 3}, []int{1, 1, 1, 1}, ones, []int{2, 2}, 8, 8, PaddingExplicitOp},
		{"too much padding", []int{3, 3}, []int{2, 2, 2, 2}, ones, ones, 8, 8, PaddingExplicitOp},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyPadding(tc.kernel, tc.pads, tc.strides, tc.dils, tc.inH, tc.inW)
			assert.Equal(t, tc.want, got, "got %s, wanted %s", got, tc.want)
			// Classification is a pure function of its inputs.
			assert.Equal(t, got, ClassifyPadding(tc.kernel, tc.pads, tc.strides, tc.dils, tc.inH, tc.inW))
		})
	}
	assert.True(t, PaddingOddInputStride2.IsSame())
	assert.False(t, PaddingExplicitOp.IsSame())
}
