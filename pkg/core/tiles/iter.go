// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiles

import (
	"iter"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/constraints"
)

// NextIndex advances index to the next multi-index of the box [begin, end), column-major: axis 0 changes
// fastest, and overflowing an axis resets it to begin and carries into the next axis.
//
// It returns false if index was the last one of the box, in which case index is reset to begin.
// For a rank-0 box it always returns false.
func NextIndex(index, begin, end []int) bool {
	for axis := range index {
		index[axis]++
		if index[axis] < end[axis] {
			// No carry-over needed.
			return true
		}
		index[axis] = begin[axis]
	}
	return false
}

// IterRange iterates over all multi-indices of the box [begin, end), in column-major order (axis 0 fastest).
//
// It yields a counter (0, 1, ...) and the current multi-index. The yielded slice is owned by the iterator:
// don't change it inside the loop, and clone it if it needs to be kept.
//
// An empty box (some end[axis] <= begin[axis]) yields nothing. A rank-0 box yields exactly once.
func IterRange(begin, end []int) iter.Seq2[int, []int] {
	if len(begin) != len(end) {
		exceptions.Panicf("tiles.IterRange: len(begin)=%d != len(end)=%d", len(begin), len(end))
	}
	return func(yield func(int, []int) bool) {
		for axis := range begin {
			if end[axis] <= begin[axis] {
				return
			}
		}
		index := make([]int, len(begin))
		copy(index, begin)
		for counter := 0; ; counter++ {
			if !yield(counter, index) {
				return
			}
			if !NextIndex(index, begin, end) {
				return
			}
		}
	}
}

// RangeSize returns the number of multi-indices in the box [begin, end).
func RangeSize(begin, end []int) int {
	size := 1
	for axis := range begin {
		size *= max(end[axis]-begin[axis], 0)
	}
	return size
}

// CeilDiv returns ceil(a/b) for positive b and non-negative a.
func CeilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}
