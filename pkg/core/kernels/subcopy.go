// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels implements the leaf CPU routines executed by the runtime tasks: whole-buffer copies and
// strided sub-block copies between column-major buffers.
//
// The generic functions work on typed flat slices. The Dispatch* functions take flat data as `any` plus its
// dtype, and call the right instantiation.
package kernels

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// Copy copies src into dst. Both must have the same length.
func Copy[T any](dst, src []T) {
	if len(dst) != len(src) {
		exceptions.Panicf("kernels.Copy: len(dst)=%d != len(src)=%d", len(dst), len(src))
	}
	copy(dst, src)
}

// Subcopy copies a rectangular sub-block of shape `shape` from src to dst.
//
// For each axis i, elements srcStart[i]...srcStart[i]+shape[i]-1 of src (with stride srcStride[i]) go to
// dstStart[i]...dstStart[i]+shape[i]-1 of dst (with stride dstStride[i]).
//
// scratch is used for the index bookkeeping and it must hold at least len(shape) values. Its contents on entry
// don't matter.
//
// src and dst may be slices of the same array: if the source and destination regions overlap, the source region
// is read in full before anything is written.
func Subcopy[T any](srcStart, srcStride []int, src []T, dstStart, dstStride []int, dst []T, shape []int, scratch []int) {
	rank := len(shape)
	if len(srcStart) != rank || len(srcStride) != rank || len(dstStart) != rank || len(dstStride) != rank {
		exceptions.Panicf("kernels.Subcopy: inconsistent ranks src=%v/%v dst=%v/%v shape=%v",
			srcStart, srcStride, dstStart, dstStride, shape)
	}
	if rank == 0 {
		dst[0] = src[0]
		return
	}
	if len(scratch) < rank {
		exceptions.Panicf("kernels.Subcopy: scratch has %d values, needs at least %d", len(scratch), rank)
	}
	for _, dim := range shape {
		if dim <= 0 {
			return
		}
	}
	index := scratch[:rank]
	clear(index)
	var srcOffset, dstOffset int
	for axis := range rank {
		srcOffset += srcStart[axis] * srcStride[axis]
		dstOffset += dstStart[axis] * dstStride[axis]
	}
	srcEnd, dstEnd := srcOffset+1, dstOffset+1
	for axis, dim := range shape {
		srcEnd += (dim - 1) * srcStride[axis]
		dstEnd += (dim - 1) * dstStride[axis]
	}
	if sharesMemory(src, srcOffset, srcEnd, dst, dstOffset, dstEnd) {
		src = slices.Clone(src[srcOffset:srcEnd])
		srcOffset = 0
	}
	rowLen, srcStep, dstStep := shape[0], srcStride[0], dstStride[0]
	for {
		// Copy the fiber along axis 0.
		if srcStep == 1 && dstStep == 1 {
			copy(dst[dstOffset:dstOffset+rowLen], src[srcOffset:srcOffset+rowLen])
		} else {
			s, d := srcOffset, dstOffset
			for range rowLen {
				dst[d] = src[s]
				s += srcStep
				d += dstStep
			}
		}

		// Advance the remaining axes, with carry-over.
		axis := 1
		for ; axis < rank; axis++ {
			index[axis]++
			srcOffset += srcStride[axis]
			dstOffset += dstStride[axis]
			if index[axis] < shape[axis] {
				break
			}
			index[axis] = 0
			srcOffset -= shape[axis] * srcStride[axis]
			dstOffset -= shape[axis] * dstStride[axis]
		}
		if axis == rank {
			return
		}
	}
}

// sharesMemory returns whether src[srcStart:srcEnd] and dst[dstStart:dstEnd] may use the same memory.
//
// Slices of the same array are recognized by the address of the last element of their capacity, so it
// doesn't detect aliasing between slices whose capacities were truncated differently.
func sharesMemory[T any](src []T, srcStart, srcEnd int, dst []T, dstStart, dstEnd int) bool {
	if cap(src) == 0 || cap(dst) == 0 {
		return false
	}
	if &src[:cap(src)][cap(src)-1] != &dst[:cap(dst)][cap(dst)-1] {
		return false
	}
	// Positions relative to the end of the shared array.
	srcShift, dstShift := -cap(src), -cap(dst)
	return srcStart+srcShift < dstEnd+dstShift && dstStart+dstShift < srcEnd+srcShift
}
