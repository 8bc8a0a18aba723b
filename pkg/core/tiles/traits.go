// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tiles defines the geometry of a tile (TileTraits), the multi-index odometer used to walk
// N-dimensional boxes of indices, and the Tile container that owns one buffer registered with a backend.
//
// All layouts are column-major ("Fortran" order): axis 0 changes fastest in memory and in every iteration
// order used here.
//
// ## Glossary
//
//   - Rank: number of axes of a tile (ndim).
//   - Stride: distance, in elements (not bytes), between consecutive indices of an axis.
//   - Matrix shape: the tile viewed as a 2D matrix split at some axis, so rows are the product of the axes
//     before the split and columns the product of the axes from the split on.
package tiles

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// TileTraits describes the shape, strides and linear-index mapping of one tile.
//
// It is a value type, and it should be considered immutable after construction: don't change the slices.
type TileTraits struct {
	// Shape is the number of elements along each axis.
	Shape []int

	// Stride is the column-major stride of each axis: Stride[0] = 1, Stride[i] = Stride[i-1]*Shape[i-1].
	Stride []int

	// NumElements is the product of Shape. It is 1 for a scalar (rank 0).
	NumElements int

	// MatrixShape has Rank()+1 entries: MatrixShape[i] = {prod(Shape[:i]), prod(Shape[i:])}.
	MatrixShape [][2]int
}

// NewTileTraits returns the traits of a tile with the given shape.
//
// It panics if any dimension is not positive.
func NewTileTraits(shape ...int) TileTraits {
	rank := len(shape)
	t := TileTraits{
		Shape:       slices.Clone(shape),
		Stride:      make([]int, rank),
		MatrixShape: make([][2]int, rank+1),
	}
	if t.Shape == nil {
		t.Shape = []int{}
	}
	t.NumElements = 1
	for axis, dim := range shape {
		if dim <= 0 {
			exceptions.Panicf("tiles.NewTileTraits(%v): axis %d has dimension %d, it must be > 0", shape, axis, dim)
		}
		t.Stride[axis] = t.NumElements
		t.MatrixShape[axis][0] = t.NumElements
		t.NumElements *= dim
	}
	t.MatrixShape[rank][0] = t.NumElements
	t.MatrixShape[rank][1] = 1
	for axis := rank - 1; axis >= 0; axis-- {
		t.MatrixShape[axis][1] = t.MatrixShape[axis+1][1] * shape[axis]
	}
	return t
}

// Rank returns the number of axes (ndim).
func (t TileTraits) Rank() int { return len(t.Shape) }

// LinearToIndex converts a linear offset into a multi-index, by successive div/mod by the shape (axis 0 fastest).
func (t TileTraits) LinearToIndex(linear int) []int {
	index := make([]int, t.Rank())
	t.LinearToIndexInto(linear, index)
	return index
}

// LinearToIndexInto is like LinearToIndex, but it writes the result into index, which must have length Rank().
func (t TileTraits) LinearToIndexInto(linear int, index []int) {
	if linear < 0 || linear >= t.NumElements {
		exceptions.Panicf("TileTraits.LinearToIndex(%d) out of range [0, %d) for shape %v", linear, t.NumElements, t.Shape)
	}
	if len(index) != t.Rank() {
		exceptions.Panicf("TileTraits.LinearToIndexInto: len(index)=%d, want rank %d", len(index), t.Rank())
	}
	for axis, dim := range t.Shape {
		index[axis] = linear % dim
		linear /= dim
	}
}

// IndexToLinear converts a multi-index into a linear offset: the dot product of index and Stride.
func (t TileTraits) IndexToLinear(index []int) int {
	if len(index) != t.Rank() {
		exceptions.Panicf("TileTraits.IndexToLinear(%v): index rank %d != tile rank %d", index, len(index), t.Rank())
	}
	var linear int
	for axis, idx := range index {
		linear += idx * t.Stride[axis]
	}
	return linear
}

// Contains returns whether index is a valid index of the tile.
func (t TileTraits) Contains(index []int) bool {
	if len(index) != t.Rank() {
		return false
	}
	for axis, idx := range index {
		if idx < 0 || idx >= t.Shape[axis] {
			return false
		}
	}
	return true
}

// Equal returns whether both traits describe the same shape.
func (t TileTraits) Equal(other TileTraits) bool {
	return slices.Equal(t.Shape, other.Shape)
}

// Iter iterates over all indices of the tile in linear (column-major) order.
func (t TileTraits) Iter() iter.Seq2[int, []int] {
	return IterRange(make([]int, t.Rank()), t.Shape)
}

// String implements fmt.Stringer.
func (t TileTraits) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "TileTraits(ndim=%d, shape=%v, stride=%v, nelems=%d, matrix_shape=(",
		t.Rank(), t.Shape, t.Stride, t.NumElements)
	for i, ms := range t.MatrixShape {
		if i > 0 {
			sb.WriteString(",")
		}
		_, _ = fmt.Fprintf(&sb, "(%d,%d)", ms[0], ms[1])
	}
	sb.WriteString("))")
	return sb.String()
}

// CheckSameRank panics with a precondition violation if the two slices have different lengths.
// The names are used in the message.
func CheckSameRank(nameA string, a []int, nameB string, b []int) {
	if len(a) != len(b) {
		exceptions.Panicf("rank mismatch: %s has %d axes (%v) but %s has %d axes (%v)",
			nameA, len(a), a, nameB, len(b), b)
	}
}
