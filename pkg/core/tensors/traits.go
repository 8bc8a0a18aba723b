// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"iter"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gotile/pkg/core/tiles"
)

// Traits describes the geometry of a tiled tensor: its global shape, the shape of its (base) tiles and the
// grid of tiles that covers it.
//
// The last tile along each axis may be smaller than the base tile: a ragged tile. All other tiles have exactly
// the base tile shape.
//
// It embeds the TileTraits of the whole tensor, so Shape, Stride and NumElements refer to the global shape.
// It should be considered immutable after construction.
type Traits struct {
	tiles.TileTraits

	// BasetileShape is the nominal shape of the tiles.
	BasetileShape []int

	// LeftoverShape is the shape of the last tile along each axis: it equals BasetileShape[axis] unless the
	// tile is ragged.
	LeftoverShape []int

	// Grid describes the grid of tiles: Grid.Shape[axis] = ceil(Shape[axis] / BasetileShape[axis]).
	Grid tiles.TileTraits
}

// NewTraits returns the Traits of a tensor with the given shape, tiled with tiles of basetileShape.
//
// It panics if the ranks differ or if any dimension is not positive.
func NewTraits(shape, basetileShape []int) Traits {
	tiles.CheckSameRank("shape", shape, "basetileShape", basetileShape)
	for axis, dim := range basetileShape {
		if dim <= 0 {
			exceptions.Panicf("tensors.NewTraits(shape=%v, basetileShape=%v): axis %d has base tile dimension %d, "+
				"it must be > 0", shape, basetileShape, axis, dim)
		}
	}
	t := Traits{
		TileTraits:    tiles.NewTileTraits(shape...),
		BasetileShape: slices.Clone(basetileShape),
		LeftoverShape: make([]int, len(shape)),
	}
	if t.BasetileShape == nil {
		t.BasetileShape = []int{}
	}
	gridShape := make([]int, len(shape))
	for axis, dim := range shape {
		gridShape[axis] = tiles.CeilDiv(dim, basetileShape[axis])
		t.LeftoverShape[axis] = dim - (gridShape[axis]-1)*basetileShape[axis]
	}
	t.Grid = tiles.NewTileTraits(gridShape...)
	return t
}

// NumTiles returns the number of tiles in the grid.
func (t Traits) NumTiles() int { return t.Grid.NumElements }

// TileShape returns the shape of the tile at the given grid coordinates: the base tile shape, clipped on the
// axes where the tile reaches the end of the tensor.
func (t Traits) TileShape(gridIndex []int) []int {
	tiles.CheckSameRank("gridIndex", gridIndex, "shape", t.Shape)
	shape := make([]int, len(gridIndex))
	for axis, g := range gridIndex {
		if g < 0 || g >= t.Grid.Shape[axis] {
			exceptions.Panicf("tensors.Traits.TileShape(%v): grid index out of range for grid %v",
				gridIndex, t.Grid.Shape)
		}
		shape[axis] = min(t.BasetileShape[axis], t.Shape[axis]-g*t.BasetileShape[axis])
	}
	return shape
}

// TileTraitsAt returns the TileTraits of the tile with the given linear index in the grid.
func (t Traits) TileTraitsAt(linear int) tiles.TileTraits {
	return tiles.NewTileTraits(t.TileShape(t.Grid.LinearToIndex(linear))...)
}

// IterTile iterates over the elements of the tile with the given linear index in the grid, in column-major
// order. It yields the position of the element in the flat data of the tile, and its global coordinates.
//
// The yielded slice is owned by the iterator: clone it if it needs to be kept.
func (t Traits) IterTile(linear int) iter.Seq2[int, []int] {
	gridIndex := t.Grid.LinearToIndex(linear)
	tileTraits := tiles.NewTileTraits(t.TileShape(gridIndex)...)
	return func(yield func(int, []int) bool) {
		global := make([]int, len(gridIndex))
		for local, localIndex := range tileTraits.Iter() {
			for axis := range global {
				global[axis] = gridIndex[axis]*t.BasetileShape[axis] + localIndex[axis]
			}
			if !yield(local, global) {
				return
			}
		}
	}
}

// Locate returns the tile (its linear index in the grid) holding the element at the global coordinates index,
// and the coordinates of the element within that tile.
func (t Traits) Locate(index []int) (tileLinear int, offsetInTile []int) {
	if !t.Contains(index) {
		exceptions.Panicf("tensors.Traits.Locate(%v): index out of range for shape %v", index, t.Shape)
	}
	gridIndex := make([]int, len(index))
	offsetInTile = make([]int, len(index))
	for axis, i := range index {
		gridIndex[axis] = i / t.BasetileShape[axis]
		offsetInTile[axis] = i % t.BasetileShape[axis]
	}
	return t.Grid.IndexToLinear(gridIndex), offsetInTile
}

// Equal returns whether both traits have the same shape and base tile shape.
func (t Traits) Equal(other Traits) bool {
	return slices.Equal(t.Shape, other.Shape) && slices.Equal(t.BasetileShape, other.BasetileShape)
}

// String implements fmt.Stringer.
func (t Traits) String() string {
	return fmt.Sprintf("TensorTraits(shape=%v, basetile=%v, leftover=%v, grid=%v)",
		t.Shape, t.BasetileShape, t.LeftoverShape, t.Grid.Shape)
}
