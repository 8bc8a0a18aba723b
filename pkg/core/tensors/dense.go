// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gotile/pkg/core/tiles"
	"github.com/pkg/errors"
)

// FillOwned sets each element of the tiles owned by this node to valueFn(globalIndex).
//
// Tiles owned by other nodes are not touched, and cached copies are not flushed: to update the whole tensor
// call FillOwned and then Flush on every node.
func (t *Tensor[T]) FillOwned(valueFn func(globalIndex []int) T) error {
	for linear, tile := range t.tileList {
		if !tile.IsLocal() {
			continue
		}
		err := tile.MutableFlatData(func(flat []T) {
			for local, global := range t.IterTile(linear) {
				flat[local] = valueFn(global)
			}
		})
		if err != nil {
			return errors.WithMessagef(err, "%s.FillOwned()", t)
		}
	}
	return nil
}

// ReadOwned copies the elements of the tiles owned by this node into dense, a column-major slice with one
// element per tensor element. Elements of tiles owned by other nodes are left untouched.
//
// It waits for the pending tasks writing to the owned tiles.
func (t *Tensor[T]) ReadOwned(dense []T) error {
	if len(dense) != t.NumElements {
		exceptions.Panicf("%s.ReadOwned(): len(dense)=%d, it must be %d", t, len(dense), t.NumElements)
	}
	for linear, tile := range t.tileList {
		if !tile.IsLocal() {
			continue
		}
		err := tile.ConstFlatData(func(flat []T) {
			for local, global := range t.IterTile(linear) {
				dense[t.IndexToLinear(global)] = flat[local]
			}
		})
		if err != nil {
			return errors.WithMessagef(err, "%s.ReadOwned()", t)
		}
	}
	return nil
}

// DenseCopyIntersection copies, element by element, the values of the dense column-major tensor src (of shape
// srcShape, placed at srcOffset) into dst (of shape dstShape, placed at dstOffset) where they overlap.
//
// It gives the same result as CopyIntersection over untiled, non-distributed data, and it is used to
// verify it.
func DenseCopyIntersection[T any](src []T, srcShape, srcOffset []int, dst []T, dstShape, dstOffset []int) {
	tiles.CheckSameRank("srcShape", srcShape, "dstShape", dstShape)
	tiles.CheckSameRank("srcOffset", srcOffset, "dstOffset", dstOffset)
	tiles.CheckSameRank("srcShape", srcShape, "srcOffset", srcOffset)
	srcTraits := tiles.NewTileTraits(srcShape...)
	dstTraits := tiles.NewTileTraits(dstShape...)
	if len(src) != srcTraits.NumElements || len(dst) != dstTraits.NumElements {
		exceptions.Panicf("tensors.DenseCopyIntersection: len(src)=%d and len(dst)=%d, want %d and %d",
			len(src), len(dst), srcTraits.NumElements, dstTraits.NumElements)
	}
	srcIndex := make([]int, len(srcShape))
	for linear, dstIndex := range dstTraits.Iter() {
		for axis := range srcIndex {
			srcIndex[axis] = dstIndex[axis] + dstOffset[axis] - srcOffset[axis]
		}
		if srcTraits.Contains(srcIndex) {
			dst[linear] = src[srcTraits.IndexToLinear(srcIndex)]
		}
	}
}
