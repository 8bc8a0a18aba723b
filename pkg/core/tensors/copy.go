// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gotile/pkg/core/tiles"
	"github.com/pkg/errors"
)

// CopyAsync submits the copy of src into dst, tile by tile. Both must have the same shape and base tile shape,
// but they may have different distributions.
//
// Like CopyIntersection, it must be called on every node.
func CopyAsync[T tiles.Element](src, dst *Tensor[T]) error {
	if !src.Traits.Equal(dst.Traits) {
		exceptions.Panicf("tensors.Copy(%s -> %s): shapes and base tile shapes must match", src, dst)
	}
	return newTileCopier(src, dst).copyAllTiles()
}

// Copy is the synchronous version of CopyAsync: it also waits for the copies to complete.
func Copy[T tiles.Element](src, dst *Tensor[T]) error {
	if err := CopyAsync(src, dst); err != nil {
		return err
	}
	return errors.WithMessagef(dst.backend.WaitAll(), "tensors.Copy(%s -> %s)", src, dst)
}

// Gather copies all of src into dst, which must have the same shape and a single tile: it collects a
// distributed tensor on the owner of that tile.
func Gather[T tiles.Element](src, dst *Tensor[T]) error {
	if dst.NumTiles() != 1 || !slices.Equal(src.Shape, dst.Shape) {
		exceptions.Panicf("tensors.Gather(%s -> %s): destination must have the same shape and a single tile",
			src, dst)
	}
	zeros := make([]int, src.Rank())
	return CopyIntersection(src, zeros, dst, zeros)
}

// Scatter copies src, which must have a single tile, into dst, with the same shape: it distributes the data
// held by one node over the tiles of dst. It is the inverse of Gather.
func Scatter[T tiles.Element](src, dst *Tensor[T]) error {
	if src.NumTiles() != 1 || !slices.Equal(src.Shape, dst.Shape) {
		exceptions.Panicf("tensors.Scatter(%s -> %s): source must have the same shape and a single tile",
			src, dst)
	}
	zeros := make([]int, src.Rank())
	return CopyIntersection(src, zeros, dst, zeros)
}
