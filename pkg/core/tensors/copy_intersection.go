// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/pkg/core/tiles"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CopyIntersection copies the elements of src into dst where both overlap, when src is placed at the global
// coordinates srcOffset and dst at dstOffset. The elements of dst outside the intersection are left untouched.
// If the tensors don't overlap, it does nothing.
//
// It must be called on every node (SPMD). It submits the transfers and copies for the local node, and waits
// for all of them to complete (see backends.TaskInterface.WaitAll).
//
// It panics if the ranks of src, dst and the offsets don't match, or if the tensors belong to different backends.
// Errors submitting or executing the copies are returned.
func CopyIntersection[T tiles.Element](src *Tensor[T], srcOffset []int, dst *Tensor[T], dstOffset []int) error {
	if err := CopyIntersectionAsync(src, srcOffset, dst, dstOffset); err != nil {
		return err
	}
	if err := dst.backend.WaitAll(); err != nil {
		return errors.WithMessagef(err, "tensors.CopyIntersection(%s -> %s)", src, dst)
	}
	return nil
}

// CopyIntersectionAsync is the asynchronous version of CopyIntersection: it only submits the transfers and
// copies. Use the backend WaitAll to wait for them.
func CopyIntersectionAsync[T tiles.Element](src *Tensor[T], srcOffset []int, dst *Tensor[T], dstOffset []int) error {
	tiles.CheckSameRank("src.Shape", src.Shape, "srcOffset", srcOffset)
	tiles.CheckSameRank("src.Shape", src.Shape, "dst.Shape", dst.Shape)
	tiles.CheckSameRank("dst.Shape", dst.Shape, "dstOffset", dstOffset)
	c := newTileCopier(src, dst)
	switch {
	case src.Rank() == 0:
		// Scalars: a single tile each, independent of the offsets.
		return c.copyTile(src.tileList[0], dst.tileList[0])
	case slices.Equal(srcOffset, dstOffset) && src.Traits.Equal(dst.Traits):
		return c.copyAllTiles()
	}
	return copyIntersectionGeneral(src, srcOffset, dst, dstOffset)
}

// tileCopier submits tile-level transfers and copies following the "owner executes" rule: transfers are submitted
// by the owners of the source and destination tiles, copies by the owner of the destination tile only, and
// cache flushes by every node.
type tileCopier[T tiles.Element] struct {
	src, dst *Tensor[T]
	backend  backends.Backend
	rank     int
}

func newTileCopier[T tiles.Element](src, dst *Tensor[T]) *tileCopier[T] {
	if src.backend != dst.backend {
		exceptions.Panicf("tensors: can't copy between tensors of different backends (%s and %s)", src, dst)
	}
	return &tileCopier[T]{
		src:     src,
		dst:     dst,
		backend: dst.backend,
		rank:    dst.backend.Rank(),
	}
}

// transfer makes srcTile resident on the owner of dstTile, if needed.
func (c *tileCopier[T]) transfer(srcTile, dstTile *tiles.Tile[T]) error {
	if srcTile.Owner() == dstTile.Owner() || (c.rank != srcTile.Owner() && c.rank != dstTile.Owner()) {
		return nil
	}
	err := c.backend.SubmitTransfer(srcTile.Handle(), dstTile.Owner())
	return errors.WithMessagef(err, "transferring %s to node #%d", srcTile, dstTile.Owner())
}

// flush invalidates the cached copies of dstTile, after it was written.
func (c *tileCopier[T]) flush(dstTile *tiles.Tile[T]) error {
	return errors.WithMessagef(c.backend.FlushCache(dstTile.Handle()), "flushing %s", dstTile)
}

// copyTile copies the whole srcTile into dstTile, which must have the same shape.
func (c *tileCopier[T]) copyTile(srcTile, dstTile *tiles.Tile[T]) error {
	if err := c.transfer(srcTile, dstTile); err != nil {
		return err
	}
	if c.rank == dstTile.Owner() {
		if err := c.backend.SubmitWholeCopy(dstTile.Handle(), srcTile.Handle()); err != nil {
			return errors.WithMessagef(err, "copying %s to %s", srcTile, dstTile)
		}
	}
	return c.flush(dstTile)
}

// copyAllTiles copies each tile of src into the tile with the same index in dst: their traits must be equal.
func (c *tileCopier[T]) copyAllTiles() error {
	for linear, dstTile := range c.dst.tileList {
		if err := c.copyTile(c.src.tileList[linear], dstTile); err != nil {
			return err
		}
	}
	return nil
}

// copyIntersectionGeneral implements CopyIntersectionAsync for tensors of rank > 0, with any offsets and tiling.
//
// For each axis the intersection starts at srcStart in the source (local coordinates), at dstStart in the
// destination and has copyShape elements. The destination tiles touched by it are walked in column-major order,
// and for each one the source tiles that overlap it are walked in the same order, each contributing one
// sub-block. Only the first contribution to a destination tile may use Write access, and only if the tile is
// fully covered: the following ones must preserve what was already written.
func copyIntersectionGeneral[T tiles.Element](src *Tensor[T], srcOffset []int, dst *Tensor[T], dstOffset []int) error {
	c := newTileCopier(src, dst)
	ndim := src.Rank()
	srcStart := make([]int, ndim)
	dstStart := make([]int, ndim)
	copyShape := make([]int, ndim)
	dstBegin := make([]int, ndim)
	dstEnd := make([]int, ndim)
	for axis := range ndim {
		if srcOffset[axis]+src.Shape[axis] <= dstOffset[axis] || dstOffset[axis]+dst.Shape[axis] <= srcOffset[axis] {
			klog.V(2).Infof("tensors.CopyIntersection: %s at %v and %s at %v don't overlap on axis %d",
				src, srcOffset, dst, dstOffset, axis)
			return nil
		}
		if srcOffset[axis] < dstOffset[axis] {
			srcStart[axis] = dstOffset[axis] - srcOffset[axis]
			copyShape[axis] = min(src.Shape[axis]-srcStart[axis], dst.Shape[axis])
		} else {
			dstStart[axis] = srcOffset[axis] - dstOffset[axis]
			copyShape[axis] = min(dst.Shape[axis]-dstStart[axis], src.Shape[axis])
		}
		dstBegin[axis] = dstStart[axis] / dst.BasetileShape[axis]
		dstEnd[axis] = (dstStart[axis]+copyShape[axis]-1)/dst.BasetileShape[axis] + 1
	}
	klog.V(2).Infof("tensors.CopyIntersection: %s[%v:+%v] -> %s[%v:+%v], destination tiles [%v, %v)",
		src, srcStart, copyShape, dst, dstStart, copyShape, dstBegin, dstEnd)

	scratch := backends.NewScratch(ndim)
	srcBegin := make([]int, ndim)
	srcEnd := make([]int, ndim)
	desc := backends.SubblockCopy{
		SrcStart: make([]int, ndim),
		DstStart: make([]int, ndim),
		Shape:    make([]int, ndim),
	}
	for _, dstIndex := range tiles.IterRange(dstBegin, dstEnd) {
		dstTile := dst.tileList[dst.Grid.IndexToLinear(dstIndex)]
		dstTileShape := dstTile.Shape()

		// Range of source tiles overlapping the destination tile, and whether the destination is fully covered.
		mode := backends.Write
		for axis := range ndim {
			d, dstBasetile, srcBasetile := dstIndex[axis], dst.BasetileShape[axis], src.BasetileShape[axis]
			if d == dstBegin[axis] {
				srcBegin[axis] = srcStart[axis] / srcBasetile
				if d*dstBasetile != dstStart[axis] {
					mode = backends.ReadWrite
				}
			} else {
				srcBegin[axis] = (d*dstBasetile - dstStart[axis] + srcStart[axis]) / srcBasetile
			}
			if d+1 == dstEnd[axis] {
				srcEnd[axis] = (srcStart[axis]+copyShape[axis]-1)/srcBasetile + 1
				if d*dstBasetile+dstTileShape[axis] != dstStart[axis]+copyShape[axis] {
					mode = backends.ReadWrite
				}
			} else {
				srcEnd[axis] = ((d+1)*dstBasetile-1-dstStart[axis]+srcStart[axis])/srcBasetile + 1
			}
		}
		numSrcTiles := tiles.RangeSize(srcBegin, srcEnd)
		klog.V(2).Infof("  destination tile %v (%s, node #%d): %d source tiles [%v, %v)",
			dstIndex, mode, dstTile.Owner(), numSrcTiles, srcBegin, srcEnd)

		for count, srcIndex := range tiles.IterRange(srcBegin, srcEnd) {
			srcTile := src.tileList[src.Grid.IndexToLinear(srcIndex)]
			subblock(srcIndex, dstIndex, srcBegin, srcEnd, dstBegin, dstEnd, srcStart, dstStart, copyShape,
				src.BasetileShape, dst.BasetileShape, &desc)
			if err := c.transfer(srcTile, dstTile); err != nil {
				return err
			}
			if c.rank != dstTile.Owner() {
				continue
			}
			if numSrcTiles == 1 && mode == backends.Write && slices.Equal(desc.Shape, srcTile.Shape()) {
				if err := c.backend.SubmitWholeCopy(dstTile.Handle(), srcTile.Handle()); err != nil {
					return errors.WithMessagef(err, "copying %s to %s", srcTile, dstTile)
				}
				continue
			}
			tileMode := backends.ReadWrite
			if count == 0 {
				tileMode = mode
			}
			desc.SrcStride = srcTile.Traits().Stride
			desc.DstStride = dstTile.Traits().Stride
			err := c.backend.SubmitSubblockCopy(desc, srcTile.Handle(), dstTile.Handle(), scratch, tileMode)
			if err != nil {
				return errors.WithMessagef(err, "copying %s of %s to %s", desc, srcTile, dstTile)
			}
		}
		if err := c.flush(dstTile); err != nil {
			return err
		}
	}
	return nil
}

// subblock fills desc.SrcStart, desc.DstStart and desc.Shape with the sub-block copied from the source tile at
// srcIndex to the destination tile at dstIndex.
//
// On each axis, the first source tile overlapping a destination tile starts where the destination tile's
// covered span starts, the following ones start at their beginning. The last source tile ends where the
// covered span ends, the others at their end.
func subblock(srcIndex, dstIndex, srcBegin, srcEnd, dstBegin, dstEnd, srcStart, dstStart, copyShape,
	srcBasetile, dstBasetile []int, desc *backends.SubblockCopy) {
	for axis := range srcIndex {
		s, d := srcIndex[axis], dstIndex[axis]
		sb, db := srcBasetile[axis], dstBasetile[axis]
		var srcTileStart, dstTileStart int
		switch {
		case s != srcBegin[axis]:
			srcTileStart = 0
			dstTileStart = dstStart[axis] - srcStart[axis] + s*sb - d*db
		case d == dstBegin[axis]:
			srcTileStart = srcStart[axis] - s*sb
			dstTileStart = dstStart[axis] - d*db
		default:
			srcTileStart = srcStart[axis] - dstStart[axis] + d*db - s*sb
			dstTileStart = 0
		}
		var shape int
		switch {
		case s+1 != srcEnd[axis]:
			shape = sb - srcTileStart
		case d+1 == dstEnd[axis]:
			shape = srcStart[axis] + copyShape[axis] - s*sb - srcTileStart
		default:
			shape = db - dstTileStart
		}
		desc.SrcStart[axis] = srcTileStart
		desc.DstStart[axis] = dstTileStart
		desc.Shape[axis] = shape
	}
}
