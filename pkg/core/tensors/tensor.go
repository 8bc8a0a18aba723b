// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements tiled tensors distributed over the nodes of a backend, and the operations that
// move data between them, most importantly CopyIntersection.
//
// A Tensor is partitioned in a grid of tiles (see Traits), and each tile is owned by one node, as given by a
// distributed.Distribution. Programs are SPMD: every node creates the same tensors in the same order, and
// every node calls the same operations; each node then submits only its share of the work to its backend.
//
// ## Glossary
//
//   - Base tile: the nominal tile shape. Tiles at the end of an axis may be smaller (ragged).
//   - Grid: the arrangement of tiles covering a tensor. A tile is identified by its grid coordinates or by its
//     linear (column-major) index in the grid.
//   - Owner: the node that holds the storage of a tile and executes the writes to it.
//   - Intersection: the region of global coordinates covered by two tensors placed at some offsets.
package tensors

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/pkg/core/distributed"
	"github.com/gomlx/gotile/pkg/core/tiles"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tensor is a tiled tensor with elements of type T, distributed over the nodes of a backend.
//
// It embeds its Traits, so Shape, BasetileShape, Grid, etc. can be accessed directly.
//
// The Tensor holds one reference to each of its tiles, released by Release.
type Tensor[T tiles.Element] struct {
	Traits

	backend      backends.Backend
	distribution distributed.Distribution
	tileList     []*tiles.Tile[T]
}

// New creates a tensor with the given traits, placing each tile on the node given by distribution, and
// assigning tags from tags.
//
// It registers the buffers of all tiles with the backend. The contents of the tiles are zero initialized.
func New[T tiles.Element](backend backends.Backend, traits Traits, distribution distributed.Distribution,
	tags *TagAllocator) (*Tensor[T], error) {
	if err := distribution.Validate(traits.NumTiles(), backend.NumNodes()); err != nil {
		return nil, errors.WithMessagef(err, "tensors.New(%s)", traits)
	}
	t := &Tensor[T]{
		Traits:       traits,
		backend:      backend,
		distribution: slices.Clone(distribution),
		tileList:     make([]*tiles.Tile[T], 0, traits.NumTiles()),
	}
	for linear := range traits.NumTiles() {
		tile, err := tiles.NewTile[T](backend, traits.TileTraitsAt(linear), distribution[linear], tags.Next())
		if err != nil {
			if releaseErr := t.Release(); releaseErr != nil {
				klog.Warningf("failed to release partially created tensor: %+v", releaseErr)
			}
			return nil, errors.WithMessagef(err, "tensors.New(%s): creating tile #%d", traits, linear)
		}
		t.tileList = append(t.tileList, tile)
	}
	return t, nil
}

// Backend returns the backend (the node) the tensor was created in.
func (t *Tensor[T]) Backend() backends.Backend { return t.backend }

// Distribution returns the owner of each tile. Don't change the returned slice.
func (t *Tensor[T]) Distribution() distributed.Distribution { return t.distribution }

// Tile returns the tile with the given linear index in the grid.
func (t *Tensor[T]) Tile(linear int) *tiles.Tile[T] {
	if linear < 0 || linear >= len(t.tileList) {
		exceptions.Panicf("%s.Tile(%d): out of range [0, %d)", t, linear, len(t.tileList))
	}
	return t.tileList[linear]
}

// TileAt returns the tile at the given grid coordinates.
func (t *Tensor[T]) TileAt(gridIndex []int) *tiles.Tile[T] {
	if !t.Grid.Contains(gridIndex) {
		exceptions.Panicf("%s.TileAt(%v): out of range for grid %v", t, gridIndex, t.Grid.Shape)
	}
	return t.tileList[t.Grid.IndexToLinear(gridIndex)]
}

// FlushTile invalidates the cached copies of tile linear on every node, so later operations observe the changes
// made by its owner (e.g. with tiles.Tile.MutableFlatData).
//
// It is SPMD: it must be called on every node, after the owner is done writing.
func (t *Tensor[T]) FlushTile(linear int) error {
	tile := t.Tile(linear)
	if err := t.backend.FlushCache(tile.Handle()); err != nil {
		return errors.WithMessagef(err, "%s.FlushTile(%d)", t, linear)
	}
	return nil
}

// Flush invalidates the cached copies of all tiles. See FlushTile.
func (t *Tensor[T]) Flush() error {
	for linear := range t.tileList {
		if err := t.FlushTile(linear); err != nil {
			return err
		}
	}
	return nil
}

// DType of the tensor elements.
func (t *Tensor[T]) DType() dtypes.DType { return tiles.DTypeFor[T]() }

// String implements fmt.Stringer.
func (t *Tensor[T]) String() string {
	return fmt.Sprintf("Tensor[%s](shape=%v, basetile=%v, node=%d)", t.DType(), t.Shape, t.BasetileShape,
		t.backend.Rank())
}

// Release drops the tensor's reference to every tile, unregistering those that are not used elsewhere.
// It returns the first error found, but it releases all tiles regardless.
//
// The tensor must not be used afterward.
func (t *Tensor[T]) Release() error {
	var firstErr error
	for _, tile := range t.tileList {
		if err := tile.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.tileList = nil
	return firstErr
}
