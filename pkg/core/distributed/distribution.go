// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed maps the tiles of a tensor to the nodes (processes) that own them.
//
// A Distribution lists the owner rank of each tile, indexed by the linear (column-major) index of the tile in
// the tensor's tile grid. The usual policy is BlockCyclic, which deals the tiles over a ProcessGrid like cards,
// cycling over the process grid independently along each axis.
package distributed

import (
	"fmt"
	"strings"

	"github.com/gomlx/gotile/pkg/core/tiles"
	"github.com/pkg/errors"
)

// Distribution maps the linear index of each tile of a tensor grid to the rank of its owner node.
// Ownership is static: it doesn't change during the life of a tensor.
type Distribution []int

// BlockCyclic returns the block-cyclic distribution of a tile grid of shape tensorGrid over a process grid of
// shape processGrid (with the same rank).
//
// For each tile, its grid coordinates are reduced modulo processGrid, folded into a process rank with axis 0
// as the least significant (see ProcessGrid), and the result is offset by startRank and wrapped modulo maxRank.
//
// For a rank-0 grid there is one tile, owned by startRank modulo maxRank.
func BlockCyclic(tensorGrid, processGrid []int, startRank, maxRank int) (Distribution, error) {
	if len(tensorGrid) != len(processGrid) {
		return nil, errors.Errorf("distributed.BlockCyclic: tensor grid %v and process grid %v must have the same rank",
			tensorGrid, processGrid)
	}
	if maxRank <= 0 {
		return nil, errors.Errorf("distributed.BlockCyclic: maxRank must be > 0, got %d", maxRank)
	}
	if startRank < 0 {
		return nil, errors.Errorf("distributed.BlockCyclic: startRank must be >= 0, got %d", startRank)
	}
	for axis := range tensorGrid {
		if tensorGrid[axis] <= 0 || processGrid[axis] <= 0 {
			return nil, errors.Errorf("distributed.BlockCyclic: tensor grid %v and process grid %v must be positive, "+
				"got a non-positive value on axis %d", tensorGrid, processGrid, axis)
		}
	}
	grid := tiles.NewTileTraits(tensorGrid...)
	d := make(Distribution, grid.NumElements)
	coords := make([]int, grid.Rank())
	for linear, index := range grid.Iter() {
		for axis, c := range index {
			coords[axis] = c % processGrid[axis]
		}
		d[linear] = (foldRank(coords, processGrid) + startRank) % maxRank
	}
	return d, nil
}

// foldRank folds coordinates into a rank with axis 0 the least significant.
func foldRank(coords, sizes []int) int {
	ndim := len(coords)
	if ndim == 0 {
		return 0
	}
	rank := coords[ndim-1] % sizes[ndim-1]
	for axis := ndim - 2; axis >= 0; axis-- {
		rank = rank*sizes[axis] + coords[axis]%sizes[axis]
	}
	return rank
}

// Single returns the distribution that places all numTiles tiles on the node rank.
func Single(numTiles, rank int) Distribution {
	d := make(Distribution, numTiles)
	for i := range d {
		d[i] = rank
	}
	return d
}

// Validate checks that the distribution has one owner for each of numTiles tiles, all in [0, maxRank).
func (d Distribution) Validate(numTiles, maxRank int) error {
	if len(d) != numTiles {
		return errors.Errorf("distribution has %d owners, but there are %d tiles", len(d), numTiles)
	}
	for tile, owner := range d {
		if owner < 0 || owner >= maxRank {
			return errors.Errorf("distribution assigns tile %d to rank %d, out of range [0, %d)", tile, owner, maxRank)
		}
	}
	return nil
}

// Counts returns the number of tiles owned by each rank in [0, maxRank). Owners out of range are ignored.
func (d Distribution) Counts(maxRank int) []int {
	counts := make([]int, maxRank)
	for _, owner := range d {
		if owner >= 0 && owner < maxRank {
			counts[owner]++
		}
	}
	return counts
}

// Map formats the owners of a rank-2 (or lower) tile grid as a table of ranks, with grid axis 0 along the rows.
// Higher rank grids are formatted as a flat list.
func (d Distribution) Map(tensorGrid []int) string {
	if len(tensorGrid) != 2 {
		return fmt.Sprintf("%v", []int(d))
	}
	var sb strings.Builder
	for row := range tensorGrid[0] {
		if row > 0 {
			sb.WriteString("\n")
		}
		for col := range tensorGrid[1] {
			if col > 0 {
				sb.WriteString(" ")
			}
			_, _ = fmt.Fprintf(&sb, "%2d", d[row+col*tensorGrid[0]])
		}
	}
	return sb.String()
}
