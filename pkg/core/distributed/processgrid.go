// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gotile/pkg/support/sets"
	"github.com/pkg/errors"
)

// ProcessGrid defines the logical topology of the processes (nodes) a tensor is distributed over: a
// multi-dimensional grid with named axes, one per tensor axis.
//
// The rank of a process at coordinates c is computed folding the axes with axis 0 as the least significant:
// rank = c[0] + size[0]*(c[1] + size[1]*(c[2] + ...)).
type ProcessGrid struct {
	// axesNames are the names of the grid axes.
	axesNames []string

	// axesSizes defines the number of processes along each grid axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numProcesses is the total number of processes in the grid.
	numProcesses int
}

// IsNameValid checks whether a name is a valid identifier for a process grid axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewProcessGrid creates a new logical topology of processes.
//
//   - axesSizes: defines the number of processes along each grid axis, one value per axis.
//   - axesNames: the names of the grid axes, one value per axis. They must be valid identifiers (see IsNameValid).
//
// An empty grid (no axes) is valid, and it holds one process: it is used to distribute scalar tensors.
func NewProcessGrid(axesSizes []int, axesNames []string) (*ProcessGrid, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	numProcesses := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"ProcessGrid axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("ProcessGrid axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("ProcessGrid axis %q has size %d, it must be > 0", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numProcesses *= axesSizes[i]
	}
	return &ProcessGrid{
		axesNames:    slices.Clone(axesNames),
		axesSizes:    slices.Clone(axesSizes),
		nameToAxis:   nameToAxis,
		numProcesses: numProcesses,
	}, nil
}

// NumProcesses returns the total number of processes in the grid.
func (g *ProcessGrid) NumProcesses() int {
	return g.numProcesses
}

// Rank returns the number of axes in the grid.
func (g *ProcessGrid) Rank() int {
	return len(g.axesSizes)
}

// AxesNames returns a copy of the grid's axis names.
func (g *ProcessGrid) AxesNames() []string {
	return slices.Clone(g.axesNames)
}

// AxesSizes returns a copy of the grid's axis sizes.
func (g *ProcessGrid) AxesSizes() []int {
	return slices.Clone(g.axesSizes)
}

// AxisSize returns the number of processes along the given grid axis.
func (g *ProcessGrid) AxisSize(axisName string) (int, error) {
	idx, found := g.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("process grid axis %q not found", axisName)
	}
	return g.axesSizes[idx], nil
}

// String implements the fmt.Stringer interface.
func (g *ProcessGrid) String() string {
	var sb strings.Builder
	sb.WriteString("ProcessGrid(axesSizes={")
	for i, name := range g.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, g.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// RankOf returns the process rank of the given coordinates. Each coordinate is first reduced modulo the
// size of its axis, so any tile-grid coordinate can be used.
func (g *ProcessGrid) RankOf(coords []int) (int, error) {
	if len(coords) != len(g.axesSizes) {
		return 0, errors.Errorf("%s.RankOf(%v): expected %d coordinates, got %d", g, coords, g.Rank(), len(coords))
	}
	for axis, c := range coords {
		if c < 0 {
			return 0, errors.Errorf("%s.RankOf(%v): negative coordinate for axis %q", g, coords, g.axesNames[axis])
		}
	}
	return foldRank(coords, g.axesSizes), nil
}

// CoordsOf returns the coordinates in the grid of the process with the given rank. It's the inverse of RankOf.
func (g *ProcessGrid) CoordsOf(rank int) ([]int, error) {
	if rank < 0 || rank >= g.numProcesses {
		return nil, errors.Errorf("%s.CoordsOf(%d): rank out of range [0, %d)", g, rank, g.numProcesses)
	}
	coords := make([]int, len(g.axesSizes))
	for axis, size := range g.axesSizes {
		coords[axis] = rank % size
		rank /= size
	}
	return coords, nil
}

// BlockCyclic returns the block-cyclic distribution of a tensor with the given tile grid over this process
// grid. See the function BlockCyclic.
func (g *ProcessGrid) BlockCyclic(tensorGrid []int, startRank, maxRank int) (Distribution, error) {
	return BlockCyclic(tensorGrid, g.axesSizes, startRank, maxRank)
}

// Groups returns the process groups along the given axes: processes in the same group differ only in their
// coordinates on those axes. Groups are ordered by the coordinates of the remaining axes, and processes within
// a group by their coordinates on the given axes, always with the first axis the least significant.
//
// Example:
//
//	g, _ := NewProcessGrid([]int{2, 2}, []string{"rows", "cols"})
//	g.Groups("rows")          // -> [][]int{{0, 1}, {2, 3}}
//	g.Groups("cols")          // -> [][]int{{0, 2}, {1, 3}}
//	g.Groups("rows", "cols")  // -> [][]int{{0, 1, 2, 3}}
func (g *ProcessGrid) Groups(axes ...string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := g.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in %s", axis, g)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}
	otherIndices := make([]int, 0, g.Rank()-len(axisIndices))
	for axis := range g.axesSizes {
		if !axisSet.Has(axis) {
			otherIndices = append(otherIndices, axis)
		}
	}
	groupSize := 1
	for _, axis := range axisIndices {
		groupSize *= g.axesSizes[axis]
	}
	groups := make([][]int, g.numProcesses/groupSize)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	// position folds the coordinates of the selected axes, first axis the least significant.
	position := func(coords []int, selected []int) int {
		pos := 0
		for i := len(selected) - 1; i >= 0; i-- {
			pos = pos*g.axesSizes[selected[i]] + coords[selected[i]]
		}
		return pos
	}
	for rank := range g.numProcesses {
		coords, _ := g.CoordsOf(rank)
		groups[position(coords, otherIndices)][position(coords, axisIndices)] = rank
	}
	return groups, nil
}
