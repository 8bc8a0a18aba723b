// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"testing"

	"github.com/gomlx/gotile/pkg/core/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessGrid(t *testing.T) {
	t.Run("NewProcessGrid_Valid", func(t *testing.T) {
		tests := []struct {
			name      string
			sizes     []int
			axisNames []string
			wantRank  int
			wantNum   int
		}{
			{"scalar", []int{}, []string{}, 0, 1},
			{"1D grid", []int{8}, []string{"nodes"}, 1, 8},
			{"2D grid", []int{2, 4}, []string{"rows", "cols"}, 2, 8},
			{"3D grid", []int{2, 2, 2}, []string{"x", "y", "z"}, 3, 8},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				grid, err := distributed.NewProcessGrid(tt.sizes, tt.axisNames)
				require.NoError(t, err)
				assert.Equal(t, tt.wantRank, grid.Rank())
				assert.Equal(t, tt.wantNum, grid.NumProcesses())
			})
		}
	})

	t.Run("NewProcessGrid_Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			sizes     []int
			axisNames []string
			wantErr   string
		}{
			{"mismatched lengths", []int{2, 4}, []string{"x"}, "must have the same length"},
			{"empty axis name", []int{4}, []string{""}, "not a valid identifier"},
			{"invalid axis name", []int{4}, []string{"1x"}, "not a valid identifier"},
			{"duplicate axis names", []int{2, 4}, []string{"x", "x"}, `axis name "x" is duplicated`},
			{"zero size", []int{2, 0}, []string{"x", "y"}, `axis "y" has size 0`},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				grid, err := distributed.NewProcessGrid(tt.sizes, tt.axisNames)
				require.Error(t, err)
				assert.Nil(t, grid)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("Accessors", func(t *testing.T) {
		grid, err := distributed.NewProcessGrid([]int{2, 4}, []string{"x", "y"})
		require.NoError(t, err)
		assert.Equal(t, "ProcessGrid(axesSizes={x: 2, y: 4})", grid.String())

		names := grid.AxesNames()
		assert.Equal(t, []string{"x", "y"}, names)
		names[0] = "modified"
		assert.Equal(t, []string{"x", "y"}, grid.AxesNames())

		sizes := grid.AxesSizes()
		sizes[0] = 99
		assert.Equal(t, []int{2, 4}, grid.AxesSizes())

		size, err := grid.AxisSize("y")
		require.NoError(t, err)
		assert.Equal(t, 4, size)
		_, err = grid.AxisSize("z")
		require.ErrorContains(t, err, "not found")
	})

	t.Run("RankOf", func(t *testing.T) {
		grid, err := distributed.NewProcessGrid([]int{2, 3}, []string{"x", "y"})
		require.NoError(t, err)
		for rank := range grid.NumProcesses() {
			coords, err := grid.CoordsOf(rank)
			require.NoError(t, err)
			got, err := grid.RankOf(coords)
			require.NoError(t, err)
			assert.Equal(t, rank, got)
		}
		rank, err := grid.RankOf([]int{1, 2})
		require.NoError(t, err)
		assert.Equal(t, 5, rank)
		// Coordinates are reduced modulo the grid.
		rank, err = grid.RankOf([]int{3, 4})
		require.NoError(t, err)
		assert.Equal(t, 3, rank)

		_, err = grid.RankOf([]int{1})
		require.Error(t, err)
		_, err = grid.RankOf([]int{-1, 0})
		require.Error(t, err)
		_, err = grid.CoordsOf(6)
		require.Error(t, err)
	})

	t.Run("BlockCyclic", func(t *testing.T) {
		grid, err := distributed.NewProcessGrid([]int{2, 2}, []string{"rows", "cols"})
		require.NoError(t, err)
		d, err := grid.BlockCyclic([]int{3, 3}, 0, grid.NumProcesses())
		require.NoError(t, err)
		for linear, owner := range d {
			want, err := grid.RankOf([]int{linear % 3, linear / 3})
			require.NoError(t, err)
			assert.Equal(t, want, owner)
		}
	})

	t.Run("Groups", func(t *testing.T) {
		grid, err := distributed.NewProcessGrid([]int{2, 2}, []string{"rows", "cols"})
		require.NoError(t, err)
		tests := []struct {
			name string
			axes []string
			want [][]int
		}{
			{"rows", []string{"rows"}, [][]int{{0, 1}, {2, 3}}},
			{"cols", []string{"cols"}, [][]int{{0, 2}, {1, 3}}},
			{"all", []string{"rows", "cols"}, [][]int{{0, 1, 2, 3}}},
			{"none", nil, [][]int{{0}, {1}, {2}, {3}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				groups, err := grid.Groups(tt.axes...)
				require.NoError(t, err)
				assert.Equal(t, tt.want, groups)
			})
		}
		_, err = grid.Groups("rows", "rows")
		require.ErrorContains(t, err, "duplicated")
		_, err = grid.Groups("depth")
		require.ErrorContains(t, err, "not found")
	})
}
