// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraits(t *testing.T) {
	t.Run("Ragged", func(t *testing.T) {
		traits := NewTraits([]int{5}, []int{2})
		assert.Equal(t, []int{3}, traits.Grid.Shape)
		assert.Equal(t, []int{1}, traits.LeftoverShape)
		assert.Equal(t, 3, traits.NumTiles())
		var shapes [][]int
		for linear := range traits.NumTiles() {
			shapes = append(shapes, traits.TileTraitsAt(linear).Shape)
		}
		assert.Equal(t, [][]int{{2}, {2}, {1}}, shapes)
	})

	t.Run("2D", func(t *testing.T) {
		traits := NewTraits([]int{7, 4}, []int{3, 4})
		assert.Equal(t, []int{3, 1}, traits.Grid.Shape)
		assert.Equal(t, []int{1, 4}, traits.LeftoverShape)
		assert.Equal(t, 28, traits.NumElements)
		assert.Equal(t, []int{3, 4}, traits.TileShape([]int{1, 0}))
		assert.Equal(t, []int{1, 4}, traits.TileShape([]int{2, 0}))
		assert.Equal(t, "TensorTraits(shape=[7 4], basetile=[3 4], leftover=[1 4], grid=[3 1])", traits.String())

		tile, offset := traits.Locate([]int{6, 2})
		assert.Equal(t, 2, tile)
		assert.Equal(t, []int{0, 2}, offset)
		tile, offset = traits.Locate([]int{4, 3})
		assert.Equal(t, 1, tile)
		assert.Equal(t, []int{1, 3}, offset)
	})

	t.Run("IterTile", func(t *testing.T) {
		traits := NewTraits([]int{5, 3}, []int{2, 2})
		var locals []int
		var globals [][]int
		for local, global := range traits.IterTile(5) {
			locals = append(locals, local)
			globals = append(globals, slices.Clone(global))
		}
		// Tile 5 is at grid (2, 1): the ragged corner of shape [1, 1].
		assert.Equal(t, []int{0}, locals)
		assert.Equal(t, [][]int{{4, 2}}, globals)

		globals = nil
		for _, global := range traits.IterTile(1) {
			globals = append(globals, slices.Clone(global))
		}
		assert.Equal(t, [][]int{{2, 0}, {3, 0}, {2, 1}, {3, 1}}, globals)

		// Every element is visited exactly once.
		seen := make([]int, traits.NumElements)
		for linear := range traits.NumTiles() {
			for _, global := range traits.IterTile(linear) {
				seen[traits.IndexToLinear(global)]++
			}
		}
		for _, count := range seen {
			require.Equal(t, 1, count)
		}
	})

	t.Run("Scalar", func(t *testing.T) {
		traits := NewTraits(nil, nil)
		assert.Equal(t, 0, traits.Rank())
		assert.Equal(t, 1, traits.NumTiles())
		assert.Equal(t, 1, traits.TileTraitsAt(0).NumElements)
	})

	t.Run("BasetileLargerThanShape", func(t *testing.T) {
		traits := NewTraits([]int{3, 2}, []int{10, 10})
		assert.Equal(t, []int{1, 1}, traits.Grid.Shape)
		assert.Equal(t, []int{3, 2}, traits.TileShape([]int{0, 0}))
	})

	t.Run("Equal", func(t *testing.T) {
		a := NewTraits([]int{4, 4}, []int{2, 2})
		assert.True(t, a.Equal(NewTraits([]int{4, 4}, []int{2, 2})))
		assert.False(t, a.Equal(NewTraits([]int{4, 4}, []int{4, 2})))
		assert.False(t, a.Equal(NewTraits([]int{4, 5}, []int{2, 2})))
	})

	t.Run("Preconditions", func(t *testing.T) {
		require.Panics(t, func() { NewTraits([]int{4, 4}, []int{2}) })
		require.Panics(t, func() { NewTraits([]int{4, 0}, []int{2, 2}) })
		require.Panics(t, func() { NewTraits([]int{4, 4}, []int{2, 0}) })
		traits := NewTraits([]int{4, 4}, []int{2, 2})
		require.Panics(t, func() { traits.TileShape([]int{2, 0}) })
		require.Panics(t, func() { traits.TileShape([]int{0}) })
		require.Panics(t, func() { traits.Locate([]int{4, 0}) })
	})
}

func TestTagAllocator(t *testing.T) {
	tags := NewTagAllocator(10)
	assert.Equal(t, int64(10), tags.Next())
	assert.Equal(t, int64(11), tags.Next())
	assert.Equal(t, int64(12), tags.Reserve(3))
	assert.Equal(t, int64(15), tags.Peek())
	assert.Equal(t, int64(15), tags.Next())
}
