// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors_test

import (
	"testing"

	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/pkg/core/distributed"
	"github.com/gomlx/gotile/pkg/core/tensors"
	"github.com/gomlx/gotile/pkg/core/tensors/tensorstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopy(t *testing.T) {
	c := tensorstest.NewCluster(t, 3)
	traits := tensors.NewTraits([]int{5, 6}, []int{2, 4})
	src := tensorstest.NewTensor[float64](c, traits, blockCyclic(t, traits, 3))
	dist, err := distributed.BlockCyclic(traits.Grid.Shape, []int{1, 2}, 1, 3)
	require.NoError(t, err)
	dst := tensorstest.NewTensor[float64](c, traits, dist)
	src.Fill(c, func(index []int) float64 { return float64(100*index[0] + index[1]) })

	c.RunSPMD(func(rank int, _ backends.Backend) error {
		return tensors.Copy(src[rank], dst[rank])
	})
	assert.Equal(t, src.Collect(t), dst.Collect(t))

	other := tensorstest.NewTensor[float64](c, tensors.NewTraits([]int{5, 6}, []int{3, 4}),
		distributed.Single(4, 0))
	require.Panics(t, func() { _ = tensors.Copy(src[0], other[0]) })
}

func TestGatherScatter(t *testing.T) {
	const numNodes = 4
	c := tensorstest.NewCluster(t, numNodes)
	shape := []int{7, 3, 2}
	tiled := tensors.NewTraits(shape, []int{2, 2, 1})
	whole := tensors.NewTraits(shape, shape)
	src := tensorstest.NewTensor[int32](c, tiled, blockCyclic(t, tiled, numNodes))
	gathered := tensorstest.NewTensor[int32](c, whole, distributed.Single(1, 2))
	scattered := tensorstest.NewTensor[int32](c, tiled, blockCyclic(t, tiled, numNodes))
	src.Fill(c, linearValueInt(shape))

	c.RunSPMD(func(rank int, _ backends.Backend) error {
		return tensors.Gather(src[rank], gathered[rank])
	})
	want := src.Collect(t)
	assert.Equal(t, want, gathered.Collect(t))

	c.RunSPMD(func(rank int, _ backends.Backend) error {
		return tensors.Scatter(gathered[rank], scattered[rank])
	})
	assert.Equal(t, want, scattered.Collect(t))

	require.Panics(t, func() { _ = tensors.Gather(src[0], scattered[0]) })
	require.Panics(t, func() { _ = tensors.Scatter(src[0], gathered[0]) })
}

func TestTensor(t *testing.T) {
	c := tensorstest.NewCluster(t, 2)
	traits := tensors.NewTraits([]int{4, 3}, []int{2, 2})
	dist := distributed.Distribution{0, 1, 1, 0}
	x := tensorstest.NewTensor[float32](c, traits, dist)

	for rank, tensor := range x {
		assert.Equal(t, 4, tensor.NumTiles())
		assert.Equal(t, dist, tensor.Distribution())
		assert.Equal(t, "Float32", tensor.DType().String())
		tile := tensor.TileAt([]int{1, 1})
		assert.Same(t, tensor.Tile(3), tile)
		assert.Equal(t, 0, tile.Owner())
		assert.Equal(t, []int{2, 1}, tensor.TileAt([]int{0, 1}).Shape())
		assert.Equal(t, rank == 0, tile.IsLocal())
		require.Panics(t, func() { tensor.Tile(4) })
		require.Panics(t, func() { tensor.TileAt([]int{2, 0}) })
	}
	// Same tags on every node.
	for linear := range traits.NumTiles() {
		assert.Equal(t, x[0].Tile(linear).Tag(), x[1].Tile(linear).Tag())
	}

	// Invalid distributions.
	_, err := tensors.New[float32](c.Node(0), traits, distributed.Distribution{0, 1}, c.Tags(0))
	assert.Error(t, err)
	_, err = tensors.New[float32](c.Node(0), traits, distributed.Distribution{0, 1, 2, 0}, c.Tags(0))
	assert.Error(t, err)
}

func linearValueInt(shape []int) func(index []int) int32 {
	fn := linearValue(shape, 1)
	return func(index []int) int32 { return int32(fn(index)) }
}
