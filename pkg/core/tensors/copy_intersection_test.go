// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors_test

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/backends/simulated"
	"github.com/gomlx/gotile/pkg/core/distributed"
	"github.com/gomlx/gotile/pkg/core/tensors"
	"github.com/gomlx/gotile/pkg/core/tensors/tensorstest"
	"github.com/gomlx/gotile/pkg/core/tiles"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockCyclic returns a block-cyclic distribution of traits over a 1D-like process grid of numNodes nodes.
func blockCyclic(t *testing.T, traits tensors.Traits, numNodes int) distributed.Distribution {
	procGrid := make([]int, traits.Rank())
	for axis := range procGrid {
		procGrid[axis] = 1
	}
	if len(procGrid) > 0 {
		procGrid[0] = numNodes
	}
	d, err := distributed.BlockCyclic(traits.Grid.Shape, procGrid, 0, numNodes)
	require.NoError(t, err)
	return d
}

// linearValue returns a value function that gives to each element its (1-based) linear index times sign.
func linearValue(shape []int, sign float32) func(index []int) float32 {
	traits := tiles.NewTileTraits(shape...)
	return func(index []int) float32 {
		return sign * float32(traits.IndexToLinear(index)+1)
	}
}

func copyIntersection[T tiles.Element](c *tensorstest.Cluster, src tensorstest.Distributed[T], srcOffset []int,
	dst tensorstest.Distributed[T], dstOffset []int) {
	c.RunSPMD(func(rank int, _ backends.Backend) error {
		return tensors.CopyIntersection(src[rank], srcOffset, dst[rank], dstOffset)
	})
}

func TestCopyIntersection(t *testing.T) {
	t.Run("Concrete1D", func(t *testing.T) {
		c := tensorstest.NewCluster(t, 2)
		srcTraits := tensors.NewTraits([]int{6}, []int{3})
		dstTraits := tensors.NewTraits([]int{5}, []int{2})
		src := tensorstest.NewTensor[float32](c, srcTraits, blockCyclic(t, srcTraits, 2))
		dst := tensorstest.NewTensor[float32](c, dstTraits, blockCyclic(t, dstTraits, 2))
		src.Fill(c, linearValue(srcTraits.Shape, 1))
		dst.Fill(c, func([]int) float32 { return -1 })

		copyIntersection(c, src, []int{1}, dst, []int{0})
		// D[1:5] = S[0:4], D[0] unchanged.
		assert.Equal(t, []float32{-1, 1, 2, 3, 4}, dst.Collect(t))
	})

	t.Run("Ragged", func(t *testing.T) {
		c := tensorstest.NewCluster(t, 3)
		srcTraits := tensors.NewTraits([]int{5}, []int{2})
		dstTraits := tensors.NewTraits([]int{7}, []int{3})
		src := tensorstest.NewTensor[float32](c, srcTraits, blockCyclic(t, srcTraits, 3))
		dst := tensorstest.NewTensor[float32](c, dstTraits, blockCyclic(t, dstTraits, 3))
		for linear, want := range []int{2, 2, 1} {
			assert.Equal(t, []int{want}, src[0].Tile(linear).Shape())
		}
		src.Fill(c, linearValue(srcTraits.Shape, 1))
		dst.Fill(c, func([]int) float32 { return 0 })
		copyIntersection(c, src, []int{3}, dst, []int{0})
		assert.Equal(t, []float32{0, 0, 0, 1, 2, 3, 4}, dst.Collect(t))
	})

	t.Run("NoOverlap", func(t *testing.T) {
		c := tensorstest.NewCluster(t, 2)
		traits := tensors.NewTraits([]int{4, 3}, []int{2, 2})
		src := tensorstest.NewTensor[float32](c, traits, blockCyclic(t, traits, 2))
		dst := tensorstest.NewTensor[float32](c, traits, blockCyclic(t, traits, 2))
		src.Fill(c, linearValue(traits.Shape, 1))
		dst.Fill(c, linearValue(traits.Shape, -1))
		want := dst.Collect(t)
		before := c.Stats()
		for _, offsets := range [][2][]int{
			{{0, 0}, {4, 0}},   // Touching on axis 0.
			{{0, 5}, {0, 0}},   // Past the end on axis 1.
			{{-4, 1}, {0, 0}},  // Before the start on axis 0.
			{{10, 10}, {0, 0}}, // Far away on both.
		} {
			copyIntersection(c, src, offsets[0], dst, offsets[1])
			require.Equal(t, want, dst.Collect(t), "offsets %v", offsets)
		}
		after := c.Stats()
		assert.Equal(t, before.TransfersSent, after.TransfersSent)
		assert.Equal(t, before.Flushes, after.Flushes)
	})

	t.Run("Scalar", func(t *testing.T) {
		c := tensorstest.NewCluster(t, 2)
		traits := tensors.NewTraits(nil, nil)
		a := tensorstest.NewTensor[float64](c, traits, distributed.Single(1, 0))
		b := tensorstest.NewTensor[float64](c, traits, distributed.Single(1, 1))
		e := tensorstest.NewTensor[float64](c, traits, distributed.Single(1, 0))
		a.Fill(c, func([]int) float64 { return 42 })

		copyIntersection(c, a, []int{}, b, []int{})
		assert.Equal(t, []float64{42}, b.Collect(t))

		// Node 0 caches b while copying it into e.
		copyIntersection(c, b, []int{}, e, []int{})
		assert.Equal(t, []float64{42}, e.Collect(t))

		// Updating b flushes the copy cached by node 0, so e observes the new value.
		a.Fill(c, func([]int) float64 { return 7 })
		copyIntersection(c, a, []int{}, b, []int{})
		copyIntersection(c, b, []int{}, e, []int{})
		assert.Equal(t, []float64{7}, b.Collect(t))
		assert.Equal(t, []float64{7}, e.Collect(t))
		assert.Equal(t, int64(4), c.Stats().TransfersReceived)
	})

	t.Run("OwnerUpdate", func(t *testing.T) {
		c := tensorstest.NewCluster(t, 2)
		traits := tensors.NewTraits([]int{4}, []int{4})
		src := tensorstest.NewTensor[float32](c, traits, distributed.Single(1, 0))
		dst := tensorstest.NewTensor[float32](c, traits, distributed.Single(1, 1))
		src.Fill(c, func([]int) float32 { return 1 })
		copyIntersection(c, src, []int{0}, dst, []int{1})
		assert.Equal(t, []float32{1, 1, 1, 0}, dst.Collect(t))

		setSource := func(value float32) {
			err := src.Owned(0).MutableFlatData(func(flat []float32) {
				for ii := range flat {
					flat[ii] = value
				}
			})
			require.NoError(t, err)
		}

		// Node 1 keeps its cached copy of the source until it is flushed.
		setSource(9)
		copyIntersection(c, src, []int{0}, dst, []int{1})
		assert.Equal(t, []float32{1, 1, 1, 0}, dst.Collect(t))

		c.RunSPMD(func(rank int, _ backends.Backend) error {
			return src[rank].Flush()
		})
		copyIntersection(c, src, []int{0}, dst, []int{1})
		assert.Equal(t, []float32{9, 9, 9, 0}, dst.Collect(t))
		assert.Equal(t, int64(2), c.Stats().TransfersReceived)

		setSource(5)
		c.RunSPMD(func(rank int, _ backends.Backend) error {
			return src[rank].FlushTile(0)
		})
		copyIntersection(c, src, []int{0}, dst, []int{0})
		assert.Equal(t, []float32{5, 5, 5, 5}, dst.Collect(t))
		assert.Equal(t, int64(3), c.Stats().TransfersReceived)
		require.Panics(t, func() { _ = src[0].FlushTile(1) })
	})

	t.Run("Randomized", func(t *testing.T) {
		const numNodes = 3
		c := tensorstest.NewCluster(t, numNodes, simulated.WithWorkers(2))
		rng := rand.New(rand.NewPCG(17, 42))
		for trial := range 60 {
			ndim := 1 + rng.IntN(3)
			srcShape, dstShape := make([]int, ndim), make([]int, ndim)
			srcTile, dstTile := make([]int, ndim), make([]int, ndim)
			srcOffset, dstOffset := make([]int, ndim), make([]int, ndim)
			procGrid := make([]int, ndim)
			for axis := range ndim {
				srcShape[axis], dstShape[axis] = 1+rng.IntN(7), 1+rng.IntN(7)
				srcTile[axis], dstTile[axis] = 1+rng.IntN(4), 1+rng.IntN(4)
				srcOffset[axis], dstOffset[axis] = rng.IntN(7)-3, rng.IntN(7)-3
				procGrid[axis] = 1 + rng.IntN(2)
			}
			name := fmt.Sprintf("trial=%d src=%v/%v@%v dst=%v/%v@%v", trial,
				srcShape, srcTile, srcOffset, dstShape, dstTile, dstOffset)
			srcTraits := tensors.NewTraits(srcShape, srcTile)
			dstTraits := tensors.NewTraits(dstShape, dstTile)
			srcDist, err := distributed.BlockCyclic(srcTraits.Grid.Shape, procGrid, rng.IntN(numNodes), numNodes)
			require.NoError(t, err)
			dstDist, err := distributed.BlockCyclic(dstTraits.Grid.Shape, procGrid, rng.IntN(numNodes), numNodes)
			require.NoError(t, err)
			src := tensorstest.NewTensor[float32](c, srcTraits, srcDist)
			dst := tensorstest.NewTensor[float32](c, dstTraits, dstDist)
			src.Fill(c, linearValue(srcShape, 1))
			dst.Fill(c, linearValue(dstShape, -1))

			want := tensorstest.Dense(dstShape, linearValue(dstShape, -1))
			tensors.DenseCopyIntersection(src.Collect(t), srcShape, srcOffset, want, dstShape, dstOffset)
			copyIntersection(c, src, srcOffset, dst, dstOffset)
			require.Equal(t, want, dst.Collect(t), name)

			// Idempotence.
			copyIntersection(c, src, srcOffset, dst, dstOffset)
			require.Equal(t, want, dst.Collect(t), name)
			src.Release()
			dst.Release()
		}
	})

	t.Run("FullMatch", func(t *testing.T) {
		c := tensorstest.NewCluster(t, 3)
		traits := tensors.NewTraits([]int{5, 4, 3}, []int{2, 3, 2})
		src := tensorstest.NewTensor[float32](c, traits, blockCyclic(t, traits, 3))
		fast := tensorstest.NewTensor[float32](c, traits, distributed.Single(traits.NumTiles(), 1))
		general := tensorstest.NewTensor[float32](c, traits, distributed.Single(traits.NumTiles(), 1))
		src.Fill(c, linearValue(traits.Shape, 1))
		offset := []int{1, 2, 3}

		before := c.Stats()
		copyIntersection(c, src, offset, fast, offset)
		afterFast := c.Stats()
		c.RunSPMD(func(rank int, backend backends.Backend) error {
			if err := tensors.CopyIntersectionGeneral(src[rank], offset, general[rank], offset); err != nil {
				return err
			}
			return backend.WaitAll()
		})
		afterGeneral := c.Stats()
		assert.Equal(t, src.Collect(t), fast.Collect(t))
		assert.Equal(t, fast.Collect(t), general.Collect(t))

		// The fast path only does whole-tile copies. The general path also uses whole-tile copies, since tiles
		// are fully covered and aligned.
		assert.Equal(t, int64(traits.NumTiles()), afterFast.WholeCopies-before.WholeCopies)
		assert.Equal(t, int64(0), afterFast.SubblockCopies-before.SubblockCopies)
		assert.Equal(t, int64(traits.NumTiles()), afterGeneral.WholeCopies-afterFast.WholeCopies)
	})

	t.Run("Int64", func(t *testing.T) {
		c := tensorstest.NewCluster(t, 2)
		srcTraits := tensors.NewTraits([]int{4, 4}, []int{3, 3})
		dstTraits := tensors.NewTraits([]int{3, 3}, []int{2, 2})
		src := tensorstest.NewTensor[int64](c, srcTraits, blockCyclic(t, srcTraits, 2))
		dst := tensorstest.NewTensor[int64](c, dstTraits, blockCyclic(t, dstTraits, 2))
		src.Fill(c, func(index []int) int64 { return int64(10*index[0] + index[1]) })
		copyIntersection(c, src, []int{0, 0}, dst, []int{1, 1})
		// dst[i, j] = src[i+1, j+1], column-major.
		assert.Equal(t, []int64{11, 21, 31, 12, 22, 32, 13, 23, 33}, dst.Collect(t))
	})

	t.Run("Preconditions", func(t *testing.T) {
		c := tensorstest.NewCluster(t, 1)
		traits2D := tensors.NewTraits([]int{2, 2}, []int{1, 1})
		traits1D := tensors.NewTraits([]int{4}, []int{2})
		a := tensorstest.NewTensor[float32](c, traits2D, distributed.Single(4, 0))
		b := tensorstest.NewTensor[float32](c, traits1D, distributed.Single(2, 0))
		require.Panics(t, func() { _ = tensors.CopyIntersection(a[0], []int{0}, a[0], []int{0, 0}) })
		require.Panics(t, func() { _ = tensors.CopyIntersection(a[0], []int{0, 0}, b[0], []int{0}) })
		require.Panics(t, func() { _ = tensors.CopyIntersection(b[0], []int{0}, b[0], []int{0, 0}) })

		other := tensorstest.NewCluster(t, 1)
		d := tensorstest.NewTensor[float32](other, traits1D, distributed.Single(2, 0))
		require.Panics(t, func() { _ = tensors.CopyIntersection(b[0], []int{0}, d[0], []int{1}) })
	})
}

// failingBackend fails every sub-block copy submission.
type failingBackend struct {
	backends.Backend
}

func (b failingBackend) SubmitSubblockCopy(backends.SubblockCopy, backends.Handle, backends.Handle, backends.Scratch,
	backends.AccessMode) error {
	return errors.New("injected submission failure")
}

func TestCopyIntersection_SubmissionFailure(t *testing.T) {
	c := tensorstest.NewCluster(t, 1)
	backend := failingBackend{c.Node(0)}
	tags := tensors.NewTagAllocator(0)
	src, err := tensors.New[float32](backend, tensors.NewTraits([]int{4}, []int{2}), distributed.Single(2, 0), tags)
	require.NoError(t, err)
	dst, err := tensors.New[float32](backend, tensors.NewTraits([]int{4}, []int{3}), distributed.Single(2, 0), tags)
	require.NoError(t, err)
	err = tensors.CopyIntersection(src, []int{0}, dst, []int{0})
	require.ErrorContains(t, err, "injected submission failure")

	// Whole tile copies still work.
	require.NoError(t, tensors.Copy(src, src))
	require.NoError(t, src.Release())
	require.NoError(t, dst.Release())
}
