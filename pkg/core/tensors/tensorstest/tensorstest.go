// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensorstest holds test utilities for packages that depend on the tensors package.
//
// It runs SPMD programs over a simulated cluster, keeping one instance of each tensor per node, and converts
// distributed tensors to and from dense (column-major) slices to compare with reference results.
package tensorstest

import (
	"testing"

	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/backends/simulated"
	"github.com/gomlx/gotile/pkg/core/distributed"
	"github.com/gomlx/gotile/pkg/core/tensors"
	"github.com/gomlx/gotile/pkg/core/tiles"
	"github.com/stretchr/testify/require"
)

// Cluster wraps a simulated.Cluster with one TagAllocator per node, and checks errors with the test's require.
type Cluster struct {
	*simulated.Cluster
	t    testing.TB
	tags []*tensors.TagAllocator
}

// NewCluster creates a simulated cluster with numNodes nodes, finalized when the test finishes.
func NewCluster(t testing.TB, numNodes int, options ...simulated.Option) *Cluster {
	cluster, err := simulated.NewCluster(numNodes, options...)
	require.NoError(t, err)
	t.Cleanup(cluster.Finalize)
	c := &Cluster{
		Cluster: cluster,
		t:       t,
		tags:    make([]*tensors.TagAllocator, numNodes),
	}
	for rank := range c.tags {
		c.tags[rank] = tensors.NewTagAllocator(0)
	}
	return c
}

// Tags returns the TagAllocator of the node rank.
func (c *Cluster) Tags(rank int) *tensors.TagAllocator { return c.tags[rank] }

// RunSPMD runs fn concurrently on every node and requires that none fails.
func (c *Cluster) RunSPMD(fn func(rank int, backend backends.Backend) error) {
	err := c.Run(func(backend backends.Backend) error {
		return fn(backend.Rank(), backend)
	})
	require.NoError(c.t, err)
}

// Distributed holds the instances of one tensor on every node, indexed by rank.
type Distributed[T tiles.Element] []*tensors.Tensor[T]

// NewTensor creates the same tensor on every node of the cluster.
func NewTensor[T tiles.Element](c *Cluster, traits tensors.Traits, distribution distributed.Distribution) Distributed[T] {
	d := make(Distributed[T], c.NumNodes())
	c.RunSPMD(func(rank int, backend backends.Backend) error {
		var err error
		d[rank], err = tensors.New[T](backend, traits, distribution, c.tags[rank])
		return err
	})
	c.t.Cleanup(func() { d.Release() })
	return d
}

// Traits of the tensor.
func (d Distributed[T]) Traits() tensors.Traits { return d[0].Traits }

// Owned returns the instance of tile linear on its owner node.
func (d Distributed[T]) Owned(linear int) *tiles.Tile[T] {
	owner := d[0].Distribution()[linear]
	return d[owner].Tile(linear)
}

// Fill sets each element of the tensor to valueFn(globalIndex), writing on the owner of each tile, and then
// flushes the cached copies of all tiles.
//
// It runs SPMD over the cluster: don't call it inside RunSPMD.
func (d Distributed[T]) Fill(c *Cluster, valueFn func(globalIndex []int) T) {
	c.RunSPMD(func(rank int, _ backends.Backend) error {
		if err := d[rank].FillOwned(valueFn); err != nil {
			return err
		}
		return d[rank].Flush()
	})
}

// Collect returns the contents of the tensor as a dense column-major slice, read from the owner of each tile.
//
// It is not SPMD: call it outside RunSPMD.
func (d Distributed[T]) Collect(t testing.TB) []T {
	dense := make([]T, d.Traits().NumElements)
	for _, tensor := range d {
		require.NoError(t, tensor.ReadOwned(dense))
	}
	return dense
}

// Release all instances of the tensor. It is called automatically at the end of the test.
func (d Distributed[T]) Release() {
	for _, tensor := range d {
		if tensor != nil {
			_ = tensor.Release()
		}
	}
}

// Dense returns a dense column-major slice of the given shape with values given by valueFn(index).
func Dense[T any](shape []int, valueFn func(index []int) T) []T {
	traits := tiles.NewTileTraits(shape...)
	dense := make([]T, traits.NumElements)
	for linear, index := range traits.Iter() {
		dense[linear] = valueFn(index)
	}
	return dense
}
