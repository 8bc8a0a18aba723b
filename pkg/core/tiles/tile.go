// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiles

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/gotile/backends"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Element enumerates the Go types that can be stored in tiles.
type Element interface {
	float32 | float64 | float16.Float16 | bfloat16.BFloat16 | int32 | int64
}

// DTypeFor returns the dtype corresponding to the Go type T.
func DTypeFor[T Element]() dtypes.DType {
	return dtypes.FromGenericsType[T]()
}

// Tile is a container for one buffer registered with a backend, plus its geometry and ownership metadata.
//
// The buffer is only allocated on the owner node, but every node holds a Tile (and a Handle) for it, so that
// transfers and copies can refer to it.
//
// A Tile is reference counted: it starts with one reference, Retain adds one, and the last Release
// unregisters the buffer. Don't use it after it is unregistered.
type Tile[T Element] struct {
	traits  TileTraits
	backend backends.Backend
	handle  backends.Handle
	owner   int
	tag     int64

	refs atomic.Int32
}

// NewTile registers a buffer for a tile with the given traits with the backend, owned by the node owner.
func NewTile[T Element](backend backends.Backend, traits TileTraits, owner int, tag int64) (*Tile[T], error) {
	if owner < 0 || owner >= backend.NumNodes() {
		return nil, errors.Errorf("tiles.NewTile: owner rank %d out of range [0, %d)", owner, backend.NumNodes())
	}
	handle, err := backend.Register(DTypeFor[T](), traits.NumElements, owner, tag)
	if err != nil {
		return nil, errors.WithMessagef(err, "tiles.NewTile(shape=%v, owner=%d, tag=%d)", traits.Shape, owner, tag)
	}
	t := &Tile[T]{
		traits:  traits,
		backend: backend,
		handle:  handle,
		owner:   owner,
		tag:     tag,
	}
	t.refs.Store(1)
	return t, nil
}

// Traits returns the geometry of the tile.
func (t *Tile[T]) Traits() TileTraits { return t.traits }

// Shape returns the tile shape. Don't change the returned slice.
func (t *Tile[T]) Shape() []int { return t.traits.Shape }

// Handle returns the backend handle of the buffer.
func (t *Tile[T]) Handle() backends.Handle { return t.handle }

// Owner returns the rank of the node that owns the tile.
func (t *Tile[T]) Owner() int { return t.owner }

// Tag returns the tile's cross-node communication tag.
func (t *Tile[T]) Tag() int64 { return t.tag }

// Backend returns the backend the tile was registered with.
func (t *Tile[T]) Backend() backends.Backend { return t.backend }

// IsLocal returns whether the tile is owned by the node of its backend.
func (t *Tile[T]) IsLocal() bool { return t.owner == t.backend.Rank() }

// IsRegistered returns false after the tile has been unregistered.
func (t *Tile[T]) IsRegistered() bool { return t.refs.Load() > 0 }

// String implements fmt.Stringer.
func (t *Tile[T]) String() string {
	return fmt.Sprintf("Tile[%s](shape=%v, owner=%d, tag=%d, handle=%d)",
		DTypeFor[T](), t.traits.Shape, t.owner, t.tag, t.handle)
}

// Acquire waits for conflicting submitted tasks and returns the tile data, valid until release is called.
// See backends.DataInterface.Acquire.
func (t *Tile[T]) Acquire(mode backends.AccessMode) (flat []T, release func(), err error) {
	if !t.IsRegistered() {
		return nil, nil, errors.Errorf("%s: tile already unregistered", t)
	}
	flatAny, release, err := t.backend.Acquire(t.handle, mode)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "acquiring %s", t)
	}
	flat, ok := flatAny.([]T)
	if !ok {
		release()
		return nil, nil, errors.Errorf("%s: backend returned data of type %T", t, flatAny)
	}
	return flat, release, nil
}

// ConstFlatData calls accessFn with the flattened data of the tile, with shared read access.
// The data must not be changed, nor used after accessFn returns.
func (t *Tile[T]) ConstFlatData(accessFn func(flat []T)) error {
	flat, release, err := t.Acquire(backends.Read)
	if err != nil {
		return err
	}
	defer release()
	accessFn(flat)
	return nil
}

// MutableFlatData calls accessFn with the flattened data of the tile, with exclusive read-write access.
//
// Only the owner can mutate a tile: changes to a cached copy on other nodes would be lost.
//
// Cached copies on other nodes are not updated: after mutating, every node must flush the tile
// (see tensors.Tensor.FlushTile, or backends.Backend.FlushCache on the tile's handle).
func (t *Tile[T]) MutableFlatData(accessFn func(flat []T)) error {
	if !t.IsLocal() {
		return errors.Errorf("%s: can only be mutated on its owner node %d, this is node %d",
			t, t.owner, t.backend.Rank())
	}
	flat, release, err := t.Acquire(backends.ReadWrite)
	if err != nil {
		return err
	}
	defer release()
	accessFn(flat)
	return nil
}

// Retain adds a reference to the tile, and returns it for convenience.
func (t *Tile[T]) Retain() *Tile[T] {
	if t.refs.Add(1) <= 1 {
		klog.Warningf("%s: Retain() called on an unregistered tile", t)
	}
	return t
}

// Release drops one reference to the tile. The last reference unregisters the buffer.
func (t *Tile[T]) Release() error {
	refs := t.refs.Add(-1)
	switch {
	case refs > 0:
		return nil
	case refs < 0:
		t.refs.Store(0)
		return errors.Errorf("%s: released more times than it was retained", t)
	}
	return t.unregister()
}

// Unregister the buffer immediately, regardless of the number of references.
// It waits for outstanding tasks that use the buffer.
func (t *Tile[T]) Unregister() error {
	if t.refs.Swap(0) <= 0 {
		return nil
	}
	return t.unregister()
}

func (t *Tile[T]) unregister() error {
	if err := t.backend.Unregister(t.handle); err != nil {
		return errors.WithMessagef(err, "unregistering %s", t)
	}
	return nil
}
