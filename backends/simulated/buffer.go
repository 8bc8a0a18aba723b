// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"reflect"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/pkg/support/xsync"
)

// buffer holds the storage of a tile on one node (the owner's data or a cached copy), and tracks the tasks
// accessing it, to order them.
type buffer struct {
	dtype dtypes.DType
	size  int

	// flat is a slice of the Go type of dtype, with size elements.
	// Tasks only touch it after waiting for the latches of their dependencies.
	flat any

	mu sync.Mutex
	// lastWrite is the completion latch of the last submitted access that writes the buffer.
	lastWrite *xsync.Latch
	// reads are the completion latches of read accesses submitted after lastWrite.
	reads []*xsync.Latch
}

func newBuffer(dtype dtypes.DType, size int) *buffer {
	return &buffer{
		dtype: dtype,
		size:  size,
		flat:  reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size).Interface(),
	}
}

// newEmptyBuffer returns a buffer whose flat data will be set by its first writer.
func newEmptyBuffer(dtype dtypes.DType, size int) *buffer {
	return &buffer{dtype: dtype, size: size}
}

// access registers a new access to the buffer with the given mode, that will trigger done when finished.
// It returns the latches the access must wait for before touching the data.
//
// Readers wait for the last writer only. Writers wait for the last writer and all readers since then.
func (b *buffer) access(mode backends.AccessMode, done *xsync.Latch) (deps []*xsync.Latch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastWrite != nil && !b.lastWrite.Test() {
		deps = append(deps, b.lastWrite)
	}
	if !mode.IsWrite() {
		// Prune readers that are already finished, so the list doesn't grow unbounded.
		reads := b.reads[:0]
		for _, r := range b.reads {
			if !r.Test() {
				reads = append(reads, r)
			}
		}
		b.reads = append(reads, done)
		return
	}
	for _, r := range b.reads {
		if !r.Test() {
			deps = append(deps, r)
		}
	}
	b.lastWrite = done
	b.reads = nil
	return
}

// memory returns the number of bytes used by the buffer data.
func (b *buffer) memory() int64 {
	return int64(b.dtype.Memory()) * int64(b.size)
}

// snapshot returns a copy of the flat data.
func (b *buffer) snapshot() any {
	flatV := reflect.ValueOf(b.flat)
	clone := reflect.MakeSlice(flatV.Type(), b.size, b.size)
	reflect.Copy(clone, flatV)
	return clone.Interface()
}
