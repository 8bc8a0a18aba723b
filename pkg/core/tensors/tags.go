// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import "sync/atomic"

// TagAllocator hands out the cross-node communication tags of tiles, in increasing order.
//
// Each node has its own TagAllocator: since all nodes create the same tensors in the same order, they all
// assign the same tag to the same tile.
type TagAllocator struct {
	next atomic.Int64
}

// NewTagAllocator returns a TagAllocator whose first tag is first.
func NewTagAllocator(first int64) *TagAllocator {
	a := &TagAllocator{}
	a.next.Store(first)
	return a
}

// Next returns a new tag.
func (a *TagAllocator) Next() int64 {
	return a.next.Add(1) - 1
}

// Reserve returns the first of n consecutive new tags.
func (a *TagAllocator) Reserve(n int) int64 {
	return a.next.Add(int64(n)) - int64(n)
}

// Peek returns the tag the next call to Next will return.
func (a *TagAllocator) Peek() int64 {
	return a.next.Load()
}
