// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"slices"
)

// AccessMode of a task (or an Acquire) on a buffer.
type AccessMode int

const (
	// Read is shared read-only access.
	Read AccessMode = iota

	// Write is exclusive access where every element of the buffer is overwritten, so the previous contents are
	// not needed.
	Write

	// ReadWrite is exclusive access that preserves the elements that are not written.
	ReadWrite
)

// String implements fmt.Stringer.
func (m AccessMode) String() string {
	switch m {
	case Read:
		return "Read"
	case Write:
		return "Write"
	case ReadWrite:
		return "ReadWrite"
	default:
		return fmt.Sprintf("AccessMode(%d)", int(m))
	}
}

// IsWrite returns whether the mode modifies the buffer.
func (m AccessMode) IsWrite() bool { return m == Write || m == ReadWrite }

// Scratch describes a per-worker temporary buffer of NumIndices int values, used by the strided sub-block
// copy for its index bookkeeping.
//
// A Scratch is created once per operation and shared by all its tasks: the runtime hands each worker executing
// one of these tasks a private buffer of that size.
type Scratch struct {
	NumIndices int
}

// NewScratch returns the Scratch needed by a sub-block copy of the given rank.
func NewScratch(rank int) Scratch {
	return Scratch{NumIndices: 2 * rank}
}

// SubblockCopy describes a rectangular sub-block copy between two buffers laid out in column-major order.
//
// For each axis i, the elements SrcStart[i] ... SrcStart[i]+Shape[i]-1 of the source are copied to
// DstStart[i] ... DstStart[i]+Shape[i]-1 of the destination. Strides are in elements.
type SubblockCopy struct {
	SrcStart, SrcStride []int
	DstStart, DstStride []int
	Shape               []int
}

// Rank of the copy.
func (c SubblockCopy) Rank() int { return len(c.Shape) }

// Clone returns a deep copy, so the caller can reuse its slices after submitting.
func (c SubblockCopy) Clone() SubblockCopy {
	return SubblockCopy{
		SrcStart:  slices.Clone(c.SrcStart),
		SrcStride: slices.Clone(c.SrcStride),
		DstStart:  slices.Clone(c.DstStart),
		DstStride: slices.Clone(c.DstStride),
		Shape:     slices.Clone(c.Shape),
	}
}

// NumElements returns the number of elements copied.
func (c SubblockCopy) NumElements() int {
	n := 1
	for _, dim := range c.Shape {
		n *= dim
	}
	return n
}

// String implements fmt.Stringer.
func (c SubblockCopy) String() string {
	return fmt.Sprintf("SubblockCopy(src=%v/%v, dst=%v/%v, shape=%v)",
		c.SrcStart, c.SrcStride, c.DstStart, c.DstStride, c.Shape)
}

// TaskInterface is the Backend's sub-interface to submit asynchronous work.
//
// Tasks on the same buffer are executed in submission order when at least one of them writes it; readers
// can run concurrently. Tasks on independent buffers have no ordering.
type TaskInterface interface {
	// SubmitTransfer makes the current contents of handle resident on the node of rank destination.
	//
	// It must be called both by the owner of the handle (the sender) and by the destination node (the receiver),
	// and it is a no-op on any other node. It's also a no-op if the destination is the owner, or if the
	// destination already holds an up-to-date cached copy (one that was not flushed since it was transferred).
	SubmitTransfer(handle Handle, destination int) error

	// SubmitWholeCopy copies the entire contents of src into dst. It must be submitted on the node that owns dst,
	// and src must be resident there (owned or cached).
	SubmitWholeCopy(dst, src Handle) error

	// SubmitSubblockCopy copies the sub-block described by desc from src to dst, accessing dst with mode
	// (Write or ReadWrite). It must be submitted on the node that owns dst, and src must be resident there.
	SubmitSubblockCopy(desc SubblockCopy, src, dst Handle, scratch Scratch, mode AccessMode) error

	// FlushCache invalidates the cached copies of handle, so later reads observe the owner's updates.
	// It must be called on every node.
	FlushCache(handle Handle) error

	// WaitAll blocks until all tasks and transfers submitted on this node are completed.
	// It returns the errors that happened during their execution, if any.
	WaitAll() error
}
