// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/pkg/core/kernels"
	"github.com/gomlx/gotile/pkg/support/sets"
	"github.com/gomlx/gotile/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compile-time check that simulated.Node implements backends.TaskInterface.
var _ backends.TaskInterface = (*Node)(nil)

// submit schedules fn to execute on the node's workers, after the latches in deps are triggered and after
// prepare (if not nil) returns. Both the waiting and prepare happen outside the workers pool, so blocked tasks
// never hold a worker.
//
// done is triggered when fn finishes, even if it fails or panics. Errors are collected and returned by WaitAll.
func (n *Node) submit(description string, deps []*xsync.Latch, done *xsync.Latch, prepare func(), fn func() error) {
	n.pending.Add(1)
	go func() {
		xsync.WaitAll(deps...)
		if prepare != nil {
			prepare()
		}
		n.pool.WaitToStart(func() {
			var err error
			if exception := exceptions.TryCatch[error](func() { err = fn() }); exception != nil {
				err = exception
			}
			n.stats.tasksExecuted.Add(1)
			done.Trigger()
			if err != nil {
				err = errors.WithMessagef(err, "%s: task %s failed", n, description)
				klog.Errorf("%+v", err)
			}
			n.pending.DoneWithError(err)
		})
	}()
}

// SubmitTransfer implements backends.TaskInterface.
func (n *Node) SubmitTransfer(handle backends.Handle, destination int) error {
	if destination < 0 || destination >= n.NumNodes() {
		return errors.Errorf("%s: SubmitTransfer of handle %d to invalid node #%d", n, handle, destination)
	}
	n.mu.Lock()
	reg, found := n.registry[handle]
	if !found {
		n.mu.Unlock()
		return errors.Errorf("%s: SubmitTransfer of unknown handle %d", n, handle)
	}
	switch {
	case reg.owner == destination:
		n.mu.Unlock()
		return nil

	case reg.owner == n.rank:
		// Sender.
		sent, found := n.sentTo[handle]
		if !found {
			sent = sets.Make[int]()
			n.sentTo[handle] = sent
		}
		if sent.Has(destination) {
			n.mu.Unlock()
			return nil
		}
		sent.Insert(destination)
		key := messageKey{tag: reg.tag, from: n.rank, to: destination, seq: n.nextSeq(n.sendSeq, reg.tag, destination)}
		n.mu.Unlock()

		data := reg.data
		done := xsync.NewLatch()
		deps := data.access(backends.Read, done)
		n.submit("send", deps, done, nil, func() error {
			if data.flat == nil {
				return errors.Errorf("handle %d (tag %d) was unregistered before being sent", handle, reg.tag)
			}
			n.cluster.post(key, data.snapshot())
			n.stats.transfersSent.Add(1)
			n.stats.bytesSent.Add(data.memory())
			klog.V(1).Infof("%s: sent tag %d to node #%d (seq %d, %d bytes)", n, key.tag, destination, key.seq, data.memory())
			return nil
		})
		return nil

	case destination == n.rank:
		// Receiver.
		if _, found := n.replicas[handle]; found {
			n.mu.Unlock()
			return nil
		}
		replica := newEmptyBuffer(reg.dtype, reg.size)
		n.replicas[handle] = replica
		key := messageKey{tag: reg.tag, from: reg.owner, to: n.rank, seq: n.nextSeq(n.recvSeq, reg.tag, reg.owner)}
		n.mu.Unlock()

		done := xsync.NewLatch()
		deps := replica.access(backends.Write, done)
		var payload any
		n.submit("receive", deps, done, func() { payload = n.cluster.receive(key) }, func() error {
			replica.flat = payload
			n.stats.transfersReceived.Add(1)
			n.stats.bytesReceived.Add(replica.memory())
			klog.V(1).Infof("%s: received tag %d from node #%d (seq %d)", n, key.tag, key.from, key.seq)
			return nil
		})
		return nil

	default:
		n.mu.Unlock()
		return nil
	}
}

// nextSeq returns the next sequence number for messages with the given tag and peer, and increments it.
// It must be called with n.mu locked.
func (n *Node) nextSeq(counters map[peerTag]int64, tag int64, peer int) int64 {
	key := peerTag{tag: tag, peer: peer}
	seq := counters[key]
	counters[key] = seq + 1
	return seq
}

// copyOperands validates and returns the registrations and buffers of a copy from src to dst.
func (n *Node) copyOperands(op string, dst, src backends.Handle) (dstReg, srcReg *registration, dstBuf, srcBuf *buffer, err error) {
	dstReg, dstBuf, err = n.resident(dst)
	if err != nil {
		err = errors.WithMessagef(err, "%s destination", op)
		return
	}
	if dstReg.owner != n.rank {
		err = errors.Errorf("%s: %s must be submitted on the owner of the destination handle %d (node #%d)",
			n, op, dst, dstReg.owner)
		return
	}
	srcReg, srcBuf, err = n.resident(src)
	if err != nil {
		err = errors.WithMessagef(err, "%s source", op)
		return
	}
	if srcReg.dtype != dstReg.dtype {
		err = errors.Errorf("%s: %s from handle %d (%s) to handle %d (%s): dtypes don't match",
			n, op, src, srcReg.dtype, dst, dstReg.dtype)
		return
	}
	return
}

// SubmitWholeCopy implements backends.TaskInterface.
func (n *Node) SubmitWholeCopy(dst, src backends.Handle) error {
	dstReg, srcReg, dstBuf, srcBuf, err := n.copyOperands("SubmitWholeCopy", dst, src)
	if err != nil {
		return err
	}
	if srcReg.size != dstReg.size {
		return errors.Errorf("%s: SubmitWholeCopy from handle %d (%d elements) to handle %d (%d elements): sizes don't match",
			n, src, srcReg.size, dst, dstReg.size)
	}
	if src == dst {
		return nil
	}
	done := xsync.NewLatch()
	deps := srcBuf.access(backends.Read, done)
	deps = append(deps, dstBuf.access(backends.Write, done)...)
	n.submit("whole copy", deps, done, nil, func() error {
		if srcBuf.flat == nil || dstBuf.flat == nil {
			return errors.Errorf("whole copy from handle %d to handle %d: buffer was unregistered", src, dst)
		}
		kernels.DispatchCopy(dstReg.dtype, dstBuf.flat, srcBuf.flat)
		n.stats.wholeCopies.Add(1)
		return nil
	})
	return nil
}

// checkSubblock verifies that the positions touched by a sub-block copy fall inside buffers of the given sizes.
func checkSubblock(desc backends.SubblockCopy, srcSize, dstSize int) error {
	rank := desc.Rank()
	if len(desc.SrcStart) != rank || len(desc.SrcStride) != rank ||
		len(desc.DstStart) != rank || len(desc.DstStride) != rank {
		return errors.Errorf("invalid %s: inconsistent ranks", desc)
	}
	srcLast, dstLast := 0, 0
	for axis, dim := range desc.Shape {
		if dim <= 0 {
			return errors.Errorf("invalid %s: dimension %d of axis %d must be > 0", desc, dim, axis)
		}
		if desc.SrcStart[axis] < 0 || desc.DstStart[axis] < 0 || desc.SrcStride[axis] <= 0 || desc.DstStride[axis] <= 0 {
			return errors.Errorf("invalid %s: negative start or non-positive stride on axis %d", desc, axis)
		}
		srcLast += (desc.SrcStart[axis] + dim - 1) * desc.SrcStride[axis]
		dstLast += (desc.DstStart[axis] + dim - 1) * desc.DstStride[axis]
	}
	if srcLast >= srcSize {
		return errors.Errorf("invalid %s: reads position %d of a source with %d elements", desc, srcLast, srcSize)
	}
	if dstLast >= dstSize {
		return errors.Errorf("invalid %s: writes position %d of a destination with %d elements", desc, dstLast, dstSize)
	}
	return nil
}

// SubmitSubblockCopy implements backends.TaskInterface.
func (n *Node) SubmitSubblockCopy(desc backends.SubblockCopy, src, dst backends.Handle, scratch backends.Scratch,
	mode backends.AccessMode) error {
	if !mode.IsWrite() {
		return errors.Errorf("%s: SubmitSubblockCopy requires mode Write or ReadWrite for the destination, got %s", n, mode)
	}
	dstReg, srcReg, dstBuf, srcBuf, err := n.copyOperands("SubmitSubblockCopy", dst, src)
	if err != nil {
		return err
	}
	if err = checkSubblock(desc, srcReg.size, dstReg.size); err != nil {
		return errors.WithMessagef(err, "%s: SubmitSubblockCopy from handle %d to handle %d", n, src, dst)
	}
	if scratch.NumIndices < desc.Rank() {
		return errors.Errorf("%s: SubmitSubblockCopy of rank %d needs a scratch of at least %d indices, got %d",
			n, desc.Rank(), desc.Rank(), scratch.NumIndices)
	}
	desc = desc.Clone()
	done := xsync.NewLatch()
	var deps []*xsync.Latch
	if src == dst {
		deps = dstBuf.access(backends.ReadWrite, done)
	} else {
		deps = srcBuf.access(backends.Read, done)
		deps = append(deps, dstBuf.access(mode, done)...)
	}
	n.submit("sub-block copy", deps, done, nil, func() error {
		if srcBuf.flat == nil || dstBuf.flat == nil {
			return errors.Errorf("%s from handle %d to handle %d: buffer was unregistered", desc, src, dst)
		}
		indices, release := n.scratch(scratch.NumIndices)
		defer release()
		kernels.DispatchSubcopy(dstReg.dtype, desc, srcBuf.flat, dstBuf.flat, indices)
		n.stats.subblockCopies.Add(1)
		return nil
	})
	return nil
}

// FlushCache implements backends.TaskInterface.
//
// On the owner it forgets to which nodes the handle was sent, and on the other nodes it drops the cached copy.
// Tasks already submitted keep using the buffers they were submitted with.
func (n *Node) FlushCache(handle backends.Handle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	reg, found := n.registry[handle]
	if !found {
		return errors.Errorf("%s: FlushCache of unknown handle %d", n, handle)
	}
	if reg.owner == n.rank {
		if sent := n.sentTo[handle]; len(sent) > 0 {
			klog.V(2).Infof("%s: flushing handle %d (tag %d), cached on nodes %v", n, handle, reg.tag, sets.Sorted(sent))
		}
		delete(n.sentTo, handle)
	} else {
		delete(n.replicas, handle)
	}
	n.stats.flushes.Add(1)
	return nil
}

// WaitAll implements backends.TaskInterface.
func (n *Node) WaitAll() error {
	return n.pending.Wait()
}
