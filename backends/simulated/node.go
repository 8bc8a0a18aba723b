// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"fmt"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gotile/backends"
	"github.com/gomlx/gotile/internal/workerspool"
	"github.com/gomlx/gotile/pkg/core/kernels"
	"github.com/gomlx/gotile/pkg/support/sets"
	"github.com/gomlx/gotile/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Node is one node of a simulated Cluster, and it implements backends.Backend.
type Node struct {
	cluster *Cluster
	rank    int
	pool    *workerspool.Pool
	pending *xsync.DynamicWaitGroup
	stats   statsCounters

	// scratchPools holds a *sync.Pool of []int per scratch size.
	scratchPools sync.Map

	mu         sync.Mutex
	finalized  bool
	nextHandle backends.Handle
	registry   map[backends.Handle]*registration
	tags       map[int64]backends.Handle

	// replicas are the cached copies of tiles owned by other nodes.
	replicas map[backends.Handle]*buffer

	// sentTo is the set of nodes holding an up-to-date cached copy of a tile owned by this node.
	sentTo map[backends.Handle]sets.Set[int]

	// sendSeq and recvSeq count messages per (tag, peer), to match sends and receives in order.
	sendSeq, recvSeq map[peerTag]int64
}

// registration of a buffer: every node holds one for every buffer, but only the owner has data.
type registration struct {
	handle backends.Handle
	dtype  dtypes.DType
	size   int
	owner  int
	tag    int64
	data   *buffer
}

type peerTag struct {
	tag  int64
	peer int
}

// Compile-time check that simulated.Node implements backends.Backend.
var _ backends.Backend = (*Node)(nil)

func newNode(cluster *Cluster, rank int) *Node {
	return &Node{
		cluster:  cluster,
		rank:     rank,
		pool:     workerspool.NewWithParallelism(cluster.workers),
		pending:  xsync.NewDynamicWaitGroup(),
		registry: make(map[backends.Handle]*registration),
		tags:     make(map[int64]backends.Handle),
		replicas: make(map[backends.Handle]*buffer),
		sentTo:   make(map[backends.Handle]sets.Set[int]),
		sendSeq:  make(map[peerTag]int64),
		recvSeq:  make(map[peerTag]int64),
	}
}

// Name returns the short name of the backend.
func (n *Node) Name() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (n *Node) Description() string {
	return fmt.Sprintf("Simulated cluster %q with %d nodes: node #%d", n.cluster.name, len(n.cluster.nodes), n.rank)
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("simulated[%s]#%d", n.cluster.name, n.rank)
}

// Rank of this node.
func (n *Node) Rank() int { return n.rank }

// NumNodes in the cluster.
func (n *Node) NumNodes() int { return len(n.cluster.nodes) }

// Cluster this node belongs to.
func (n *Node) Cluster() *Cluster { return n.cluster }

// Register implements backends.DataInterface.
func (n *Node) Register(dtype dtypes.DType, numElements int, owner int, tag int64) (backends.Handle, error) {
	if numElements <= 0 {
		return backends.InvalidHandle, errors.Errorf("%s: cannot register a buffer with %d elements", n, numElements)
	}
	if !kernels.IsSupported(dtype) {
		return backends.InvalidHandle, errors.Errorf("%s: dtype %s not supported", n, dtype)
	}
	if owner < 0 || owner >= n.NumNodes() {
		return backends.InvalidHandle, errors.Errorf("%s: owner rank %d out of range [0, %d)", n, owner, n.NumNodes())
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.finalized {
		return backends.InvalidHandle, errors.Errorf("%s: backend already finalized", n)
	}
	if other, found := n.tags[tag]; found {
		return backends.InvalidHandle, errors.Errorf("%s: tag %d already used by handle %d", n, tag, other)
	}
	reg := &registration{
		handle: n.nextHandle,
		dtype:  dtype,
		size:   numElements,
		owner:  owner,
		tag:    tag,
	}
	if owner == n.rank {
		reg.data = newBuffer(dtype, numElements)
	}
	n.nextHandle++
	n.registry[reg.handle] = reg
	n.tags[tag] = reg.handle
	return reg.handle, nil
}

// Unregister implements backends.DataInterface.
func (n *Node) Unregister(handle backends.Handle) error {
	n.mu.Lock()
	reg, found := n.registry[handle]
	if !found {
		n.mu.Unlock()
		return errors.Errorf("%s: Unregister of unknown handle %d", n, handle)
	}
	replica := n.replicas[handle]
	delete(n.registry, handle)
	delete(n.tags, reg.tag)
	delete(n.replicas, handle)
	delete(n.sentTo, handle)
	n.mu.Unlock()

	// Wait for outstanding tasks on the buffers.
	for _, b := range []*buffer{reg.data, replica} {
		if b == nil {
			continue
		}
		done := xsync.NewLatch()
		xsync.WaitAll(b.access(backends.Write, done)...)
		b.flat = nil
		done.Trigger()
	}
	return nil
}

// lookup returns the registration of a handle.
func (n *Node) lookup(handle backends.Handle) (*registration, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	reg, found := n.registry[handle]
	if !found {
		return nil, errors.Errorf("%s: unknown handle %d", n, handle)
	}
	return reg, nil
}

// OwnerOf implements backends.DataInterface.
func (n *Node) OwnerOf(handle backends.Handle) (int, error) {
	reg, err := n.lookup(handle)
	if err != nil {
		return -1, err
	}
	return reg.owner, nil
}

// TagOf implements backends.DataInterface.
func (n *Node) TagOf(handle backends.Handle) (int64, error) {
	reg, err := n.lookup(handle)
	if err != nil {
		return -1, err
	}
	return reg.tag, nil
}

// DTypeOf implements backends.DataInterface.
func (n *Node) DTypeOf(handle backends.Handle) (dtypes.DType, error) {
	reg, err := n.lookup(handle)
	if err != nil {
		return dtypes.InvalidDType, err
	}
	return reg.dtype, nil
}

// resident returns the buffer of a handle available on this node: the data if it is owned, or the cached copy.
func (n *Node) resident(handle backends.Handle) (*registration, *buffer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	reg, found := n.registry[handle]
	if !found {
		return nil, nil, errors.Errorf("%s: unknown handle %d", n, handle)
	}
	if reg.owner == n.rank {
		return reg, reg.data, nil
	}
	replica, found := n.replicas[handle]
	if !found {
		return nil, nil, errors.Errorf("%s: handle %d (tag %d) owned by node #%d is not resident in this node, "+
			"it needs to be transferred first", n, handle, reg.tag, reg.owner)
	}
	return reg, replica, nil
}

// Acquire implements backends.DataInterface.
func (n *Node) Acquire(handle backends.Handle, mode backends.AccessMode) (flat any, release func(), err error) {
	reg, b, err := n.resident(handle)
	if err != nil {
		return nil, nil, err
	}
	if mode.IsWrite() && reg.owner != n.rank {
		return nil, nil, errors.Errorf("%s: handle %d can only be acquired for %s on its owner node #%d",
			n, handle, mode, reg.owner)
	}
	done := xsync.NewLatch()
	xsync.WaitAll(b.access(mode, done)...)
	if b.flat == nil {
		done.Trigger()
		return nil, nil, errors.Errorf("%s: handle %d was unregistered", n, handle)
	}
	return b.flat, done.Trigger, nil
}

// scratch returns a worker-private buffer of the given size, and a function to give it back.
func (n *Node) scratch(size int) ([]int, func()) {
	poolAny, found := n.scratchPools.Load(size)
	if !found {
		poolAny, _ = n.scratchPools.LoadOrStore(size, &sync.Pool{
			New: func() any {
				s := make([]int, size)
				return &s
			},
		})
	}
	pool := poolAny.(*sync.Pool)
	s := pool.Get().(*[]int)
	return *s, func() { pool.Put(s) }
}

// Stats returns a snapshot of the node's statistics.
func (n *Node) Stats() Stats {
	return n.stats.snapshot()
}

// Finalize implements backends.Backend: it waits for pending tasks and drops all buffers.
func (n *Node) Finalize() {
	if err := n.WaitAll(); err != nil {
		klog.Warningf("%s: errors in tasks pending at Finalize: %+v", n, err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.finalized {
		return
	}
	n.finalized = true
	if len(n.registry) > 0 {
		klog.V(1).Infof("%s: finalized with %d buffers still registered", n, len(n.registry))
	}
	clear(n.registry)
	clear(n.tags)
	clear(n.replicas)
	clear(n.sentTo)
}
