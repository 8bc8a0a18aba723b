// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simulated implements a multi-node gotile runtime inside one process.
//
// A Cluster holds a number of nodes, each one implementing backends.Backend for its rank. Programs are meant
// to be run SPMD style: the same code runs concurrently for every node (see Cluster.Run), creating the same
// tensors in the same order, and each node executes only its share of the work.
//
// Storage of a tile only exists on its owner node. Transfers go through a mailbox shared by the cluster,
// matched by (tag, sender, receiver, sequence number), which models non-overtaking point-to-point messages.
// The receiving node keeps the transferred data as a cached copy until the handle is flushed.
//
// Tasks are ordered by their data dependencies on each buffer, and executed on a bounded pool of workers per node.
//
// It registers itself as the backend "simulated", with configuration keys "nodes" (default 1) and "workers"
// (default runtime.NumCPU()). E.g.: GOTILE_BACKEND="simulated:nodes=4,workers=2".
package simulated

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/gomlx/gotile/backends"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in GOTILE_BACKEND to specify this backend.
const BackendName = "simulated"

func init() {
	backends.Register(BackendName, New)
}

// New constructs a new simulated Cluster from the configuration, and returns its node of rank 0.
// Use ClusterOf to access the cluster and the other nodes.
func New(config string) (backends.Backend, error) {
	options := backends.ParseConfig(config)
	numNodes, err := backends.ConfigInt(options, "nodes", 1)
	if err != nil {
		return nil, err
	}
	workers, err := backends.ConfigInt(options, "workers", runtime.NumCPU())
	if err != nil {
		return nil, err
	}
	for key := range options {
		if key != "nodes" && key != "workers" {
			return nil, errors.Errorf("unknown configuration key %q for backend %q", key, BackendName)
		}
	}
	cluster, err := NewCluster(numNodes, WithWorkers(workers))
	if err != nil {
		return nil, err
	}
	return cluster.Node(0), nil
}

// ClusterOf returns the Cluster of a backend created by this package.
func ClusterOf(backend backends.Backend) (*Cluster, bool) {
	node, ok := backend.(*Node)
	if !ok {
		return nil, false
	}
	return node.cluster, true
}

// Option configures a Cluster.
type Option func(c *Cluster)

// WithWorkers sets the parallelism of each node: the number of tasks it can execute at the same time.
// 0 executes tasks inline, and -1 has no limit.
func WithWorkers(workers int) Option {
	return func(c *Cluster) { c.workers = workers }
}

// WithName sets a name for the cluster, used in logs and descriptions.
func WithName(name string) Option {
	return func(c *Cluster) { c.name = name }
}

// Cluster of simulated nodes.
type Cluster struct {
	id      uuid.UUID
	name    string
	workers int
	nodes   []*Node

	muMailbox sync.Mutex
	mailbox   map[messageKey]chan any
}

// NewCluster creates a cluster with numNodes nodes.
func NewCluster(numNodes int, options ...Option) (*Cluster, error) {
	if numNodes <= 0 {
		return nil, errors.Errorf("simulated.NewCluster: number of nodes must be > 0, got %d", numNodes)
	}
	c := &Cluster{
		id:      uuid.New(),
		workers: runtime.NumCPU(),
		mailbox: make(map[messageKey]chan any),
	}
	for _, option := range options {
		option(c)
	}
	if c.name == "" {
		c.name = c.id.String()[:8]
	}
	c.nodes = make([]*Node, numNodes)
	for rank := range c.nodes {
		c.nodes[rank] = newNode(c, rank)
	}
	klog.V(1).Infof("simulated cluster %q (%s) created with %d nodes, %d workers per node",
		c.name, c.id, numNodes, c.workers)
	return c, nil
}

// ID returns the unique id of the cluster.
func (c *Cluster) ID() uuid.UUID { return c.id }

// Name of the cluster.
func (c *Cluster) Name() string { return c.name }

// NumNodes in the cluster.
func (c *Cluster) NumNodes() int { return len(c.nodes) }

// Node returns the node (a backends.Backend) of the given rank.
func (c *Cluster) Node(rank int) *Node { return c.nodes[rank] }

// Nodes returns all the nodes, indexed by rank.
func (c *Cluster) Nodes() []*Node { return c.nodes }

// String implements fmt.Stringer.
func (c *Cluster) String() string {
	return fmt.Sprintf("simulated.Cluster(%q, nodes=%d, workers=%d)", c.name, len(c.nodes), c.workers)
}

// Run executes fn concurrently for every node, SPMD style, and waits for all of them to return.
// It returns the errors returned by fn, joined and annotated with the rank.
//
// A panic in fn is converted to an error.
func (c *Cluster) Run(fn func(backend backends.Backend) error) error {
	errs := make([]error, len(c.nodes))
	var wg sync.WaitGroup
	for rank, node := range c.nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					if err, ok := r.(error); ok {
						errs[rank] = errors.WithMessagef(err, "node #%d panicked", rank)
					} else {
						errs[rank] = errors.Errorf("node #%d panicked: %v", rank, r)
					}
				}
			}()
			if err := fn(node); err != nil {
				errs[rank] = errors.WithMessagef(err, "node #%d", rank)
			}
		}()
	}
	wg.Wait()
	return stderrors.Join(errs...)
}

// Stats returns the sum of the statistics of all nodes.
func (c *Cluster) Stats() Stats {
	var total Stats
	for _, node := range c.nodes {
		total = total.Add(node.Stats())
	}
	return total
}

// Finalize all nodes.
func (c *Cluster) Finalize() {
	for _, node := range c.nodes {
		node.Finalize()
	}
	c.muMailbox.Lock()
	defer c.muMailbox.Unlock()
	if len(c.mailbox) > 0 {
		klog.Warningf("simulated cluster %q finalized with %d undelivered messages", c.name, len(c.mailbox))
	}
	c.mailbox = make(map[messageKey]chan any)
}

// messageKey identifies a point-to-point message.
type messageKey struct {
	tag      int64
	from, to int
	seq      int64
}

// channel returns the channel for the message with the given key, creating it if needed.
func (c *Cluster) channel(key messageKey) chan any {
	c.muMailbox.Lock()
	defer c.muMailbox.Unlock()
	ch, found := c.mailbox[key]
	if !found {
		ch = make(chan any, 1)
		c.mailbox[key] = ch
	}
	return ch
}

// post a message: it never blocks.
func (c *Cluster) post(key messageKey, payload any) {
	c.channel(key) <- payload
}

// receive blocks until the message with the given key is posted, and removes it from the mailbox.
func (c *Cluster) receive(key messageKey) any {
	payload := <-c.channel(key)
	c.muMailbox.Lock()
	delete(c.mailbox, key)
	c.muMailbox.Unlock()
	return payload
}
