package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/arohanajit/Distributed-VectorDB/internal/storage"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// LocalCluster runs members of one group over raft's in-memory transport.
// Used by tests across packages.
type LocalCluster struct {
	instanceID string
	logger     *zap.Logger

	mu         sync.Mutex
	groups     map[string]*Group
	stores     map[string]*storage.FlatStore
	transports map[string]*raft.InmemTransport
}

// NewLocalCluster creates an empty in-memory cluster for instanceID
func NewLocalCluster(instanceID string, logger *zap.Logger) *LocalCluster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalCluster{
		instanceID: instanceID,
		logger:     logger,
		groups:     make(map[string]*Group),
		stores:     make(map[string]*storage.FlatStore),
		transports: make(map[string]*raft.InmemTransport),
	}
}

// Endpoint returns the in-memory raft address of nodeID
func (c *LocalCluster) Endpoint(nodeID string) string {
	return "inmem-" + nodeID
}

// StartNode starts a member connected to every member already started. Only
// the first member should bootstrap; the rest join through AddFollower.
func (c *LocalCluster) StartNode(nodeID string, bootstrap bool) (*Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.groups[nodeID]; exists {
		return nil, fmt.Errorf("node %s already started", nodeID)
	}

	addr, trans := raft.NewInmemTransport(raft.ServerAddress(c.Endpoint(nodeID)))
	for peerID, peer := range c.transports {
		trans.Connect(raft.ServerAddress(c.Endpoint(peerID)), peer)
		peer.Connect(addr, trans)
	}

	store := storage.NewStore(0)
	group, err := NewGroup(Options{
		NodeID:           nodeID,
		InstanceID:       c.instanceID,
		Bootstrap:        bootstrap,
		HeartbeatTimeout: 50 * time.Millisecond,
		ElectionTimeout:  50 * time.Millisecond,
		ApplyTimeout:     2 * time.Second,
		Logger:           c.logger,
		Transport:        trans,
		LogStore:         raft.NewInmemStore(),
		StableStore:      raft.NewInmemStore(),
		SnapshotStore:    raft.NewInmemSnapshotStore(),
	}, NewFSM(store, c.logger))
	if err != nil {
		return nil, err
	}

	c.groups[nodeID] = group
	c.stores[nodeID] = store
	c.transports[nodeID] = trans
	return group, nil
}

// Group returns a started member
func (c *LocalCluster) Group(nodeID string) *Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups[nodeID]
}

// Store returns the vector store driven by nodeID's state machine
func (c *LocalCluster) Store(nodeID string) *storage.FlatStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stores[nodeID]
}

// Isolate cuts nodeID off from every other member
func (c *LocalCluster) Isolate(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	trans, ok := c.transports[nodeID]
	if !ok {
		return
	}
	trans.DisconnectAll()
	addr := raft.ServerAddress(c.Endpoint(nodeID))
	for peerID, peer := range c.transports {
		if peerID != nodeID {
			peer.Disconnect(addr)
		}
	}
}

// StopNode shuts one member down
func (c *LocalCluster) StopNode(nodeID string) error {
	c.mu.Lock()
	group, ok := c.groups[nodeID]
	delete(c.groups, nodeID)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("node %s not running", nodeID)
	}
	return group.Shutdown()
}

// WaitForLeader polls until a running member reports itself leader
func (c *LocalCluster) WaitForLeader(timeout time.Duration) (*Group, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		for _, g := range c.groups {
			if g.IsLeader() && g.Leader().LeaderID == g.NodeID() {
				c.mu.Unlock()
				return g, nil
			}
		}
		c.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	return nil, fmt.Errorf("no leader within %v", timeout)
}

// Leaders returns every running member that currently reports leader
func (c *LocalCluster) Leaders() []*Group {
	c.mu.Lock()
	defer c.mu.Unlock()

	var leaders []*Group
	for _, g := range c.groups {
		if g.IsLeader() {
			leaders = append(leaders, g)
		}
	}
	return leaders
}

// Shutdown stops every running member
func (c *LocalCluster) Shutdown() {
	c.mu.Lock()
	groups := c.groups
	c.groups = make(map[string]*Group)
	c.mu.Unlock()

	for id, g := range groups {
		if err := g.Shutdown(); err != nil {
			c.logger.Warn("Failed to stop member", zap.String("node_id", id), zap.Error(err))
		}
	}
}
