package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/arohanajit/Distributed-VectorDB/internal/errs"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultApplyTimeout   = 5 * time.Second
	transportMaxPool      = 3
	transportTimeout      = 10 * time.Second
	snapshotRetain        = 2
	observationBufferSize = 64
)

// Options configures one member of a membership group
type Options struct {
	NodeID           string
	InstanceID       string
	RaftAddr         string
	DataDir          string // Empty keeps log and snapshots in memory
	Bootstrap        bool
	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	ApplyTimeout     time.Duration
	Logger           *zap.Logger

	// Optional overrides. Defaults are a TCP transport on RaftAddr, a BoltDB
	// log under DataDir and file snapshots beside it.
	Transport     raft.Transport
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore
}

// RoleHandler is called from the observation loop after the member's role or
// leader view changed. It must not block.
type RoleHandler func(role Role, leader LeaderInfo)

// Group is one member's handle on the replicated membership group of a shard.
// Election, log replication and configuration changes are run by raft; the
// group keeps the derived leader view and maps raft errors to errs.
type Group struct {
	instanceID   string
	localID      raft.ServerID
	localAddr    raft.ServerAddress
	raft         *raft.Raft
	logger       *zap.Logger
	applyTimeout time.Duration

	observer *raft.Observer
	obsCh    chan raft.Observation
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// mu guards the leader view, updated only by the observation loop
	mu       sync.RWMutex
	role     Role
	leader   LeaderInfo
	changed  chan struct{}
	handlers []RoleHandler

	closers      []io.Closer
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewGroup starts a raft member driving fsm. With Bootstrap set and no prior
// state, the member forms a single-voter group and elects itself.
func NewGroup(opts Options, fsm raft.FSM) (*Group, error) {
	if opts.NodeID == "" {
		return nil, errs.Validation("node id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("node_id", opts.NodeID), zap.String("instance_id", opts.InstanceID))
	raftLog := zap.NewStdLog(logger.Named("raft")).Writer()

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(opts.NodeID)
	config.LogOutput = raftLog
	config.LogLevel = "INFO"
	if opts.HeartbeatTimeout > 0 {
		config.HeartbeatTimeout = opts.HeartbeatTimeout
	}
	if opts.ElectionTimeout > 0 {
		config.ElectionTimeout = opts.ElectionTimeout
	}
	if config.ElectionTimeout < config.HeartbeatTimeout {
		config.ElectionTimeout = config.HeartbeatTimeout
	}
	if config.LeaderLeaseTimeout > config.HeartbeatTimeout {
		config.LeaderLeaseTimeout = config.HeartbeatTimeout
	}

	g := &Group{
		instanceID:   opts.InstanceID,
		localID:      config.LocalID,
		logger:       logger,
		applyTimeout: opts.ApplyTimeout,
		obsCh:        make(chan raft.Observation, observationBufferSize),
		stopCh:       make(chan struct{}),
		role:         RoleFollower,
		changed:      make(chan struct{}),
	}
	if g.applyTimeout <= 0 {
		g.applyTimeout = defaultApplyTimeout
	}

	trans := opts.Transport
	if trans == nil {
		advertise, err := net.ResolveTCPAddr("tcp", opts.RaftAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve raft address: %w", err)
		}
		trans, err = raft.NewTCPTransport(opts.RaftAddr, advertise, transportMaxPool, transportTimeout, raftLog)
		if err != nil {
			return nil, fmt.Errorf("failed to create raft transport: %w", err)
		}
	}
	g.localAddr = trans.LocalAddr()

	logStore, stableStore, snapshots, err := g.openStores(opts, raftLog)
	if err != nil {
		g.closeStores()
		return nil, err
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		g.closeStores()
		return nil, fmt.Errorf("failed to inspect raft state: %w", err)
	}

	r, err := raft.NewRaft(config, fsm, logStore, stableStore, snapshots, trans)
	if err != nil {
		g.closeStores()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	g.raft = r

	g.observer = raft.NewObserver(g.obsCh, false, func(o *raft.Observation) bool {
		switch o.Data.(type) {
		case raft.LeaderObservation, raft.RaftState, raft.PeerObservation:
			return true
		}
		return false
	})
	r.RegisterObserver(g.observer)
	g.wg.Add(1)
	go g.observe()

	if opts.Bootstrap && !hasState {
		configuration := raft.Configuration{
			Servers: []raft.Server{{
				ID:       g.localID,
				Address:  g.localAddr,
				Suffrage: raft.Voter,
			}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			g.Shutdown()
			return nil, fmt.Errorf("failed to bootstrap group: %w", err)
		}
		logger.Info("Bootstrapped membership group", zap.String("raft_addr", string(g.localAddr)))
	} else if hasState {
		logger.Info("Rejoining membership group with existing state", zap.Uint64("last_index", r.LastIndex()))
	} else {
		logger.Info("Waiting to be added to a membership group", zap.String("raft_addr", string(g.localAddr)))
	}

	// Catch up with anything that happened before the observer was registered
	select {
	case g.obsCh <- raft.Observation{}:
	default:
	}
	return g, nil
}

func (g *Group) openStores(opts Options, logOutput io.Writer) (raft.LogStore, raft.StableStore, raft.SnapshotStore, error) {
	logStore, stableStore, snapshots := opts.LogStore, opts.StableStore, opts.SnapshotStore

	if logStore == nil || stableStore == nil {
		if opts.DataDir == "" {
			mem := raft.NewInmemStore()
			logStore, stableStore = mem, mem
		} else {
			if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
				return nil, nil, nil, fmt.Errorf("failed to create raft data directory: %w", err)
			}
			bolt, err := raftboltdb.NewBoltStore(filepath.Join(opts.DataDir, "raft.db"))
			if err != nil {
				return nil, nil, nil, fmt.Errorf("failed to create log store: %w", err)
			}
			g.closers = append(g.closers, bolt)
			logStore, stableStore = bolt, bolt
		}
	}

	if snapshots == nil {
		if opts.DataDir == "" {
			snapshots = raft.NewInmemSnapshotStore()
		} else {
			fss, err := raft.NewFileSnapshotStore(opts.DataDir, snapshotRetain, logOutput)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("failed to create snapshot store: %w", err)
			}
			snapshots = fss
		}
	}
	return logStore, stableStore, snapshots, nil
}

func (g *Group) closeStores() error {
	var err error
	for _, c := range g.closers {
		err = multierr.Append(err, c.Close())
	}
	g.closers = nil
	return err
}

// observe runs the observation loop, the only writer of the leader view
func (g *Group) observe() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopCh:
			return
		case <-g.obsCh:
			// Observations can be dropped when the buffer is full, so each one
			// triggers a full re-read rather than applying its payload
			g.refreshLeaderView()
		}
	}
}

func (g *Group) refreshLeaderView() {
	addr, id := g.raft.LeaderWithID()
	role := roleFromState(g.raft.State())
	view := LeaderInfo{
		LeaderID:   string(id),
		LeaderAddr: string(addr),
		Term:       g.currentTerm(),
	}

	g.mu.Lock()
	if role == g.role && view == g.leader {
		g.mu.Unlock()
		return
	}
	prevRole := g.role
	g.role = role
	g.leader = view
	close(g.changed)
	g.changed = make(chan struct{})
	handlers := make([]RoleHandler, len(g.handlers))
	copy(handlers, g.handlers)
	g.mu.Unlock()

	if prevRole != role {
		g.logger.Info("Role changed",
			zap.String("from", string(prevRole)),
			zap.String("to", string(role)),
			zap.Uint64("term", view.Term),
			zap.String("leader_id", view.LeaderID))
	}
	for _, h := range handlers {
		h(role, view)
	}
}

func (g *Group) currentTerm() uint64 {
	term, _ := strconv.ParseUint(g.raft.Stats()["term"], 10, 64)
	return term
}

// OnRoleChange registers h for role and leader changes
func (g *Group) OnRoleChange(h RoleHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, h)
}

// InstanceID returns the shard this group replicates
func (g *Group) InstanceID() string { return g.instanceID }

// NodeID returns the local member id
func (g *Group) NodeID() string { return string(g.localID) }

// Addr returns the local raft address
func (g *Group) Addr() string { return string(g.localAddr) }

// Role returns the local role as last observed
func (g *Group) Role() Role {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.role
}

// Leader returns the leader view as last observed
func (g *Group) Leader() LeaderInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.leader
}

// IsLeader reports whether the local member leads the group
func (g *Group) IsLeader() bool {
	return g.Role() == RoleLeader
}

// NotLeader builds the redirect error for a request that needs the leader
func (g *Group) NotLeader() *errs.NotLeaderError {
	leader := g.Leader()
	return &errs.NotLeaderError{
		LeaderID:   leader.LeaderID,
		LeaderAddr: leader.LeaderAddr,
		Term:       leader.Term,
	}
}

// ListNodes returns the local view of the group configuration
func (g *Group) ListNodes() ([]Node, error) {
	future := g.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, g.mapError(err)
	}

	g.mu.RLock()
	role, leader := g.role, g.leader
	g.mu.RUnlock()

	servers := future.Configuration().Servers
	nodes := make([]Node, 0, len(servers))
	for _, s := range servers {
		node := Node{
			ID:       NodeID(s.ID),
			Endpoint: string(s.Address),
			Role:     RoleFollower,
			Voter:    s.Suffrage == raft.Voter,
		}
		switch {
		case s.ID == g.localID:
			node.Role = role
		case string(s.ID) == leader.LeaderID:
			node.Role = RoleLeader
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (g *Group) findServer(id raft.ServerID, addr raft.ServerAddress) (raft.Server, bool, error) {
	future := g.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return raft.Server{}, false, g.mapError(err)
	}
	for _, s := range future.Configuration().Servers {
		if s.ID == id || (addr != "" && s.Address == addr) {
			return s, true, nil
		}
	}
	return raft.Server{}, false, nil
}

// AddFollower adds a voter to the group. It must run on the leader and
// returns once the configuration change is committed by a quorum.
func (g *Group) AddFollower(ctx context.Context, nodeID, endpoint string) error {
	if nodeID == "" || endpoint == "" {
		return errs.Validation("nodeId and endpoint are required")
	}
	if !g.IsLeader() {
		return g.NotLeader()
	}

	id, addr := raft.ServerID(nodeID), raft.ServerAddress(endpoint)
	existing, found, err := g.findServer(id, addr)
	if err != nil {
		return err
	}
	if found {
		if existing.ID == id {
			return errs.DuplicateNode(nodeID)
		}
		return errs.Validation("endpoint %s already used by node %s", endpoint, existing.ID)
	}

	ctx, cancel := g.bound(ctx)
	defer cancel()

	future := g.raft.AddVoter(id, addr, 0, remaining(ctx))
	if err := wait(ctx, future.Error); err != nil {
		return g.mapError(err)
	}

	g.logger.Info("Added follower",
		zap.String("follower_id", nodeID),
		zap.String("endpoint", endpoint),
		zap.Uint64("index", future.Index()))
	return nil
}

// RemoveFollower removes a member from the group. It must run on the leader.
func (g *Group) RemoveFollower(ctx context.Context, nodeID string) error {
	if nodeID == "" {
		return errs.Validation("nodeId is required")
	}
	if !g.IsLeader() {
		return g.NotLeader()
	}

	id := raft.ServerID(nodeID)
	if _, found, err := g.findServer(id, ""); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("%w: node %s", errs.ErrNotFound, nodeID)
	}

	ctx, cancel := g.bound(ctx)
	defer cancel()

	future := g.raft.RemoveServer(id, 0, remaining(ctx))
	if err := wait(ctx, future.Error); err != nil {
		return g.mapError(err)
	}

	g.logger.Info("Removed follower", zap.String("follower_id", nodeID))
	return nil
}

// SetLeader observes or triggers an election. On the leader with Transfer set,
// leadership is handed to req.Target (or any up-to-date voter) and the call
// returns once another leader is observed. Elsewhere it waits until a leader
// is known.
func (g *Group) SetLeader(ctx context.Context, req SetLeaderRequest) (LeaderInfo, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	if !req.Transfer || !g.IsLeader() || req.Target == NodeID(g.localID) {
		return g.waitForLeader(ctx, func(l LeaderInfo) bool { return l.LeaderID != "" })
	}

	var future raft.Future
	if req.Target != "" {
		target, found, err := g.findServer(raft.ServerID(req.Target), "")
		if err != nil {
			return LeaderInfo{}, err
		}
		if !found {
			return LeaderInfo{}, fmt.Errorf("%w: node %s", errs.ErrNotFound, req.Target)
		}
		future = g.raft.LeadershipTransferToServer(target.ID, target.Address)
	} else {
		future = g.raft.LeadershipTransfer()
	}

	if err := wait(ctx, future.Error); err != nil {
		return LeaderInfo{}, fmt.Errorf("leadership transfer failed: %w", g.mapError(err))
	}

	g.logger.Info("Leadership transferred", zap.String("target", string(req.Target)))
	self := string(g.localID)
	return g.waitForLeader(ctx, func(l LeaderInfo) bool { return l.LeaderID != "" && l.LeaderID != self })
}

func (g *Group) waitForLeader(ctx context.Context, ready func(LeaderInfo) bool) (LeaderInfo, error) {
	for {
		g.mu.RLock()
		leader, changed := g.leader, g.changed
		g.mu.RUnlock()

		if ready(leader) {
			return leader, nil
		}

		select {
		case <-changed:
		case <-g.stopCh:
			return leader, g.mapError(raft.ErrRaftShutdown)
		case <-ctx.Done():
			return leader, fmt.Errorf("%w: no leader observed: %v", errs.ErrTimeout, ctx.Err())
		}
	}
}

// Apply appends a command to the replicated log and returns the FSM response
// once it is committed and applied locally.
func (g *Group) Apply(ctx context.Context, cmd []byte) (interface{}, error) {
	if !g.IsLeader() {
		return nil, g.NotLeader()
	}

	ctx, cancel := g.bound(ctx)
	defer cancel()

	future := g.raft.Apply(cmd, remaining(ctx))
	if err := wait(ctx, future.Error); err != nil {
		return nil, g.mapError(err)
	}
	return future.Response(), nil
}

// Snapshot forces a raft snapshot of the local member
func (g *Group) Snapshot(ctx context.Context) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	future := g.raft.Snapshot()
	err := wait(ctx, future.Error)
	if errors.Is(err, raft.ErrNothingNewToSnapshot) {
		return nil
	}
	return g.mapError(err)
}

// Status reports the readiness view of the local member
func (g *Group) Status() Status {
	stats := g.raft.Stats()
	parse := func(key string) uint64 {
		v, _ := strconv.ParseUint(stats[key], 10, 64)
		return v
	}

	g.mu.RLock()
	role, leader := g.role, g.leader
	g.mu.RUnlock()

	return Status{
		NodeID:       string(g.localID),
		InstanceID:   g.instanceID,
		Role:         role,
		Term:         parse("term"),
		LeaderID:     leader.LeaderID,
		LeaderAddr:   leader.LeaderAddr,
		CommitIndex:  parse("commit_index"),
		AppliedIndex: g.raft.AppliedIndex(),
		LastLogIndex: g.raft.LastIndex(),
		NumPeers:     int(parse("num_peers")),
	}
}

// Shutdown stops the observation loop and the raft member and closes the log
// store. Safe to call more than once.
func (g *Group) Shutdown() error {
	g.shutdownOnce.Do(func() {
		g.raft.DeregisterObserver(g.observer)
		close(g.stopCh)
		g.wg.Wait()

		err := g.raft.Shutdown().Error()
		g.shutdownErr = multierr.Append(err, g.closeStores())
		g.logger.Info("Membership group stopped")
	})
	return g.shutdownErr
}

func (g *Group) mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, raft.ErrNotLeader):
		return g.NotLeader()
	case errors.Is(err, raft.ErrLeadershipLost), errors.Is(err, raft.ErrLeadershipTransferInProgress):
		return fmt.Errorf("%w: %v", errs.ErrLeadershipLost, err)
	case errors.Is(err, raft.ErrEnqueueTimeout):
		return fmt.Errorf("%w: %v", errs.ErrTimeout, err)
	default:
		return err
	}
}

// bound applies the apply timeout to contexts that carry no deadline
func (g *Group) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.applyTimeout)
}

func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return defaultApplyTimeout
	}
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return time.Millisecond
}

// wait blocks on a raft future but gives up when ctx ends. The future keeps
// running in raft; only the caller stops waiting.
func wait(ctx context.Context, futureErr func() error) error {
	done := make(chan error, 1)
	go func() { done <- futureErr() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errs.ErrTimeout, ctx.Err())
	}
}
