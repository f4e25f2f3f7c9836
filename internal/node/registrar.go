package node

import (
	"context"
	"sync"
	"time"

	"github.com/arohanajit/Distributed-VectorDB/internal/cluster"
	"github.com/arohanajit/Distributed-VectorDB/internal/topology"
	"go.uber.org/zap"
)

const (
	publishAttempts = 3
	publishTimeout  = 5 * time.Second
	publishBackoff  = 200 * time.Millisecond
)

// Publisher writes instance records to the topology service
type Publisher interface {
	AddNode(ctx context.Context, rec topology.InstanceRecord) error
}

// RoleSource reports role changes of the local member
type RoleSource interface {
	Role() cluster.Role
	OnRoleChange(h cluster.RoleHandler)
}

// Registrar keeps the node's own InstanceRecord current: every role change
// is published to the topology service. Only the latest role is kept when
// publishing falls behind.
type Registrar struct {
	publisher Publisher
	record    topology.InstanceRecord
	logger    *zap.Logger
	onPublish func(role cluster.Role, err error)

	updates  chan cluster.Role
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistrar creates a registrar publishing (instanceID, nodeID, url)
func NewRegistrar(publisher Publisher, instanceID, nodeID, url string, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{
		publisher: publisher,
		record: topology.InstanceRecord{
			InstanceID: instanceID,
			NodeID:     nodeID,
			URL:        url,
			Type:       topology.TypeStorage,
		},
		logger:  logger,
		updates: make(chan cluster.Role, 1),
		stopCh:  make(chan struct{}),
	}
}

// OnPublish sets a callback run after every publish attempt sequence
func (r *Registrar) OnPublish(fn func(role cluster.Role, err error)) {
	r.onPublish = fn
}

// Start publishes the current role and subscribes to role changes
func (r *Registrar) Start(source RoleSource) {
	r.wg.Add(1)
	go r.run()

	source.OnRoleChange(func(role cluster.Role, _ cluster.LeaderInfo) {
		r.notify(role)
	})
	r.notify(source.Role())
}

// Stop waits for an in-flight publish to finish
func (r *Registrar) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// notify never blocks; a pending unpublished role is replaced
func (r *Registrar) notify(role cluster.Role) {
	for {
		select {
		case r.updates <- role:
			return
		default:
		}
		select {
		case <-r.updates:
		default:
		}
	}
}

func (r *Registrar) run() {
	defer r.wg.Done()

	last := -1
	for {
		select {
		case <-r.stopCh:
			return
		case role := <-r.updates:
			code, ok := roleCode(role)
			if !ok || code == last {
				continue
			}
			err := r.publish(code)
			if err == nil {
				last = code
			}
			if r.onPublish != nil {
				r.onPublish(role, err)
			}
		}
	}
}

func (r *Registrar) publish(code int) error {
	rec := r.record
	rec.Role = code

	var err error
	backoff := publishBackoff
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = r.publisher.AddNode(ctx, rec)
		cancel()
		if err == nil {
			r.logger.Info("Published node role",
				zap.String("instance_id", rec.InstanceID),
				zap.String("node_id", rec.NodeID),
				zap.Int("role", code))
			return nil
		}

		r.logger.Warn("Failed to publish node role",
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-r.stopCh:
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// roleCode maps a member role to a topology role code. Shutdown and unknown
// members are not published.
func roleCode(role cluster.Role) (int, bool) {
	switch role {
	case cluster.RoleLeader:
		return topology.RoleLeader, true
	case cluster.RoleFollower, cluster.RoleCandidate:
		return topology.RoleFollower, true
	default:
		return 0, false
	}
}
