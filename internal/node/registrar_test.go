package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arohanajit/Distributed-VectorDB/internal/cluster"
	"github.com/arohanajit/Distributed-VectorDB/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	records  []topology.InstanceRecord
	failures int
}

func (p *recordingPublisher) AddNode(_ context.Context, rec topology.InstanceRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("master unavailable")
	}
	p.records = append(p.records, rec)
	return nil
}

func (p *recordingPublisher) roles() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	roles := make([]int, len(p.records))
	for i, rec := range p.records {
		roles[i] = rec.Role
	}
	return roles
}

type fakeRoleSource struct {
	role    cluster.Role
	handler cluster.RoleHandler
}

func (f *fakeRoleSource) Role() cluster.Role                 { return f.role }
func (f *fakeRoleSource) OnRoleChange(h cluster.RoleHandler) { f.handler = h }

func TestRegistrar_PublishesRoleChanges(t *testing.T) {
	pub := &recordingPublisher{}
	reg := NewRegistrar(pub, "instance1", "2", "http://127.0.0.1:8081", nil)
	source := &fakeRoleSource{role: cluster.RoleFollower}
	reg.Start(source)
	defer reg.Stop()

	require.Eventually(t, func() bool { return len(pub.roles()) == 1 }, time.Second, 5*time.Millisecond)

	// Candidate publishes the same code as follower and is skipped
	source.handler(cluster.RoleCandidate, cluster.LeaderInfo{})
	source.handler(cluster.RoleLeader, cluster.LeaderInfo{LeaderID: "2", Term: 3})

	require.Eventually(t, func() bool { return len(pub.roles()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{topology.RoleFollower, topology.RoleLeader}, pub.roles())

	pub.mu.Lock()
	rec := pub.records[1]
	pub.mu.Unlock()
	assert.Equal(t, topology.InstanceRecord{
		InstanceID: "instance1",
		NodeID:     "2",
		URL:        "http://127.0.0.1:8081",
		Role:       topology.RoleLeader,
		Type:       topology.TypeStorage,
	}, rec)
}

func TestRegistrar_RetriesFailedPublish(t *testing.T) {
	pub := &recordingPublisher{failures: 2}
	reg := NewRegistrar(pub, "instance1", "1", "http://a", nil)

	done := make(chan error, 1)
	reg.OnPublish(func(_ cluster.Role, err error) { done <- err })
	reg.Start(&fakeRoleSource{role: cluster.RoleLeader})
	defer reg.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("publish did not finish")
	}
	assert.Equal(t, []int{topology.RoleLeader}, pub.roles())
}

func TestRegistrar_SkipsShutdown(t *testing.T) {
	pub := &recordingPublisher{}
	reg := NewRegistrar(pub, "instance1", "1", "http://a", nil)
	reg.Start(&fakeRoleSource{role: cluster.RoleShutdown})
	time.Sleep(50 * time.Millisecond)
	reg.Stop()

	assert.Empty(t, pub.roles())
}

func TestRegistrar_WithLiveGroup(t *testing.T) {
	_, leader := startCluster(t)
	pub := &recordingPublisher{}
	reg := NewRegistrar(pub, "instance1", leader.NodeID(), "http://a", nil)
	reg.Start(leader)
	defer reg.Stop()

	require.Eventually(t, func() bool {
		roles := pub.roles()
		return len(roles) > 0 && roles[len(roles)-1] == topology.RoleLeader
	}, waitTimeout, 10*time.Millisecond)
}
