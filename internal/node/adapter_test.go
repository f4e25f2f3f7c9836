package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arohanajit/Distributed-VectorDB/internal/cluster"
	"github.com/arohanajit/Distributed-VectorDB/internal/errs"
	"github.com/arohanajit/Distributed-VectorDB/internal/metrics"
	"github.com/arohanajit/Distributed-VectorDB/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func startCluster(t *testing.T, ids ...string) (*cluster.LocalCluster, *cluster.Group) {
	t.Helper()
	c := cluster.NewLocalCluster("instance1", nil)
	t.Cleanup(c.Shutdown)

	_, err := c.StartNode("1", true)
	require.NoError(t, err)
	leader, err := c.WaitForLeader(waitTimeout)
	require.NoError(t, err)

	for _, id := range ids {
		_, err := c.StartNode(id, false)
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		require.NoError(t, leader.AddFollower(ctx, id, c.Endpoint(id)))
		cancel()
	}
	return c, leader
}

func adapterFor(c *cluster.LocalCluster, id string) *Adapter {
	return NewAdapter(c.Group(id), c.Store(id), nil)
}

func TestAdapter_InsertOnLeaderReplicates(t *testing.T) {
	c, _ := startCluster(t, "2", "3")
	leader := adapterFor(c, "1")

	rec := storage.VectorRecord{ID: 6, Vector: []float32{0.9}, Fields: map[string]any{"int_field": int64(49)}}
	require.NoError(t, leader.Insert(context.Background(), rec))

	res, err := leader.Query(6)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, []float32{0.9}, res.Record.Vector)
	assert.Equal(t, "1", res.NodeID)
	assert.Equal(t, cluster.RoleLeader, res.Role)

	// Followers apply the entry in log order
	follower := adapterFor(c, "2")
	require.Eventually(t, func() bool {
		res, err := follower.Query(6)
		return err == nil && res.Found
	}, waitTimeout, 10*time.Millisecond)

	res, err = follower.Query(6)
	require.NoError(t, err)
	assert.Equal(t, cluster.RoleFollower, res.Role)
	assert.Equal(t, int64(49), res.Record.Fields["int_field"])
}

func TestAdapter_FollowerRejectsWrites(t *testing.T) {
	c, _ := startCluster(t, "2")
	follower := adapterFor(c, "2")

	require.Eventually(t, func() bool {
		return c.Group("2").Leader().LeaderID == "1"
	}, waitTimeout, 10*time.Millisecond)

	err := follower.Insert(context.Background(), storage.VectorRecord{ID: 1, Vector: []float32{1}})
	var nle *errs.NotLeaderError
	require.True(t, errors.As(err, &nle))
	assert.Equal(t, "1", nle.LeaderID)
	assert.Equal(t, c.Endpoint("1"), nle.LeaderAddr)

	err = follower.InsertBatch(context.Background(), []storage.VectorRecord{{ID: 1, Vector: []float32{1}}})
	assert.ErrorIs(t, err, errs.ErrNotLeader)
}

func TestAdapter_SearchOrdersByDistanceThenID(t *testing.T) {
	c, _ := startCluster(t)
	a := adapterFor(c, "1")

	require.NoError(t, a.InsertBatch(context.Background(), []storage.VectorRecord{
		{ID: 3, Vector: []float32{1, 0}},
		{ID: 1, Vector: []float32{-1, 0}},
		{ID: 2, Vector: []float32{5, 5}},
	}))

	res, err := a.Search([]float32{0, 0}, 2, "")
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, uint64(1), res.Results[0].ID)
	assert.Equal(t, uint64(3), res.Results[1].ID)
	assert.Equal(t, float32(1), res.Results[0].Distance)
	assert.Equal(t, cluster.RoleLeader, res.Role)
	assert.NotZero(t, res.Term)
}

func TestAdapter_ValidationErrors(t *testing.T) {
	c, _ := startCluster(t)
	a := adapterFor(c, "1")
	ctx := context.Background()

	assert.ErrorIs(t, a.Insert(ctx, storage.VectorRecord{ID: 1}), errs.ErrValidation)
	assert.ErrorIs(t, a.Insert(ctx, storage.VectorRecord{ID: 1, Vector: []float32{1}, IndexType: "IVF"}), errs.ErrValidation)
	assert.ErrorIs(t, a.InsertBatch(ctx, nil), errs.ErrValidation)

	require.NoError(t, a.Insert(ctx, storage.VectorRecord{ID: 1, Vector: []float32{1, 2}}))
	// Dimension mismatch is detected when the entry is applied
	err := a.Insert(ctx, storage.VectorRecord{ID: 2, Vector: []float32{1, 2, 3}})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = a.Search([]float32{1, 2}, 0, "")
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = a.Search([]float32{1}, 1, "")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestAdapter_QueryMiss(t *testing.T) {
	c, _ := startCluster(t)
	res, err := adapterFor(c, "1").Query(42)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Nil(t, res.Record)
}

// lostGroup is a leader that loses leadership while every write is in flight
type lostGroup struct{}

func (lostGroup) NodeID() string                  { return "1" }
func (lostGroup) Role() cluster.Role              { return cluster.RoleLeader }
func (lostGroup) Leader() cluster.LeaderInfo      { return cluster.LeaderInfo{LeaderID: "1", Term: 2} }
func (lostGroup) IsLeader() bool                  { return true }
func (lostGroup) NotLeader() *errs.NotLeaderError { return &errs.NotLeaderError{} }
func (lostGroup) Apply(context.Context, []byte) (interface{}, error) {
	return nil, errs.ErrLeadershipLost
}

func TestAdapter_LeadershipLostInFlight(t *testing.T) {
	a := NewAdapter(lostGroup{}, storage.NewStore(0), nil).WithMetrics(metrics.NewGroupMetricsCollector())
	counter := metrics.GetMetrics().ApplyErrors.WithLabelValues("insert")
	before := testutil.ToFloat64(counter)

	err := a.Insert(context.Background(), storage.VectorRecord{ID: 1, Vector: []float32{1}})
	assert.ErrorIs(t, err, errs.ErrLeadershipLost)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
