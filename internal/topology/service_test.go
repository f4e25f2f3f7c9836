package topology

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/arohanajit/Distributed-VectorDB/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_AddNodeThenGetInstance(t *testing.T) {
	svc := NewService(NewMemoryRegistry(), nil)
	ctx := context.Background()

	require.NoError(t, svc.AddNode(ctx, InstanceRecord{InstanceID: "instance2", NodeID: "node3", URL: "127.0.0.1:8082", Role: RoleLeader, Type: TypeStorage}))
	require.NoError(t, svc.AddNode(ctx, InstanceRecord{InstanceID: "instance2", NodeID: "node4", URL: "127.0.0.1:8083", Role: RoleFollower, Type: TypeStorage}))

	inst, err := svc.GetInstance(ctx, "instance2")
	require.NoError(t, err)
	assert.Equal(t, "instance2", inst.InstanceID)
	require.Len(t, inst.Nodes, 2)
	assert.Equal(t, "node3", inst.Nodes[0].NodeID)
	assert.True(t, inst.Nodes[0].IsLeader())
	assert.Equal(t, "node4", inst.Nodes[1].NodeID)
	assert.False(t, inst.Nodes[1].IsLeader())
}

func TestService_ReadYourWrite(t *testing.T) {
	svc := NewService(NewMemoryRegistry(), nil)
	ctx := context.Background()

	for _, role := range []int{RoleLeader, RoleFollower, RoleLeader} {
		rec := InstanceRecord{InstanceID: "instance1", NodeID: "1", URL: "http://a", Role: role, Type: TypeStorage}
		require.NoError(t, svc.AddNode(ctx, rec))

		inst, err := svc.GetInstance(ctx, "instance1")
		require.NoError(t, err)
		require.Len(t, inst.Nodes, 1)
		assert.Equal(t, rec, inst.Nodes[0])
	}
}

func TestService_UnknownInstanceIsEmpty(t *testing.T) {
	svc := NewService(NewMemoryRegistry(), nil)

	inst, err := svc.GetInstance(context.Background(), "nope")
	require.NoError(t, err)
	assert.NotNil(t, inst.Nodes)
	assert.Empty(t, inst.Nodes)

	data, err := json.Marshal(inst)
	require.NoError(t, err)
	assert.JSONEq(t, `{"instanceId":"nope","nodes":[]}`, string(data))
}

func TestService_Validation(t *testing.T) {
	svc := NewService(NewMemoryRegistry(), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		rec  InstanceRecord
	}{
		{"missing instance", InstanceRecord{NodeID: "1", URL: "http://a", Role: RoleLeader, Type: TypeStorage}},
		{"missing node", InstanceRecord{InstanceID: "i", URL: "http://a", Role: RoleLeader, Type: TypeStorage}},
		{"missing url", InstanceRecord{InstanceID: "i", NodeID: "1", Role: RoleLeader, Type: TypeStorage}},
		{"bad role", InstanceRecord{InstanceID: "i", NodeID: "1", URL: "http://a", Role: 2, Type: TypeStorage}},
		{"bad type", InstanceRecord{InstanceID: "i", NodeID: "1", URL: "http://a", Role: RoleLeader, Type: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, svc.AddNode(ctx, tt.rec), errs.ErrValidation)
		})
	}

	// Nothing was stored
	inst, err := svc.GetInstance(ctx, "i")
	require.NoError(t, err)
	assert.Empty(t, inst.Nodes)

	_, err = svc.GetInstance(ctx, "")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestService_RemoveAndGetNodeInfo(t *testing.T) {
	svc := NewService(NewMemoryRegistry(), nil)
	ctx := context.Background()
	rec := InstanceRecord{InstanceID: "instance1", NodeID: "2", URL: "http://b", Role: RoleFollower, Type: TypeProxyTarget}
	require.NoError(t, svc.AddNode(ctx, rec))

	got, err := svc.GetNodeInfo(ctx, "instance1", "2")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, svc.RemoveNode(ctx, "instance1", "2"))
	_, err = svc.GetNodeInfo(ctx, "instance1", "2")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, svc.RemoveNode(ctx, "instance1", "2"), errs.ErrNotFound)
	assert.ErrorIs(t, svc.RemoveNode(ctx, "", "2"), errs.ErrValidation)
}

func TestInstanceRecord_UnmarshalJSON(t *testing.T) {
	var rec InstanceRecord
	require.NoError(t, json.Unmarshal([]byte(`{"instanceId":"instance1","nodeId":4,"url":"http://a","role":1,"type":1}`), &rec))
	assert.Equal(t, "4", rec.NodeID)
	assert.Equal(t, RoleFollower, rec.Role)

	require.NoError(t, json.Unmarshal([]byte(`{"instanceId":"instance1","nodeId":"node4","url":"http://a","role":0,"type":2}`), &rec))
	assert.Equal(t, "node4", rec.NodeID)
	assert.Equal(t, TypeProxyTarget, rec.Type)

	err := json.Unmarshal([]byte(`{"instanceId":"instance1","nodeId":4.5}`), &rec)
	assert.ErrorIs(t, err, errs.ErrValidation)
}
