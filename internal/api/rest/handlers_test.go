package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arohanajit/Distributed-VectorDB/internal/cluster"
	"github.com/arohanajit/Distributed-VectorDB/internal/node"
	"github.com/arohanajit/Distributed-VectorDB/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// startGroup starts node "1" as leader and joins the remaining ids
func startGroup(t *testing.T, instanceID string, ids ...string) *cluster.LocalCluster {
	t.Helper()
	c := cluster.NewLocalCluster(instanceID, nil)
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
	for _, id := range ids {
		g := c.Group(id)
		require.Eventually(t, func() bool { return g.Leader().LeaderID == "1" }, waitTimeout, 10*time.Millisecond)
	}
	return c
}

func nodeAdapter(c *cluster.LocalCluster, id string) *node.Adapter {
	return node.NewAdapter(c.Group(id), c.Store(id), nil)
}

func nodeRouter(c *cluster.LocalCluster, id string) http.Handler {
	return NewRouter(RouterOptions{RequestTimeout: waitTimeout}, NewNodeHandler(c.Group(id), nodeAdapter(c, id), nil))
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, utils.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var env utils.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return rr, env
}

func TestNodeHandler_InsertSearchQuery(t *testing.T) {
	c := startGroup(t, "instance1")
	h := nodeRouter(c, "1")

	rr, env := doJSON(t, h, http.MethodPost, "/insert", map[string]any{
		"operation": "insert",
		"object":    map[string]any{"id": 6, "vector": []float32{0.9}, "int_field": 49},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, utils.RetOK, env.RetCode)

	// Flat form with the index tag next to the record
	rr, _ = doJSON(t, h, http.MethodPost, "/insert", `{"id": 7, "vector": [0.5], "index_type": "FLAT"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr, env = doJSON(t, h, http.MethodPost, "/search", map[string]any{"vector": []float32{1.0}, "k": 2})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var search struct {
		NodeID    string       `json:"nodeId"`
		Role      cluster.Role `json:"role"`
		Vectors   []uint64     `json:"vectors"`
		Distances []float32    `json:"distances"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &search))
	assert.Equal(t, "1", search.NodeID)
	assert.Equal(t, cluster.RoleLeader, search.Role)
	assert.Equal(t, []uint64{6, 7}, search.Vectors)
	require.Len(t, search.Distances, 2)
	assert.InDelta(t, 0.01, search.Distances[0], 1e-6)

	rr, env = doJSON(t, h, http.MethodPost, "/query", map[string]any{"id": 6})
	require.Equal(t, http.StatusOK, rr.Code)
	var query struct {
		Found  bool           `json:"found"`
		Record map[string]any `json:"record"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &query))
	assert.True(t, query.Found)
	assert.Equal(t, float64(49), query.Record["int_field"])
	assert.NotContains(t, query.Record, "operation")
}

func TestNodeHandler_QueryMiss(t *testing.T) {
	c := startGroup(t, "instance1")
	h := nodeRouter(c, "1")

	rr, env := doJSON(t, h, http.MethodPost, "/query", `{"id": 404}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var query struct {
		Found bool `json:"found"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &query))
	assert.False(t, query.Found)
}

func TestNodeHandler_InsertBatch(t *testing.T) {
	c := startGroup(t, "instance1", "2")
	h := nodeRouter(c, "1")

	rr, _ := doJSON(t, h, http.MethodPost, "/insertBatch", map[string]any{
		"index_type": "HNSW",
		"objects": []map[string]any{
			{"id": 1, "vector": []float32{0.1, 0.1}},
			{"id": 2, "vector": []float32{0.2, 0.2}, "index_type": "FLAT"},
		},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	store := c.Store("2")
	require.Eventually(t, func() bool { return store.Len() == 2 }, waitTimeout, 10*time.Millisecond)
	rec, err := store.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "FLAT", rec.IndexType)
	assert.Empty(t, rec.Fields)
	rec, err = store.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "HNSW", rec.IndexType)
}

func TestNodeHandler_FollowerWriteCarriesLeaderHint(t *testing.T) {
	c := startGroup(t, "instance1", "2")
	h := nodeRouter(c, "2")

	rr, env := doJSON(t, h, http.MethodPost, "/insert", `{"object": {"id": 1, "vector": [1]}}`)
	assert.Equal(t, http.StatusMisdirectedRequest, rr.Code)
	assert.Equal(t, utils.RetError, env.RetCode)
	assert.Equal(t, "1", env.LeaderID)
	assert.Equal(t, c.Endpoint("1"), env.LeaderAddr)
	assert.NotZero(t, env.Term)

	// Followers still serve reads
	rr, _ = doJSON(t, h, http.MethodPost, "/query", `{"id": 1}`)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestNodeHandler_Validation(t *testing.T) {
	c := startGroup(t, "instance1")
	h := nodeRouter(c, "1")

	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed body", "/insert", `{"object":`},
		{"empty body", "/insert", ``},
		{"empty vector", "/insert", `{"object": {"id": 1, "vector": []}}`},
		{"missing id", "/insert", `{"object": {"vector": [1]}}`},
		{"unknown index", "/insert", `{"index_type": "IVF", "object": {"id": 1, "vector": [1]}}`},
		{"non string index", "/insert", `{"object": {"id": 1, "vector": [1], "index_type": 3}}`},
		{"batch not array", "/insertBatch", `{"objects": {"id": 1}}`},
		{"zero k", "/search", `{"vector": [1], "k": 0}`},
		{"query without id", "/query", `{}`},
		{"follower without endpoint", "/addFollower", `{"nodeId": 2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, env := doJSON(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Equal(t, utils.RetError, env.RetCode)
			assert.NotEmpty(t, env.ErrorMsg)
		})
	}
}

func TestNodeHandler_Membership(t *testing.T) {
	c := startGroup(t, "instance1", "2")
	h := nodeRouter(c, "1")

	_, err := c.StartNode("3", false)
	require.NoError(t, err)

	// Integer ids are accepted
	rr, _ := doJSON(t, h, http.MethodPost, "/addFollower", map[string]any{"nodeId": 3, "endpoint": c.Endpoint("3")})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr, _ = doJSON(t, h, http.MethodPost, "/addFollower", map[string]any{"nodeId": "3", "endpoint": c.Endpoint("3")})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr, _ = doJSON(t, h, http.MethodPost, "/addFollower", map[string]any{"nodeId": "9", "endpoint": c.Endpoint("3")})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, env := doJSON(t, h, http.MethodGet, "/listNode", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list listNodesResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, "1", list.LeaderID)
	require.Len(t, list.Nodes, 3)
	for _, n := range list.Nodes {
		if n.ID == "1" {
			assert.Equal(t, cluster.RoleLeader, n.Role)
		} else {
			assert.Equal(t, cluster.RoleFollower, n.Role)
		}
	}

	rr, _ = doJSON(t, h, http.MethodPost, "/removeFollower", `{"nodeId": "3"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr, _ = doJSON(t, h, http.MethodPost, "/removeFollower", `{"nodeId": "3"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestNodeHandler_SetLeaderAndSnapshot(t *testing.T) {
	c := startGroup(t, "instance1")
	h := nodeRouter(c, "1")

	// No body just reports the current leader
	rr, env := doJSON(t, h, http.MethodPost, "/setLeader", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var leader cluster.LeaderInfo
	require.NoError(t, json.Unmarshal(env.Data, &leader))
	assert.Equal(t, "1", leader.LeaderID)

	rr, _ = doJSON(t, h, http.MethodPost, "/insert", `{"object": {"id": 1, "vector": [1]}}`)
	require.Equal(t, http.StatusOK, rr.Code)
	rr, _ = doJSON(t, h, http.MethodPost, "/snapshot", nil)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestNodeHandler_Status(t *testing.T) {
	c := startGroup(t, "instance1")
	h := nodeRouter(c, "1")

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var status cluster.Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "1", status.NodeID)
	assert.Equal(t, "instance1", status.InstanceID)
	assert.Equal(t, cluster.RoleLeader, status.Role)
}
