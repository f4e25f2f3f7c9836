package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/arohanajit/Distributed-VectorDB/internal/cluster"
	"github.com/arohanajit/Distributed-VectorDB/internal/errs"
	"github.com/arohanajit/Distributed-VectorDB/internal/node"
	"github.com/arohanajit/Distributed-VectorDB/internal/storage"
	"github.com/arohanajit/Distributed-VectorDB/internal/utils"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Membership is the membership group API served by a storage node
type Membership interface {
	ListNodes() ([]cluster.Node, error)
	AddFollower(ctx context.Context, nodeID, endpoint string) error
	RemoveFollower(ctx context.Context, nodeID string) error
	SetLeader(ctx context.Context, req cluster.SetLeaderRequest) (cluster.LeaderInfo, error)
	Snapshot(ctx context.Context) error
	Status() cluster.Status
}

// NodeHandler serves the membership and data API of a storage node
type NodeHandler struct {
	group   Membership
	adapter *node.Adapter
	logger  *zap.Logger
}

// NewNodeHandler creates a new instance of NodeHandler
func NewNodeHandler(group Membership, adapter *node.Adapter, logger *zap.Logger) *NodeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NodeHandler{group: group, adapter: adapter, logger: logger}
}

// RegisterRoutes registers membership and data routes
func (h *NodeHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/listNode", h.handleListNodes).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/setLeader", h.handleSetLeader).Methods(http.MethodPost)
	r.HandleFunc("/addFollower", h.handleAddFollower).Methods(http.MethodPost)
	r.HandleFunc("/removeFollower", h.handleRemoveFollower).Methods(http.MethodPost)
	r.HandleFunc("/insert", h.handleInsert).Methods(http.MethodPost)
	r.HandleFunc("/insertBatch", h.handleInsertBatch).Methods(http.MethodPost)
	r.HandleFunc("/search", h.handleSearch).Methods(http.MethodPost)
	r.HandleFunc("/query", h.handleQuery).Methods(http.MethodPost)
	r.HandleFunc("/snapshot", h.handleSnapshot).Methods(http.MethodPost)
	r.Handle("/status", cluster.NewHTTPHandler(h.group)).Methods(http.MethodGet)
}

type listNodesResponse struct {
	Nodes    []cluster.Node `json:"nodes"`
	LeaderID string         `json:"leaderId"`
	Term     uint64         `json:"term"`
}

// handleListNodes handles GET /listNode requests
func (h *NodeHandler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.group.ListNodes()
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	status := h.group.Status()
	utils.WriteData(w, "ok", listNodesResponse{Nodes: nodes, LeaderID: status.LeaderID, Term: status.Term})
}

// handleSetLeader handles POST /setLeader requests. The body is optional.
func (h *NodeHandler) handleSetLeader(w http.ResponseWriter, r *http.Request) {
	var req cluster.SetLeaderRequest
	if err := decodeOptional(r, &req); err != nil {
		utils.WriteError(w, err)
		return
	}

	leader, err := h.group.SetLeader(r.Context(), req)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteData(w, "leader elected", leader)
}

type addFollowerRequest struct {
	NodeID   cluster.NodeID `json:"nodeId"`
	Endpoint string         `json:"endpoint"`
}

// handleAddFollower handles POST /addFollower requests
func (h *NodeHandler) handleAddFollower(w http.ResponseWriter, r *http.Request) {
	var req addFollowerRequest
	if err := decodeBody(r, &req); err != nil {
		utils.WriteError(w, err)
		return
	}

	if err := h.group.AddFollower(r.Context(), string(req.NodeID), req.Endpoint); err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteData(w, "follower added", nil)
}

// handleRemoveFollower handles POST /removeFollower requests
func (h *NodeHandler) handleRemoveFollower(w http.ResponseWriter, r *http.Request) {
	var req addFollowerRequest
	if err := decodeBody(r, &req); err != nil {
		utils.WriteError(w, err)
		return
	}

	if err := h.group.RemoveFollower(r.Context(), string(req.NodeID)); err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteData(w, "follower removed", nil)
}

// handleInsert handles POST /insert requests
func (h *NodeHandler) handleInsert(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeRaw(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	rec, err := recordFromRequest(raw)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	if err := h.adapter.Insert(r.Context(), rec); err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteData(w, "inserted", map[string]uint64{"id": rec.ID})
}

// handleInsertBatch handles POST /insertBatch requests
func (h *NodeHandler) handleInsertBatch(w http.ResponseWriter, r *http.Request) {
	raw, err := decodeRaw(r)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	var objects []json.RawMessage
	if err := json.Unmarshal(raw["objects"], &objects); err != nil {
		utils.WriteError(w, errs.Validation("objects must be an array"))
		return
	}
	indexType, err := stringField(raw, "index_type")
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	recs := make([]storage.VectorRecord, 0, len(objects))
	for i, obj := range objects {
		rec, err := decodeRecord(obj, indexType)
		if err != nil {
			utils.WriteError(w, fmt.Errorf("object %d: %w", i, err))
			return
		}
		recs = append(recs, rec)
	}

	if err := h.adapter.InsertBatch(r.Context(), recs); err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteData(w, "inserted", map[string]int{"count": len(recs)})
}

type searchRequest struct {
	Vector    []float32 `json:"vector"`
	K         int       `json:"k"`
	IndexType string    `json:"index_type"`
}

type searchResponse struct {
	node.SearchResult
	// Parallel id and distance arrays for older clients
	Vectors   []uint64  `json:"vectors"`
	Distances []float32 `json:"distances"`
}

// handleSearch handles POST /search requests
func (h *NodeHandler) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		utils.WriteError(w, err)
		return
	}

	result, err := h.adapter.Search(req.Vector, req.K, req.IndexType)
	if err != nil {
		utils.WriteError(w, err)
		return
	}

	resp := searchResponse{
		SearchResult: result,
		Vectors:      make([]uint64, len(result.Results)),
		Distances:    make([]float32, len(result.Results)),
	}
	for i, n := range result.Results {
		resp.Vectors[i] = n.ID
		resp.Distances[i] = n.Distance
	}
	utils.WriteData(w, "ok", resp)
}

type queryRequest struct {
	ID *uint64 `json:"id"`
}

// handleQuery handles POST /query requests. A missing id answers 200 with
// found=false.
func (h *NodeHandler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		utils.WriteError(w, err)
		return
	}
	if req.ID == nil {
		utils.WriteError(w, errs.Validation("id is required"))
		return
	}

	result, err := h.adapter.Query(*req.ID)
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteData(w, "ok", result)
}

// handleSnapshot handles POST /snapshot requests
func (h *NodeHandler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.group.Snapshot(r.Context()); err != nil {
		h.logger.Error("Snapshot failed", zap.Error(err))
		utils.WriteError(w, err)
		return
	}
	h.logger.Info("Snapshot taken")
	utils.WriteData(w, "snapshot taken", nil)
}

// decodeBody decodes a required JSON body
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errs.Validation("request body is required")
		}
		return bodyError(err)
	}
	return nil
}

// decodeOptional decodes a JSON body that may be empty
func decodeOptional(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return bodyError(err)
	}
	return nil
}

func decodeRaw(r *http.Request) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := decodeBody(r, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return errs.Validation("request body exceeds %d bytes", maxErr.Limit)
	}
	return errs.Validation("invalid request body: %v", err)
}

// Envelope keys that are not record fields in the flat insert form
var reservedKeys = []string{"operation", "instanceId", "index_type", "object"}

// recordFromRequest accepts {"object": {...}} or the record's fields at the
// top level next to "operation"
func recordFromRequest(raw map[string]json.RawMessage) (storage.VectorRecord, error) {
	indexType, err := stringField(raw, "index_type")
	if err != nil {
		return storage.VectorRecord{}, err
	}
	if obj, ok := raw["object"]; ok {
		return decodeRecord(obj, indexType)
	}

	flat := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		flat[k] = v
	}
	for _, k := range reservedKeys {
		delete(flat, k)
	}
	data, err := json.Marshal(flat)
	if err != nil {
		return storage.VectorRecord{}, errs.Validation("%v", err)
	}
	return decodeRecord(data, indexType)
}

// decodeRecord decodes one object. An index_type inside the object wins over
// the request level one.
func decodeRecord(data []byte, indexType string) (storage.VectorRecord, error) {
	var rec storage.VectorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, errs.Validation("%v", err)
	}
	rec.IndexType = indexType
	if v, ok := rec.Fields["index_type"]; ok {
		s, isString := v.(string)
		if !isString {
			return rec, errs.Validation("index_type must be a string")
		}
		rec.IndexType = s
		delete(rec.Fields, "index_type")
		if len(rec.Fields) == 0 {
			rec.Fields = nil
		}
	}
	return rec, nil
}

func stringField(raw map[string]json.RawMessage, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", errs.Validation("%s must be a string", key)
	}
	return s, nil
}
