package rest

import (
	"net/http"

	"github.com/arohanajit/Distributed-VectorDB/internal/cluster"
	"github.com/arohanajit/Distributed-VectorDB/internal/metrics"
	"github.com/arohanajit/Distributed-VectorDB/internal/topology"
	"github.com/arohanajit/Distributed-VectorDB/internal/utils"
	"github.com/gorilla/mux"
)

// TopologyHandler handles the master's topology API endpoints
type TopologyHandler struct {
	service *topology.Service
	metrics *metrics.PrometheusMetrics
}

// NewTopologyHandler creates a new instance of TopologyHandler
func NewTopologyHandler(service *topology.Service) *TopologyHandler {
	return &TopologyHandler{
		service: service,
		metrics: metrics.GetMetrics(),
	}
}

// RegisterRoutes registers topology routes
func (h *TopologyHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/addNode", h.handleAddNode).Methods(http.MethodPost)
	r.HandleFunc("/getInstance", h.handleGetInstance).Methods(http.MethodGet)
	r.HandleFunc("/removeNode", h.handleRemoveNode).Methods(http.MethodPost)
	r.HandleFunc("/getNodeInfo", h.handleGetNodeInfo).Methods(http.MethodGet)
}

// handleAddNode handles POST /addNode requests. Re-adding a node replaces its
// record.
func (h *TopologyHandler) handleAddNode(w http.ResponseWriter, r *http.Request) {
	var rec topology.InstanceRecord
	if err := decodeBody(r, &rec); err != nil {
		utils.WriteError(w, err)
		return
	}

	if err := h.service.AddNode(r.Context(), rec); err != nil {
		utils.WriteError(w, err)
		return
	}
	h.metrics.RecordTopologyWrite("add")
	utils.WriteData(w, "node added", rec)
}

// handleGetInstance handles GET /getInstance?instanceId= requests
func (h *TopologyHandler) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.service.GetInstance(r.Context(), r.URL.Query().Get("instanceId"))
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteData(w, "ok", inst)
}

type nodeKey struct {
	InstanceID string         `json:"instanceId"`
	NodeID     cluster.NodeID `json:"nodeId"`
}

// handleRemoveNode handles POST /removeNode requests
func (h *TopologyHandler) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	var req nodeKey
	if err := decodeBody(r, &req); err != nil {
		utils.WriteError(w, err)
		return
	}

	if err := h.service.RemoveNode(r.Context(), req.InstanceID, string(req.NodeID)); err != nil {
		utils.WriteError(w, err)
		return
	}
	h.metrics.RecordTopologyWrite("remove")
	utils.WriteData(w, "node removed", nil)
}

// handleGetNodeInfo handles GET /getNodeInfo?instanceId=&nodeId= requests
func (h *TopologyHandler) handleGetNodeInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rec, err := h.service.GetNodeInfo(r.Context(), q.Get("instanceId"), q.Get("nodeId"))
	if err != nil {
		utils.WriteError(w, err)
		return
	}
	utils.WriteData(w, "ok", rec)
}
