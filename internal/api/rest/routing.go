package rest

import (
	"io"
	"net/http"

	"github.com/arohanajit/Distributed-VectorDB/internal/proxy"
	"github.com/arohanajit/Distributed-VectorDB/internal/utils"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Operations the proxy forwards, and which node of the instance serves them
var forwardedRoutes = []struct {
	path    string
	methods []string
	target  proxy.Target
}{
	{"/insert", []string{http.MethodPost}, proxy.TargetLeader},
	{"/insertBatch", []string{http.MethodPost}, proxy.TargetLeader},
	{"/addFollower", []string{http.MethodPost}, proxy.TargetLeader},
	{"/removeFollower", []string{http.MethodPost}, proxy.TargetLeader},
	{"/setLeader", []string{http.MethodPost}, proxy.TargetLeader},
	{"/snapshot", []string{http.MethodPost}, proxy.TargetLeader},
	{"/search", []string{http.MethodPost}, proxy.TargetRead},
	{"/query", []string{http.MethodPost}, proxy.TargetRead},
	{"/listNode", []string{http.MethodGet, http.MethodPost}, proxy.TargetRead},
}

// ProxyHandler exposes the routing proxy over HTTP
type ProxyHandler struct {
	proxy        *proxy.Proxy
	masterServer string
	logger       *zap.Logger
}

// NewProxyHandler creates a new instance of ProxyHandler. masterServer is
// reported by /topology.
func NewProxyHandler(p *proxy.Proxy, masterServer string, logger *zap.Logger) *ProxyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProxyHandler{proxy: p, masterServer: masterServer, logger: logger}
}

// RegisterRoutes registers /topology and the forwarded operations
func (h *ProxyHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/topology", h.handleTopology).Methods(http.MethodGet)
	for _, route := range forwardedRoutes {
		r.Handle(route.path, h.forward(route.target)).Methods(route.methods...)
	}
}

type topologyResponse struct {
	MasterServer string `json:"masterServer"`
	InstanceID   string `json:"instanceId"`
	*proxy.Snapshot
	Health map[string]proxy.NodeHealth `json:"health"`
}

// handleTopology handles GET /topology requests
func (h *ProxyHandler) handleTopology(w http.ResponseWriter, r *http.Request) {
	utils.WriteData(w, "ok", topologyResponse{
		MasterServer: h.masterServer,
		InstanceID:   h.proxy.DefaultInstance(),
		Snapshot:     h.proxy.Topology(),
		Health:       h.proxy.NodeHealth(),
	})
}

// forward relays the request to the node chosen for target and copies the
// node's answer back unchanged
func (h *ProxyHandler) forward(target proxy.Target) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			utils.WriteError(w, bodyError(err))
			return
		}

		instanceID := r.URL.Query().Get("instanceId")
		if instanceID == "" {
			instanceID = proxy.InstanceFromBody(body)
		}

		resp, err := h.proxy.Forward(r.Context(), proxy.Request{
			Method:     r.Method,
			Path:       r.URL.Path,
			RawQuery:   r.URL.RawQuery,
			Body:       body,
			InstanceID: instanceID,
			Target:     target,
			RequestID:  utils.RequestIDFromContext(r.Context()),
		})
		if err != nil {
			h.logger.Warn("Forward failed",
				zap.String("path", r.URL.Path),
				zap.String("instance", instanceID),
				zap.Error(err))
			utils.WriteError(w, err)
			return
		}

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.Header().Set("X-Served-By", resp.NodeID)
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	}
}
