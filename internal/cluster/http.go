package cluster

import (
	"encoding/json"
	"net/http"
)

// StatusSource reports a member's readiness view
type StatusSource interface {
	Status() Status
}

// HTTPHandler serves GET /status for a group member
type HTTPHandler struct {
	source StatusSource
}

// NewHTTPHandler creates a new HTTPHandler instance
func NewHTTPHandler(source StatusSource) *HTTPHandler {
	return &HTTPHandler{source: source}
}

// ServeHTTP writes the member status as JSON. Leaders and followers answer 200;
// a member that knows no leader answers 503 so load balancers skip it.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.source.Status()

	data, err := json.Marshal(status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if status.LeaderID == "" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Write(data)
}
