package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/arohanajit/Distributed-VectorDB/internal/metrics"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// RouteRegistrar adds a server's API routes
type RouteRegistrar interface {
	RegisterRoutes(r *mux.Router)
}

// RouterOptions configures the shared middleware chain
type RouterOptions struct {
	Logger         *zap.Logger
	RequestTimeout time.Duration
	MaxPayloadSize int64
}

// NewRouter builds the router of a node, master or proxy server. /health and
// /metrics bypass the middleware chain.
func NewRouter(opts RouterOptions, registrars ...RouteRegistrar) *mux.Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(RequestIDMiddleware)
	api.Use(LoggingMiddleware(opts.Logger))
	api.Use(metrics.MetricsMiddleware)
	if opts.RequestTimeout > 0 {
		api.Use(TimeoutMiddleware(opts.RequestTimeout))
	}
	if opts.MaxPayloadSize > 0 {
		api.Use(MaxBytesMiddleware(opts.MaxPayloadSize))
	}
	for _, reg := range registrars {
		reg.RegisterRoutes(api)
	}
	return r
}

// handleHealth handles health check requests
func handleHealth(w http.ResponseWriter, req *http.Request) {
	response := struct {
		Status string `json:"status"`
	}{
		Status: "ok",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}
