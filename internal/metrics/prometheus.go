package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Singleton instance
	instance *PrometheusMetrics
	once     sync.Once
)

// PrometheusMetrics handles all metrics collection for nodes, master and proxy
type PrometheusMetrics struct {
	// Membership group metrics
	GroupMembersTotal  prometheus.Gauge
	RaftTerm           prometheus.Gauge
	RaftIsLeader       prometheus.Gauge
	LeaderChangesTotal prometheus.Counter
	ApplyErrors        *prometheus.CounterVec

	// Operation metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Storage metrics
	VectorsTotal prometheus.Gauge

	// Topology metrics
	TopologyWrites     *prometheus.CounterVec
	RegistrationErrors prometheus.Counter

	// Proxy metrics
	SnapshotVersion prometheus.Gauge
	RefreshErrors   *prometheus.CounterVec
	ForwardRetries  *prometheus.CounterVec
	RoutingFailures *prometheus.CounterVec
	NodeHealthy     *prometheus.GaugeVec
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance
func NewPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		instance = &PrometheusMetrics{
			GroupMembersTotal: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "vdb_group_members_total",
				Help: "The number of members in the local membership group",
			}),
			RaftTerm: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "vdb_raft_term",
				Help: "The current election term seen by this member",
			}),
			RaftIsLeader: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "vdb_raft_is_leader",
				Help: "1 while this member is the group leader",
			}),
			LeaderChangesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "vdb_leader_changes_total",
				Help: "The number of leader changes observed by this member",
			}),
			ApplyErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vdb_apply_errors_total",
					Help: "The number of replicated writes that failed",
				},
				[]string{"op"},
			),

			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vdb_requests_total",
					Help: "The total number of processed requests",
				},
				[]string{"method", "endpoint", "status"},
			),
			RequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "vdb_request_duration_seconds",
					Help:    "The request latencies in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "endpoint"},
			),
			RequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "vdb_requests_in_flight",
				Help: "The number of requests currently being processed",
			}),

			VectorsTotal: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "vdb_vectors_total",
				Help: "The number of vectors held by the local replica",
			}),

			TopologyWrites: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vdb_topology_writes_total",
					Help: "The number of instance record writes",
				},
				[]string{"op"},
			),
			RegistrationErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "vdb_registration_errors_total",
				Help: "The number of failed node self-registrations",
			}),

			SnapshotVersion: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "vdb_proxy_snapshot_version",
				Help: "The version of the routing snapshot in use",
			}),
			RefreshErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vdb_proxy_refresh_errors_total",
					Help: "The number of failed topology reads",
				},
				[]string{"instance"},
			),
			ForwardRetries: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vdb_proxy_retries_total",
					Help: "The number of forwards retried after a refresh",
				},
				[]string{"instance"},
			),
			RoutingFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "vdb_proxy_routing_failures_total",
					Help: "The number of forwards that failed after the retry",
				},
				[]string{"instance"},
			),
			NodeHealthy: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "vdb_proxy_node_healthy",
					Help: "1 while the proxy considers a node reachable",
				},
				[]string{"instance", "node"},
			),
		}
	})

	return instance
}

// GetMetrics returns the singleton PrometheusMetrics instance
func GetMetrics() *PrometheusMetrics {
	if instance == nil {
		return NewPrometheusMetrics()
	}
	return instance
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetGroupMembersTotal updates the number of members in the group
func (pm *PrometheusMetrics) SetGroupMembersTotal(count int) {
	pm.GroupMembersTotal.Set(float64(count))
}

// SetRaftState records the member's term and whether it leads
func (pm *PrometheusMetrics) SetRaftState(term uint64, leader bool) {
	pm.RaftTerm.Set(float64(term))
	if leader {
		pm.RaftIsLeader.Set(1)
	} else {
		pm.RaftIsLeader.Set(0)
	}
}

// IncLeaderChanges counts one observed leader change
func (pm *PrometheusMetrics) IncLeaderChanges() {
	pm.LeaderChangesTotal.Inc()
}

// RecordApplyError records a failed replicated write
func (pm *PrometheusMetrics) RecordApplyError(op string) {
	pm.ApplyErrors.WithLabelValues(op).Inc()
}

// RecordRequest records a request with its method, endpoint, and status
func (pm *PrometheusMetrics) RecordRequest(method, endpoint, status string) {
	pm.RequestsTotal.WithLabelValues(method, endpoint, status).Inc()
}

// ObserveRequestDuration records the duration of a request
func (pm *PrometheusMetrics) ObserveRequestDuration(method, endpoint string, duration float64) {
	pm.RequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// IncRequestsInFlight increments the number of requests in flight
func (pm *PrometheusMetrics) IncRequestsInFlight() {
	pm.RequestsInFlight.Inc()
}

// DecRequestsInFlight decrements the number of requests in flight
func (pm *PrometheusMetrics) DecRequestsInFlight() {
	pm.RequestsInFlight.Dec()
}

// SetVectorsTotal updates the number of vectors held locally
func (pm *PrometheusMetrics) SetVectorsTotal(count int) {
	pm.VectorsTotal.Set(float64(count))
}

// RecordTopologyWrite records an addNode or removeNode
func (pm *PrometheusMetrics) RecordTopologyWrite(op string) {
	pm.TopologyWrites.WithLabelValues(op).Inc()
}

// IncRegistrationErrors counts a failed self-registration
func (pm *PrometheusMetrics) IncRegistrationErrors() {
	pm.RegistrationErrors.Inc()
}

// SetSnapshotVersion records the routing snapshot version in use
func (pm *PrometheusMetrics) SetSnapshotVersion(version uint64) {
	pm.SnapshotVersion.Set(float64(version))
}

// RecordRefreshError records a failed topology read for an instance
func (pm *PrometheusMetrics) RecordRefreshError(instance string) {
	pm.RefreshErrors.WithLabelValues(instance).Inc()
}

// RecordForwardRetry records a retried forward
func (pm *PrometheusMetrics) RecordForwardRetry(instance string) {
	pm.ForwardRetries.WithLabelValues(instance).Inc()
}

// RecordRoutingFailure records a forward that failed after its retry
func (pm *PrometheusMetrics) RecordRoutingFailure(instance string) {
	pm.RoutingFailures.WithLabelValues(instance).Inc()
}

// SetNodeHealthy records the proxy's view of one node
func (pm *PrometheusMetrics) SetNodeHealthy(instance, node string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	pm.NodeHealthy.WithLabelValues(instance, node).Set(v)
}
