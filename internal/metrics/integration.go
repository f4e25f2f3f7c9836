package metrics

import (
	"sync"
)

// GroupMetricsCollector turns membership group events into metrics
type GroupMetricsCollector struct {
	metrics *PrometheusMetrics

	mu         sync.Mutex
	lastLeader string
	changes    int
}

// NewGroupMetricsCollector creates a new GroupMetricsCollector
func NewGroupMetricsCollector() *GroupMetricsCollector {
	collector := &GroupMetricsCollector{
		metrics: GetMetrics(),
	}
	collector.metrics.SetRaftState(0, false)
	return collector
}

// ObserveLeader records the member's view after a role change. A change of
// leader id to a non-empty value counts as one leader change.
func (c *GroupMetricsCollector) ObserveLeader(isLeader bool, leaderID string, term uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.SetRaftState(term, isLeader)
	if leaderID != "" && leaderID != c.lastLeader {
		c.changes++
		c.metrics.IncLeaderChanges()
	}
	if leaderID != "" {
		c.lastLeader = leaderID
	}
}

// LeaderChanges returns how many leader changes were observed
func (c *GroupMetricsCollector) LeaderChanges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changes
}

// UpdateMembers updates the number of group members
func (c *GroupMetricsCollector) UpdateMembers(count int) {
	c.metrics.SetGroupMembersTotal(count)
}

// UpdateVectors updates the number of locally held vectors
func (c *GroupMetricsCollector) UpdateVectors(count int) {
	c.metrics.SetVectorsTotal(count)
}

// RecordApplyError records a failed replicated write
func (c *GroupMetricsCollector) RecordApplyError(op string) {
	c.metrics.RecordApplyError(op)
}
