// Package proxy routes data operations to the current leader of each
// instance using a cached, periodically refreshed view of the topology.
package proxy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/arohanajit/Distributed-VectorDB/internal/cluster"
	"github.com/arohanajit/Distributed-VectorDB/internal/topology"
)

// Route is one node of an instance as last seen by the proxy
type Route struct {
	topology.InstanceRecord
	// Healthy is false once the node missed enough probes or forwards
	Healthy bool `json:"healthy"`
	// MissedBeats counts consecutive failed probes and forwards
	MissedBeats int `json:"missedBeats,omitempty"`
	// Status is the node's own view from its last successful probe
	Status *cluster.Status `json:"status,omitempty"`
}

// BaseURL returns the node's HTTP address with a scheme
func (r Route) BaseURL() string {
	return nodeURL(r.URL)
}

// UnmarshalJSON decodes the record and the probe fields next to it
func (r *Route) UnmarshalJSON(data []byte) error {
	if err := r.InstanceRecord.UnmarshalJSON(data); err != nil {
		return err
	}
	var aux struct {
		Healthy     bool            `json:"healthy"`
		MissedBeats int             `json:"missedBeats"`
		Status      *cluster.Status `json:"status"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Healthy, r.MissedBeats, r.Status = aux.Healthy, aux.MissedBeats, aux.Status
	return nil
}

func (r Route) reportsLeader() bool {
	return r.Status != nil && r.Status.Role == cluster.RoleLeader
}

// Shard is the routing entry of one instance
type Shard struct {
	InstanceID string    `json:"instanceId"`
	Routes     []Route   `json:"nodes"`
	FetchedAt  time.Time `json:"fetchedAt"`
	// Stale is set when a forward failed and a refresh is pending
	Stale bool `json:"stale,omitempty"`
	// Err is the last refresh error; Routes are then the last known good ones
	Err string `json:"error,omitempty"`
}

// Leader picks the route writes go to. A healthy node that reports itself
// leader with the highest term wins. Next comes the node the members agree
// leads in the highest term, then the record asserted with the leader role,
// preferring one without missed beats. The node exclude is never picked.
func (s Shard) Leader(exclude string) (Route, bool) {
	usable := func(r Route) bool {
		return r.Healthy && (exclude == "" || r.NodeID != exclude)
	}

	best, found := Route{}, false
	for _, r := range s.Routes {
		if !usable(r) || !r.reportsLeader() {
			continue
		}
		if !found || r.Status.Term > best.Status.Term {
			best, found = r, true
		}
	}
	if found {
		return best, true
	}

	var leaderID string
	var term uint64
	for _, r := range s.Routes {
		if r.Status != nil && r.Status.LeaderID != "" && r.Status.Term >= term {
			leaderID, term = r.Status.LeaderID, r.Status.Term
		}
	}
	if r, ok := s.Route(leaderID); ok && usable(r) {
		return r, true
	}

	for _, r := range s.Routes {
		if !usable(r) || !r.IsLeader() {
			continue
		}
		if !found || r.MissedBeats < best.MissedBeats {
			best, found = r, true
		}
	}
	return best, found
}

// Route returns the route of nodeID
func (s Shard) Route(nodeID string) (Route, bool) {
	if nodeID == "" {
		return Route{}, false
	}
	for _, r := range s.Routes {
		if r.NodeID == nodeID {
			return r, true
		}
	}
	return Route{}, false
}

// ReadableFor returns the healthy routes able to serve path, leaving out the
// node exclude. An empty path matches every route. Storage nodes do not answer /query and proxy targets do not
// answer /search or /snapshot.
func (s Shard) ReadableFor(path, exclude string) []Route {
	routes := make([]Route, 0, len(s.Routes))
	for _, r := range s.Routes {
		if !r.Healthy || (exclude != "" && r.NodeID == exclude) || !r.serves(path) {
			continue
		}
		routes = append(routes, r)
	}
	return routes
}

func (r Route) serves(path string) bool {
	switch path {
	case "/query":
		return r.Type != topology.TypeStorage
	case "/search", "/snapshot":
		return r.Type != topology.TypeProxyTarget
	}
	return true
}

// Snapshot is an immutable routing view. A new version replaces it whole.
type Snapshot struct {
	Version   uint64           `json:"version"`
	FetchedAt time.Time        `json:"fetchedAt"`
	Shards    map[string]Shard `json:"instances"`
}

// Shard returns the entry of instanceID
func (s *Snapshot) Shard(instanceID string) (Shard, bool) {
	if s == nil {
		return Shard{}, false
	}
	shard, ok := s.Shards[instanceID]
	return shard, ok
}

// with returns a copy of s with shard replaced and the version bumped
func (s *Snapshot) with(shards ...Shard) *Snapshot {
	next := &Snapshot{Shards: make(map[string]Shard)}
	if s != nil {
		next.Version = s.Version
		next.FetchedAt = s.FetchedAt
		for id, shard := range s.Shards {
			next.Shards[id] = shard
		}
	}
	next.Version++
	for _, shard := range shards {
		next.Shards[shard.InstanceID] = shard
		if shard.FetchedAt.After(next.FetchedAt) {
			next.FetchedAt = shard.FetchedAt
		}
	}
	return next
}

func nodeURL(raw string) string {
	raw = strings.TrimRight(raw, "/")
	if strings.Contains(raw, "://") {
		return raw
	}
	return "http://" + raw
}
