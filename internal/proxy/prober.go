package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/arohanajit/Distributed-VectorDB/internal/cluster"
)

const (
	defaultProbeTimeout     = time.Second
	defaultFailureThreshold = 3
	statusEndpoint          = "/status"
)

// NodeHealth represents the current health status of a node
type NodeHealth struct {
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	MissedBeats   int       `json:"missedBeats"`
	IsHealthy     bool      `json:"isHealthy"`
	Address       string    `json:"address"`
}

// Prober reads node /status endpoints and tracks missed beats per node URL.
// A node turns unhealthy after threshold consecutive misses and healthy
// again on the next answer.
type Prober struct {
	mu        sync.RWMutex
	nodes     map[string]*NodeHealth
	client    *http.Client
	threshold int
}

// NewProber creates a new Prober
func NewProber(timeout time.Duration, threshold int) *Prober {
	if timeout == 0 {
		timeout = defaultProbeTimeout
	}
	if threshold == 0 {
		threshold = defaultFailureThreshold
	}
	return &Prober{
		nodes:     make(map[string]*NodeHealth),
		client:    &http.Client{Timeout: timeout},
		threshold: threshold,
	}
}

// Probe fetches the status of the node at baseURL. ok is false when the node
// did not answer with a readable status. A node without a known leader still
// answers (503) and counts as alive.
func (p *Prober) Probe(ctx context.Context, baseURL string) (cluster.Status, bool) {
	status, err := p.fetch(ctx, baseURL)
	p.record(baseURL, err == nil)
	return status, err == nil
}

func (p *Prober) fetch(ctx context.Context, baseURL string) (cluster.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+statusEndpoint, nil)
	if err != nil {
		return cluster.Status{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return cluster.Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return cluster.Status{}, &statusError{code: resp.StatusCode}
	}
	var status cluster.Status
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&status); err != nil {
		return cluster.Status{}, err
	}
	return status, nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return http.StatusText(e.code) }

// MarkFailure counts a failed forward to baseURL as a missed beat
func (p *Prober) MarkFailure(baseURL string) {
	p.record(baseURL, false)
}

func (p *Prober) record(baseURL string, alive bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	node, exists := p.nodes[baseURL]
	if !exists {
		node = &NodeHealth{IsHealthy: true, Address: baseURL}
		p.nodes[baseURL] = node
	}
	if alive {
		node.MissedBeats = 0
		node.IsHealthy = true
		node.LastHeartbeat = time.Now()
		return
	}
	node.MissedBeats++
	if node.MissedBeats >= p.threshold {
		node.IsHealthy = false
	}
}

// health returns the state of baseURL. Unknown nodes are healthy.
func (p *Prober) health(baseURL string) NodeHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	node, exists := p.nodes[baseURL]
	if !exists {
		return NodeHealth{IsHealthy: true, Address: baseURL}
	}
	return *node
}

// GetNodeHealth returns the health status of all tracked nodes
func (p *Prober) GetNodeHealth() map[string]NodeHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	health := make(map[string]NodeHealth, len(p.nodes))
	for addr, node := range p.nodes {
		health[addr] = *node
	}
	return health
}

// Retain drops tracked nodes whose URL is not in keep
func (p *Prober) Retain(keep map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for addr := range p.nodes {
		if !keep[addr] {
			delete(p.nodes, addr)
		}
	}
}
