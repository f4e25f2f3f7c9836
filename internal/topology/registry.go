package topology

import (
	"cmp"
	"context"
	"fmt"
	"sync"

	"github.com/arohanajit/Distributed-VectorDB/internal/errs"
	"golang.org/x/exp/slices"
)

// Registry persists instance records
type Registry interface {
	// Put upserts a record. A Put followed by List for the same instance
	// observes the write.
	Put(ctx context.Context, rec InstanceRecord) error
	// List returns the records of an instance ordered by node id. An unknown
	// instance yields an empty slice.
	List(ctx context.Context, instanceID string) ([]InstanceRecord, error)
	Get(ctx context.Context, instanceID, nodeID string) (InstanceRecord, error)
	Delete(ctx context.Context, instanceID, nodeID string) error
	Close() error
}

func notFound(instanceID, nodeID string) error {
	return fmt.Errorf("%w: node %s in instance %s", errs.ErrNotFound, nodeID, instanceID)
}

func sortRecords(recs []InstanceRecord) {
	slices.SortFunc(recs, func(a, b InstanceRecord) int {
		return cmp.Compare(a.NodeID, b.NodeID)
	})
}

// MemoryRegistry keeps records in process. Writes to one instance never wait
// on another instance's lock.
type MemoryRegistry struct {
	mu        sync.RWMutex
	instances map[string]*instanceBucket
}

type instanceBucket struct {
	mu    sync.RWMutex
	nodes map[string]InstanceRecord
}

// NewMemoryRegistry creates an empty in-process registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{instances: make(map[string]*instanceBucket)}
}

func (m *MemoryRegistry) bucket(instanceID string, create bool) *instanceBucket {
	m.mu.RLock()
	b, ok := m.instances[instanceID]
	m.mu.RUnlock()
	if ok || !create {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.instances[instanceID]; !ok {
		b = &instanceBucket{nodes: make(map[string]InstanceRecord)}
		m.instances[instanceID] = b
	}
	return b
}

func (m *MemoryRegistry) Put(_ context.Context, rec InstanceRecord) error {
	b := m.bucket(rec.InstanceID, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes[rec.NodeID] = rec
	return nil
}

func (m *MemoryRegistry) List(_ context.Context, instanceID string) ([]InstanceRecord, error) {
	recs := []InstanceRecord{}
	b := m.bucket(instanceID, false)
	if b == nil {
		return recs, nil
	}

	b.mu.RLock()
	for _, rec := range b.nodes {
		recs = append(recs, rec)
	}
	b.mu.RUnlock()

	sortRecords(recs)
	return recs, nil
}

func (m *MemoryRegistry) Get(_ context.Context, instanceID, nodeID string) (InstanceRecord, error) {
	b := m.bucket(instanceID, false)
	if b == nil {
		return InstanceRecord{}, notFound(instanceID, nodeID)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.nodes[nodeID]
	if !ok {
		return InstanceRecord{}, notFound(instanceID, nodeID)
	}
	return rec, nil
}

func (m *MemoryRegistry) Delete(_ context.Context, instanceID, nodeID string) error {
	b := m.bucket(instanceID, false)
	if b == nil {
		return notFound(instanceID, nodeID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nodes[nodeID]; !ok {
		return notFound(instanceID, nodeID)
	}
	delete(b.nodes, nodeID)
	return nil
}

func (m *MemoryRegistry) Close() error { return nil }
