package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const defaultEtcdPrefix = "/vdb/instances/"

// EtcdConfig contains configuration for the etcd registry
type EtcdConfig struct {
	// Endpoints is a list of etcd endpoints
	Endpoints []string
	// Prefix is prepended to every key; records live under
	// {Prefix}{instance}/nodes/{node}
	Prefix string
	// DialTimeout bounds the initial connection
	DialTimeout time.Duration
}

// EtcdRegistry stores records in etcd. Each record is one key, so writes to
// different instances never contend.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdRegistry connects to etcd using the provided configuration
func NewEtcdRegistry(config EtcdConfig) (*EtcdRegistry, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("no etcd endpoints provided")
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return newEtcdRegistry(client, config.Prefix), nil
}

func newEtcdRegistry(client *clientv3.Client, prefix string) *EtcdRegistry {
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdRegistry{client: client, prefix: prefix}
}

func (e *EtcdRegistry) instancePrefix(instanceID string) string {
	return e.prefix + instanceID + "/nodes/"
}

func (e *EtcdRegistry) key(instanceID, nodeID string) string {
	return e.instancePrefix(instanceID) + nodeID
}

func (e *EtcdRegistry) Put(ctx context.Context, rec InstanceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if _, err := e.client.Put(ctx, e.key(rec.InstanceID, rec.NodeID), string(data)); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

// List reads with etcd's default linearizable consistency, so it observes
// every Put acknowledged before it started
func (e *EtcdRegistry) List(ctx context.Context, instanceID string) ([]InstanceRecord, error) {
	resp, err := e.client.Get(ctx, e.instancePrefix(instanceID), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	recs := make([]InstanceRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec InstanceRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			// Skip entries written by something else under our prefix
			continue
		}
		recs = append(recs, rec)
	}
	sortRecords(recs)
	return recs, nil
}

func (e *EtcdRegistry) Get(ctx context.Context, instanceID, nodeID string) (InstanceRecord, error) {
	resp, err := e.client.Get(ctx, e.key(instanceID, nodeID))
	if err != nil {
		return InstanceRecord{}, fmt.Errorf("failed to get record: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return InstanceRecord{}, notFound(instanceID, nodeID)
	}

	var rec InstanceRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return InstanceRecord{}, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}

func (e *EtcdRegistry) Delete(ctx context.Context, instanceID, nodeID string) error {
	resp, err := e.client.Delete(ctx, e.key(instanceID, nodeID))
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if resp.Deleted == 0 {
		return notFound(instanceID, nodeID)
	}
	return nil
}

// Close closes the etcd client
func (e *EtcdRegistry) Close() error {
	return e.client.Close()
}
