package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "vdb:instance:"

// RedisRegistry stores each instance as one hash keyed by node id
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry connects to redis at addr and checks the connection
func NewRedisRegistry(addr, password string) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisRegistry{client: client}, nil
}

func redisKey(instanceID string) string {
	return redisKeyPrefix + instanceID
}

func (r *RedisRegistry) Put(ctx context.Context, rec InstanceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := r.client.HSet(ctx, redisKey(rec.InstanceID), rec.NodeID, data).Err(); err != nil {
		return fmt.Errorf("failed to store record: %w", err)
	}
	return nil
}

func (r *RedisRegistry) List(ctx context.Context, instanceID string) ([]InstanceRecord, error) {
	fields, err := r.client.HGetAll(ctx, redisKey(instanceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	recs := make([]InstanceRecord, 0, len(fields))
	for _, value := range fields {
		var rec InstanceRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	sortRecords(recs)
	return recs, nil
}

func (r *RedisRegistry) Get(ctx context.Context, instanceID, nodeID string) (InstanceRecord, error) {
	value, err := r.client.HGet(ctx, redisKey(instanceID), nodeID).Result()
	if err == redis.Nil {
		return InstanceRecord{}, notFound(instanceID, nodeID)
	}
	if err != nil {
		return InstanceRecord{}, fmt.Errorf("failed to get record: %w", err)
	}

	var rec InstanceRecord
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return InstanceRecord{}, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, instanceID, nodeID string) error {
	n, err := r.client.HDel(ctx, redisKey(instanceID), nodeID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if n == 0 {
		return notFound(instanceID, nodeID)
	}
	return nil
}

// Close closes the redis client
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
