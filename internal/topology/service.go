package topology

import (
	"context"
	"fmt"

	"github.com/arohanajit/Distributed-VectorDB/internal/errs"
	"go.uber.org/zap"
)

// Instance is the view of one logical instance returned by GetInstance
type Instance struct {
	InstanceID string           `json:"instanceId"`
	Nodes      []InstanceRecord `json:"nodes"`
}

// Service is the authoritative writer of instance records
type Service struct {
	registry Registry
	logger   *zap.Logger
}

// NewService creates a topology service on top of registry
func NewService(registry Registry, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{registry: registry, logger: logger}
}

// AddNode upserts the record for (InstanceID, NodeID)
func (s *Service) AddNode(ctx context.Context, rec InstanceRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := s.registry.Put(ctx, rec); err != nil {
		return fmt.Errorf("add node %s to %s: %w", rec.NodeID, rec.InstanceID, err)
	}

	s.logger.Info("Node registered",
		zap.String("instance_id", rec.InstanceID),
		zap.String("node_id", rec.NodeID),
		zap.String("url", rec.URL),
		zap.Int("role", rec.Role),
		zap.Int("type", rec.Type))
	return nil
}

// GetInstance returns the records of instanceID ordered by node id
func (s *Service) GetInstance(ctx context.Context, instanceID string) (Instance, error) {
	if instanceID == "" {
		return Instance{}, errs.Validation("instanceId is required")
	}
	nodes, err := s.registry.List(ctx, instanceID)
	if err != nil {
		return Instance{}, fmt.Errorf("get instance %s: %w", instanceID, err)
	}
	return Instance{InstanceID: instanceID, Nodes: nodes}, nil
}

// GetNodeInfo returns one record
func (s *Service) GetNodeInfo(ctx context.Context, instanceID, nodeID string) (InstanceRecord, error) {
	if instanceID == "" || nodeID == "" {
		return InstanceRecord{}, errs.Validation("instanceId and nodeId are required")
	}
	return s.registry.Get(ctx, instanceID, nodeID)
}

// RemoveNode deletes one record
func (s *Service) RemoveNode(ctx context.Context, instanceID, nodeID string) error {
	if instanceID == "" || nodeID == "" {
		return errs.Validation("instanceId and nodeId are required")
	}
	if err := s.registry.Delete(ctx, instanceID, nodeID); err != nil {
		return err
	}

	s.logger.Info("Node removed",
		zap.String("instance_id", instanceID),
		zap.String("node_id", nodeID))
	return nil
}

// Close releases the registry backend
func (s *Service) Close() error {
	return s.registry.Close()
}
