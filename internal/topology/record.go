// Package topology tracks which nodes make up each named instance, with the
// role and node class operators assert for them.
package topology

import (
	"encoding/json"

	"github.com/arohanajit/Distributed-VectorDB/internal/errs"
	"github.com/arohanajit/Distributed-VectorDB/internal/utils"
)

// Role codes
const (
	RoleLeader   = 0
	RoleFollower = 1
)

// Node class codes
const (
	TypeStorage     = 1
	TypeProxyTarget = 2
)

// InstanceRecord is one node of a logical instance, keyed by
// (InstanceID, NodeID)
type InstanceRecord struct {
	InstanceID string `json:"instanceId"`
	NodeID     string `json:"nodeId"`
	URL        string `json:"url"`
	Role       int    `json:"role"`
	Type       int    `json:"type"`
}

// UnmarshalJSON accepts the node id as a string or an integer
func (r *InstanceRecord) UnmarshalJSON(data []byte) error {
	type plain InstanceRecord
	var aux struct {
		plain
		NodeID json.RawMessage `json:"nodeId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = InstanceRecord(aux.plain)
	r.NodeID = ""
	if len(aux.NodeID) > 0 {
		id, err := utils.ParseID(aux.NodeID)
		if err != nil {
			return errs.Validation("nodeId: %v", err)
		}
		r.NodeID = id
	}
	return nil
}

// Validate checks required fields and the role and type codes
func (r InstanceRecord) Validate() error {
	switch {
	case r.InstanceID == "":
		return errs.Validation("instanceId is required")
	case r.NodeID == "":
		return errs.Validation("nodeId is required")
	case r.URL == "":
		return errs.Validation("url is required")
	}
	if r.Role != RoleLeader && r.Role != RoleFollower {
		return errs.Validation("role must be %d (leader) or %d (follower), got %d", RoleLeader, RoleFollower, r.Role)
	}
	if r.Type != TypeStorage && r.Type != TypeProxyTarget {
		return errs.Validation("type must be %d (storage) or %d (proxy target), got %d", TypeStorage, TypeProxyTarget, r.Type)
	}
	return nil
}

// IsLeader reports whether the record asserts the leader role
func (r InstanceRecord) IsLeader() bool {
	return r.Role == RoleLeader
}
