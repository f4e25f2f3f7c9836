package cluster

import (
	"github.com/arohanajit/Distributed-VectorDB/internal/utils"
	"github.com/hashicorp/raft"
)

// Role is a member's position in the election protocol
type Role string

const (
	RoleLeader    Role = "leader"
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleShutdown  Role = "shutdown"
	RoleUnknown   Role = "unknown"
)

func roleFromState(state raft.RaftState) Role {
	switch state {
	case raft.Leader:
		return RoleLeader
	case raft.Follower:
		return RoleFollower
	case raft.Candidate:
		return RoleCandidate
	case raft.Shutdown:
		return RoleShutdown
	default:
		return RoleUnknown
	}
}

// NodeID identifies a member within its group. Clients send it either as a
// JSON number or a string; both decode to the same id.
type NodeID string

// UnmarshalJSON accepts 4 and "4" alike.
func (id *NodeID) UnmarshalJSON(data []byte) error {
	s, err := utils.ParseID(data)
	if err != nil {
		return err
	}
	*id = NodeID(s)
	return nil
}

// Node represents a member of the membership group
type Node struct {
	// ID is the unique identifier of the node within the group
	ID NodeID `json:"nodeId"`
	// Endpoint is the raft address of the node (host:port)
	Endpoint string `json:"endpoint"`
	// Role as seen by the member answering the request
	Role Role `json:"state"`
	// Voter is false for members that replicate without voting
	Voter bool `json:"voter"`
}

// LeaderInfo is a member's view of the current leader
type LeaderInfo struct {
	LeaderID   string `json:"leaderId"`
	LeaderAddr string `json:"leaderAddr"`
	Term       uint64 `json:"term"`
}

// SetLeaderRequest asks a member to observe or hand over leadership
type SetLeaderRequest struct {
	// Transfer hands leadership to another voter when the receiver leads
	Transfer bool `json:"transfer"`
	// Target optionally names the voter that should take over
	Target NodeID `json:"nodeId,omitempty"`
}

// Status is the readiness view of one member
type Status struct {
	NodeID       string `json:"nodeId"`
	InstanceID   string `json:"instanceId"`
	Role         Role   `json:"role"`
	Term         uint64 `json:"term"`
	LeaderID     string `json:"leaderId"`
	LeaderAddr   string `json:"leaderAddr"`
	CommitIndex  uint64 `json:"commitIndex"`
	AppliedIndex uint64 `json:"appliedIndex"`
	LastLogIndex uint64 `json:"lastLogIndex"`
	NumPeers     int    `json:"numPeers"`
}
