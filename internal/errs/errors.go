// Package errs holds the error taxonomy shared by the membership group, the
// topology service and the routing proxy.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLeader is returned when an operation that needs the leader reaches
	// another role. Callers should re-resolve the leader and retry there.
	ErrNotLeader = errors.New("not the leader")
	// ErrLeadershipLost means the node lost leadership while a write was in
	// flight. The write may or may not have been committed.
	ErrLeadershipLost = errors.New("leadership lost while processing request")
	// ErrTimeout means no quorum or response arrived in time. Retryable, but a
	// write may still have been applied.
	ErrTimeout = errors.New("operation timed out")
	// ErrDuplicateNode is returned by a membership add for a known node id.
	ErrDuplicateNode = errors.New("node already present")
	// ErrValidation marks rejected input that must be corrected before retrying.
	ErrValidation = errors.New("validation failed")
	// ErrRoutingFailure is returned by the proxy once its single retry is spent.
	ErrRoutingFailure = errors.New("routing failure")
	// ErrNotFound marks a missing resource.
	ErrNotFound = errors.New("not found")
)

// NotLeaderError carries the responder's view of the current leader so the
// caller can redirect without another lookup.
type NotLeaderError struct {
	LeaderID   string
	LeaderAddr string
	Term       uint64
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return fmt.Sprintf("%s (no known leader, term %d)", ErrNotLeader, e.Term)
	}
	return fmt.Sprintf("%s (leader %s at %s, term %d)", ErrNotLeader, e.LeaderID, e.LeaderAddr, e.Term)
}

// Is lets errors.Is(err, ErrNotLeader) match a *NotLeaderError.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

// Validation wraps ErrValidation with a formatted reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// DuplicateNode reports that nodeID is already a member.
func DuplicateNode(nodeID string) error {
	return fmt.Errorf("%w: %s", ErrDuplicateNode, nodeID)
}

// RoutingFailure wraps the last forwarding error seen by the proxy.
func RoutingFailure(instanceID string, cause error) error {
	return fmt.Errorf("%w: instance %s: %v", ErrRoutingFailure, instanceID, cause)
}
