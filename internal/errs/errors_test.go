package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotLeaderError_Is(t *testing.T) {
	err := fmt.Errorf("add follower: %w", &NotLeaderError{LeaderID: "2", LeaderAddr: "127.0.0.1:9092", Term: 4})

	assert.True(t, errors.Is(err, ErrNotLeader))

	var nle *NotLeaderError
	assert.True(t, errors.As(err, &nle))
	assert.Equal(t, "2", nle.LeaderID)
	assert.Equal(t, uint64(4), nle.Term)
	assert.Contains(t, err.Error(), "leader 2 at 127.0.0.1:9092")
}

func TestNotLeaderError_NoLeader(t *testing.T) {
	err := &NotLeaderError{Term: 7}
	assert.Contains(t, err.Error(), "no known leader")
}

func TestWrappers(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"validation", Validation("role %d out of range", 9), ErrValidation},
		{"duplicate", DuplicateNode("4"), ErrDuplicateNode},
		{"routing", RoutingFailure("instance1", errors.New("connection refused")), ErrRoutingFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.err, tt.target))
		})
	}
}
