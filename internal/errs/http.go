package errs

import (
	"errors"
	"net/http"
)

// StatusCode maps an error to the HTTP status it is reported with
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotLeader):
		return http.StatusMisdirectedRequest
	case errors.Is(err, ErrLeadershipLost):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrDuplicateNode):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrRoutingFailure):
		return http.StatusBadGateway
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus rebuilds a taxonomy error from a remote response. hint is only
// used for 421 answers.
func FromStatus(status int, msg string, hint NotLeaderError) error {
	var base error
	switch status {
	case http.StatusMisdirectedRequest:
		return &hint
	case http.StatusServiceUnavailable:
		base = ErrLeadershipLost
	case http.StatusGatewayTimeout:
		base = ErrTimeout
	case http.StatusConflict:
		base = ErrDuplicateNode
	case http.StatusBadRequest:
		base = ErrValidation
	case http.StatusBadGateway:
		base = ErrRoutingFailure
	case http.StatusNotFound:
		base = ErrNotFound
	default:
		return &RemoteError{Status: status, Msg: msg}
	}
	if msg == "" {
		return base
	}
	return &remote{base: base, msg: msg}
}

// RemoteError is an answer outside the taxonomy
type RemoteError struct {
	Status int
	Msg    string
}

func (e *RemoteError) Error() string {
	if e.Msg == "" {
		return http.StatusText(e.Status)
	}
	return e.Msg
}

// remote keeps the peer's message while matching the local sentinel
type remote struct {
	base error
	msg  string
}

func (e *remote) Error() string { return e.msg }
func (e *remote) Unwrap() error { return e.base }
