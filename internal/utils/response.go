package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/arohanajit/Distributed-VectorDB/internal/errs"
)

// Return codes carried in every response body
const (
	RetOK    = 0
	RetError = -1
)

// Response is the JSON envelope of every node, master and proxy answer
type Response struct {
	RetCode    int             `json:"retCode"`
	Msg        string          `json:"msg,omitempty"`
	ErrorMsg   string          `json:"errorMsg,omitempty"`
	LeaderID   string          `json:"leaderId,omitempty"`
	LeaderAddr string          `json:"leaderAddr,omitempty"`
	Term       uint64          `json:"term,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Err returns the error carried by a response received with status
func (r Response) Err(status int) error {
	if status == http.StatusOK && r.RetCode == RetOK {
		return nil
	}
	msg := r.ErrorMsg
	if msg == "" {
		msg = r.Msg
	}
	return errs.FromStatus(status, msg, errs.NotLeaderError{
		LeaderID:   r.LeaderID,
		LeaderAddr: r.LeaderAddr,
		Term:       r.Term,
	})
}

// DecodeResponse reads an envelope from an HTTP response and unpacks Data
// into out when the call succeeded. out may be nil.
func DecodeResponse(resp *http.Response, out any) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env Response
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return errs.FromStatus(resp.StatusCode, string(body), errs.NotLeaderError{})
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := env.Err(resp.StatusCode); err != nil {
		return err
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// WriteJSON writes v with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteData writes a successful envelope around data
func WriteData(w http.ResponseWriter, msg string, data any) {
	resp := Response{RetCode: RetOK, Msg: msg}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			WriteError(w, fmt.Errorf("failed to encode response: %w", err))
			return
		}
		resp.Data = raw
	}
	WriteJSON(w, http.StatusOK, resp)
}

// WriteError writes err as an error envelope. Not-leader errors carry the
// responder's leader hint.
func WriteError(w http.ResponseWriter, err error) {
	resp := Response{RetCode: RetError, ErrorMsg: err.Error()}
	var nle *errs.NotLeaderError
	if errors.As(err, &nle) {
		resp.LeaderID = nle.LeaderID
		resp.LeaderAddr = nle.LeaderAddr
		resp.Term = nle.Term
	}
	WriteJSON(w, errs.StatusCode(err), resp)
}
