package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id between proxy, nodes and clients
const RequestIDHeader = "X-Request-ID"

// GenerateRequestID generates a unique request ID used to correlate a client
// request with the forwarded calls it causes
func GenerateRequestID() string {
	return uuid.NewString()
}

type requestIDKey struct{}

// WithRequestID stores id in ctx so outgoing calls can forward it
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id stored by WithRequestID, or ""
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ParseID decodes an identifier sent either as a JSON string or a JSON
// integer, so {"nodeId": 4} and {"nodeId": "4"} name the same node.
func ParseID(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		if _, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return n.String(), nil
		}
	}
	return "", fmt.Errorf("id must be a string or integer: %s", data)
}
