package topology

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arohanajit/Distributed-VectorDB/internal/errs"
	"github.com/arohanajit/Distributed-VectorDB/internal/utils"
)

const defaultClientTimeout = 5 * time.Second

// Client talks to a remote topology service over HTTP
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the topology service at baseURL. A nil
// httpClient uses a client with a 5s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClientTimeout}
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

// BaseURL returns the service address the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// AddNode upserts rec on the service
func (c *Client) AddNode(ctx context.Context, rec InstanceRecord) error {
	return c.post(ctx, "/addNode", rec, nil)
}

// RemoveNode deletes a record on the service
func (c *Client) RemoveNode(ctx context.Context, instanceID, nodeID string) error {
	body := map[string]string{"instanceId": instanceID, "nodeId": nodeID}
	return c.post(ctx, "/removeNode", body, nil)
}

// GetInstance reads the records of instanceID
func (c *Client) GetInstance(ctx context.Context, instanceID string) (Instance, error) {
	query := url.Values{"instanceId": {instanceID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/getInstance?"+query.Encode(), nil)
	if err != nil {
		return Instance{}, fmt.Errorf("failed to create request: %w", err)
	}

	var inst Instance
	if err := c.do(req, &inst); err != nil {
		return Instance{}, err
	}
	if inst.InstanceID == "" {
		inst.InstanceID = instanceID
	}
	if inst.Nodes == nil {
		inst.Nodes = []InstanceRecord{}
	}
	return inst, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if id := utils.RequestIDFromContext(req.Context()); id != "" {
		req.Header.Set(utils.RequestIDHeader, id)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if req.Context().Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: topology service %s: %v", errs.ErrTimeout, c.baseURL, err)
		}
		return fmt.Errorf("topology service %s unreachable: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	return utils.DecodeResponse(resp, out)
}
