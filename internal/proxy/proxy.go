package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/arohanajit/Distributed-VectorDB/internal/errs"
	"github.com/arohanajit/Distributed-VectorDB/internal/metrics"
	"github.com/arohanajit/Distributed-VectorDB/internal/utils"
	"go.uber.org/zap"
)

const (
	defaultForwardTimeout = 20 * time.Second
	maxResponseSize       = 32 << 20
)

// Target selects which node of an instance serves a request
type Target int

const (
	// TargetLeader sends the request to the leader
	TargetLeader Target = iota
	// TargetRead may go to a follower when follower reads are enabled
	TargetRead
)

// Request is one operation to forward
type Request struct {
	Method     string
	Path       string
	RawQuery   string
	Body       []byte
	InstanceID string // Empty uses the default instance
	Target     Target
	RequestID  string
}

// Response is the answer of the node that served a request
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	InstanceID string
	NodeID     string
	Retried    bool
}

// Options configures a Proxy
type Options struct {
	DefaultInstance   string
	Timeout           time.Duration
	ReadFromFollowers bool
	Client            *http.Client
	Logger            *zap.Logger
}

// Proxy forwards operations to the node that should serve them. A request
// that reaches a non-leader or an unreachable node is retried once after the
// instance's routes are refreshed.
type Proxy struct {
	refresher         *Refresher
	client            *http.Client
	defaultInstance   string
	timeout           time.Duration
	readFromFollowers bool
	logger            *zap.Logger
	metrics           *metrics.PrometheusMetrics
	next              atomic.Uint64
}

// New creates a proxy over refresher's snapshots
func New(refresher *Refresher, opts Options) *Proxy {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultForwardTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultInstance == "" {
		if ids := refresher.InstanceIDs(); len(ids) > 0 {
			opts.DefaultInstance = ids[0]
		}
	}
	return &Proxy{
		refresher:         refresher,
		client:            opts.Client,
		defaultInstance:   opts.DefaultInstance,
		timeout:           opts.Timeout,
		readFromFollowers: opts.ReadFromFollowers,
		logger:            opts.Logger,
		metrics:           metrics.GetMetrics(),
	}
}

// DefaultInstance returns the instance used when a request names none
func (p *Proxy) DefaultInstance() string {
	return p.defaultInstance
}

// Topology returns the current routing snapshot
func (p *Proxy) Topology() *Snapshot {
	return p.refresher.Snapshot()
}

// NodeHealth returns the probe state of every tracked node URL
func (p *Proxy) NodeHealth() map[string]NodeHealth {
	return p.refresher.Prober().GetNodeHealth()
}

// retryable marks a failure that a refresh may fix
type retryable struct {
	err  error
	node string // Node that failed, skipped on the retry
	hint string // Leader id suggested by the node, if any
}

func (e *retryable) Error() string { return e.err.Error() }
func (e *retryable) Unwrap() error { return e.err }

// Forward sends req to the node selected for it
func (p *Proxy) Forward(ctx context.Context, req Request) (*Response, error) {
	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = p.defaultInstance
	}
	if instanceID == "" {
		return nil, errs.Validation("instanceId is required")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	shard, ok := p.refresher.Snapshot().Shard(instanceID)
	if !ok {
		// First request for this instance
		if err := p.refresher.RefreshInstance(ctx, instanceID); err != nil && ctx.Err() == nil {
			p.logger.Warn("Failed to load instance routes", zap.String("instance_id", instanceID), zap.Error(err))
		}
		shard, _ = p.refresher.Snapshot().Shard(instanceID)
	} else if shard.Stale || shard.Err != "" {
		// Serve the last known routes while they reload
		p.refresher.RequestRefresh()
	}

	resp, err := p.attempt(ctx, shard, req, "", "")
	if err == nil {
		resp.InstanceID = instanceID
		return resp, nil
	}
	var retry *retryable
	if !errors.As(err, &retry) {
		return nil, err
	}

	p.metrics.RecordForwardRetry(instanceID)
	p.logger.Info("Refreshing routes before retry",
		zap.String("instance_id", instanceID),
		zap.String("path", req.Path),
		zap.Error(err))

	p.refresher.Invalidate(instanceID)
	if rerr := p.refresher.RefreshInstance(ctx, instanceID); rerr != nil {
		p.logger.Warn("Route refresh failed", zap.String("instance_id", instanceID), zap.Error(rerr))
	}
	if ctx.Err() != nil {
		return nil, p.timeoutError(ctx)
	}
	shard, _ = p.refresher.Snapshot().Shard(instanceID)

	resp, err = p.attempt(ctx, shard, req, retry.hint, retry.node)
	if err == nil {
		resp.InstanceID = instanceID
		resp.Retried = true
		return resp, nil
	}
	if errors.As(err, &retry) {
		p.metrics.RecordRoutingFailure(instanceID)
		return nil, errs.RoutingFailure(instanceID, err)
	}
	return nil, err
}

func (p *Proxy) attempt(ctx context.Context, shard Shard, req Request, hint, exclude string) (*Response, error) {
	route, ok := p.choose(shard, req, hint, exclude)
	if !ok {
		return nil, &retryable{err: fmt.Errorf("no %s known for instance %s", targetName(req.Target), shard.InstanceID)}
	}

	resp, err := p.send(ctx, route, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, p.timeoutError(ctx)
		}
		p.refresher.Prober().MarkFailure(route.BaseURL())
		return nil, &retryable{err: fmt.Errorf("node %s: %w", route.NodeID, err), node: route.NodeID}
	}

	if resp.StatusCode == http.StatusMisdirectedRequest {
		var env utils.Response
		if err := json.Unmarshal(resp.Body, &env); err != nil {
			p.logger.Debug("Unreadable not-leader response",
				zap.String("node_id", route.NodeID),
				zap.Error(err))
		}
		return nil, &retryable{
			err:  fmt.Errorf("node %s: %w", route.NodeID, env.Err(resp.StatusCode)),
			node: route.NodeID,
			hint: env.LeaderID,
		}
	}
	return resp, nil
}

// choose picks the route for a request. hint is a leader id reported by a
// node that refused the previous attempt and exclude is the node that failed
// it.
func (p *Proxy) choose(shard Shard, req Request, hint, exclude string) (Route, bool) {
	if req.Target == TargetRead && p.readFromFollowers {
		if r, ok := p.pick(shard.ReadableFor(req.Path, exclude)); ok {
			return r, true
		}
	}
	if r, ok := shard.Route(hint); ok && r.Healthy && r.NodeID != exclude {
		return r, true
	}
	if r, ok := shard.Leader(exclude); ok {
		return r, true
	}
	if req.Target == TargetRead {
		// Reads are served by any role
		return p.pick(shard.ReadableFor(req.Path, exclude))
	}
	return Route{}, false
}

func (p *Proxy) pick(routes []Route) (Route, bool) {
	if len(routes) == 0 {
		return Route{}, false
	}
	return routes[p.next.Add(1)%uint64(len(routes))], true
}

func (p *Proxy) send(ctx context.Context, route Route, req Request) (*Response, error) {
	url := route.BaseURL() + req.Path
	if req.RawQuery != "" {
		url += "?" + req.RawQuery
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.RequestID != "" {
		httpReq.Header.Set(utils.RequestIDHeader, req.RequestID)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	p.logger.Debug("Forwarded request",
		zap.String("node_id", route.NodeID),
		zap.String("url", url),
		zap.Int("status", httpResp.StatusCode))
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		NodeID:     route.NodeID,
	}, nil
}

func (p *Proxy) timeoutError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: forward deadline exceeded, the write may have been applied", errs.ErrTimeout)
	}
	return ctx.Err()
}

func targetName(t Target) string {
	if t == TargetRead {
		return "readable node"
	}
	return "leader"
}

// InstanceFromBody returns the instanceId field of a JSON body, or ""
func InstanceFromBody(body []byte) string {
	var payload struct {
		InstanceID json.RawMessage `json:"instanceId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.InstanceID) == 0 {
		return ""
	}
	id, err := utils.ParseID(payload.InstanceID)
	if err != nil {
		return ""
	}
	return id
}
