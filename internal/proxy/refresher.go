package proxy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arohanajit/Distributed-VectorDB/internal/metrics"
	"github.com/arohanajit/Distributed-VectorDB/internal/topology"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const (
	defaultRefreshInterval = 30 * time.Second
	defaultRefreshTimeout  = 10 * time.Second
	defaultWorkers         = 16
)

// TopologySource reads instance records, normally a topology.Client
type TopologySource interface {
	GetInstance(ctx context.Context, instanceID string) (topology.Instance, error)
}

// RefresherOptions configures a Refresher
type RefresherOptions struct {
	InstanceIDs []string
	Interval    time.Duration
	// Probe reads each node's /status on refresh
	Probe   bool
	Prober  *Prober
	Workers int
	Logger  *zap.Logger
}

// Refresher maintains the routing snapshot. Readers load it without locks;
// refreshes build a new snapshot and swap it in.
type Refresher struct {
	source   TopologySource
	prober   *Prober
	probe    bool
	interval time.Duration
	pool     *ants.Pool
	logger   *zap.Logger
	metrics  *metrics.PrometheusMetrics

	snap atomic.Pointer[Snapshot]
	// swapMu orders swaps so a slow refresh never drops a newer shard
	swapMu sync.Mutex

	idsMu       sync.RWMutex
	instanceIDs []string

	trigger  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRefresher creates a refresher. Start must be called for periodic
// refreshes; Refresh may be called directly.
func NewRefresher(source TopologySource, opts RefresherOptions) (*Refresher, error) {
	if opts.Interval <= 0 {
		opts.Interval = defaultRefreshInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Prober == nil {
		opts.Prober = NewProber(0, 0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	r := &Refresher{
		source:      source,
		prober:      opts.Prober,
		probe:       opts.Probe,
		interval:    opts.Interval,
		pool:        pool,
		logger:      opts.Logger,
		metrics:     metrics.GetMetrics(),
		instanceIDs: append([]string(nil), opts.InstanceIDs...),
		trigger:     make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	r.snap.Store(&Snapshot{Shards: map[string]Shard{}})
	return r, nil
}

// Snapshot returns the current routing view
func (r *Refresher) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Prober returns the health tracker shared with the forwarder
func (r *Refresher) Prober() *Prober {
	return r.prober
}

// InstanceIDs returns the instances refreshed periodically
func (r *Refresher) InstanceIDs() []string {
	r.idsMu.RLock()
	defer r.idsMu.RUnlock()
	return append([]string(nil), r.instanceIDs...)
}

func (r *Refresher) track(instanceID string) {
	r.idsMu.Lock()
	defer r.idsMu.Unlock()
	for _, id := range r.instanceIDs {
		if id == instanceID {
			return
		}
	}
	r.instanceIDs = append(r.instanceIDs, instanceID)
}

// Start runs periodic and on-demand refreshes until Stop
func (r *Refresher) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop ends background refreshes and releases the worker pool
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		r.pool.Release()
	})
}

// RequestRefresh asks for an asynchronous refresh and returns immediately
func (r *Refresher) RequestRefresh() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Refresher) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultRefreshTimeout)
		defer cancel()
		if err := r.Refresh(ctx); err != nil {
			r.logger.Warn("Topology refresh incomplete", zap.Error(err))
		}
	}

	refresh()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			refresh()
		case <-r.trigger:
			refresh()
		}
	}
}

// Refresh reloads every tracked instance. Instances that fail to load keep
// their last known good routes; the first such error is returned.
func (r *Refresher) Refresh(ctx context.Context) error {
	ids := r.InstanceIDs()
	shards, err := r.load(ctx, ids)

	keep := make(map[string]bool)
	for _, shard := range shards {
		for _, route := range shard.Routes {
			keep[route.BaseURL()] = true
		}
	}
	if err == nil {
		r.prober.Retain(keep)
	}
	r.swap(shards)
	return err
}

// RefreshInstance reloads one instance, tracking it from now on
func (r *Refresher) RefreshInstance(ctx context.Context, instanceID string) error {
	r.track(instanceID)
	shards, err := r.load(ctx, []string{instanceID})
	r.swap(shards)
	return err
}

// Invalidate marks an instance stale until its next refresh
func (r *Refresher) Invalidate(instanceID string) {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	cur := r.snap.Load()
	shard, ok := cur.Shard(instanceID)
	if !ok || shard.Stale {
		return
	}
	shard.Stale = true
	r.store(cur.with(shard))
}

func (r *Refresher) swap(shards []Shard) {
	if len(shards) == 0 {
		return
	}
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	cur := r.snap.Load()
	fresh := make([]Shard, 0, len(shards))
	for _, shard := range shards {
		// A shard loaded before the current one must not replace it
		if prev, ok := cur.Shard(shard.InstanceID); ok && prev.FetchedAt.After(shard.FetchedAt) {
			continue
		}
		fresh = append(fresh, shard)
	}
	r.store(cur.with(fresh...))
}

func (r *Refresher) store(next *Snapshot) {
	r.snap.Store(next)
	r.metrics.SetSnapshotVersion(next.Version)
}

// load fetches instances, then probes their nodes, both on the worker pool
func (r *Refresher) load(ctx context.Context, ids []string) ([]Shard, error) {
	type result struct {
		inst topology.Instance
		err  error
	}
	results := make([]result, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		err := r.pool.Submit(func() {
			defer wg.Done()
			inst, err := r.source.GetInstance(ctx, id)
			results[i] = result{inst: inst, err: err}
		})
		if err != nil {
			wg.Done()
			results[i] = result{err: fmt.Errorf("failed to schedule refresh: %w", err)}
		}
	}
	wg.Wait()

	now := time.Now()
	cur := r.snap.Load()
	shards := make([]Shard, 0, len(ids))
	var firstErr error
	for i, id := range ids {
		res := results[i]
		if res.err != nil {
			r.metrics.RecordRefreshError(id)
			r.logger.Warn("Failed to read instance topology", zap.String("instance_id", id), zap.Error(res.err))
			if firstErr == nil {
				firstErr = fmt.Errorf("instance %s: %w", id, res.err)
			}
			// Keep serving the last known good routes
			prev, ok := cur.Shard(id)
			if !ok {
				prev = Shard{InstanceID: id, Routes: []Route{}}
			}
			prev.Err = res.err.Error()
			prev.FetchedAt = now
			shards = append(shards, prev)
			continue
		}

		routes := make([]Route, len(res.inst.Nodes))
		for j, rec := range res.inst.Nodes {
			health := r.prober.health(nodeURL(rec.URL))
			routes[j] = Route{InstanceRecord: rec, Healthy: health.IsHealthy, MissedBeats: health.MissedBeats}
		}
		shards = append(shards, Shard{InstanceID: id, Routes: routes, FetchedAt: now})
	}

	if r.probe {
		r.probeAll(ctx, shards)
	}
	return shards, firstErr
}

func (r *Refresher) probeAll(ctx context.Context, shards []Shard) {
	var wg sync.WaitGroup
	for i := range shards {
		if shards[i].Err != "" {
			continue
		}
		for j := range shards[i].Routes {
			route := &shards[i].Routes[j]
			wg.Add(1)
			err := r.pool.Submit(func() {
				defer wg.Done()
				status, ok := r.prober.Probe(ctx, route.BaseURL())
				if ok {
					route.Status = &status
				}
				health := r.prober.health(route.BaseURL())
				route.Healthy, route.MissedBeats = health.IsHealthy, health.MissedBeats
			})
			if err != nil {
				wg.Done()
			}
		}
	}
	wg.Wait()

	for _, shard := range shards {
		for _, route := range shard.Routes {
			r.metrics.SetNodeHealthy(shard.InstanceID, route.NodeID, route.Healthy)
		}
	}
}
