// Package node dispatches data operations on a storage node according to its
// role in the membership group.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/arohanajit/Distributed-VectorDB/internal/cluster"
	"github.com/arohanajit/Distributed-VectorDB/internal/errs"
	"github.com/arohanajit/Distributed-VectorDB/internal/metrics"
	"github.com/arohanajit/Distributed-VectorDB/internal/storage"
	"go.uber.org/zap"
)

// Responder identifies which member answered a read
type Responder struct {
	NodeID string       `json:"nodeId"`
	Role   cluster.Role `json:"role"`
	Term   uint64       `json:"term"`
}

// SearchResult is the answer to a search
type SearchResult struct {
	Responder
	Results []storage.Neighbor `json:"results"`
}

// QueryResult is the answer to a point lookup. A miss is Found=false, not an
// error.
type QueryResult struct {
	Responder
	Found  bool                  `json:"found"`
	Record *storage.VectorRecord `json:"record,omitempty"`
}

// Group is the part of the membership group the adapter needs
type Group interface {
	NodeID() string
	Role() cluster.Role
	Leader() cluster.LeaderInfo
	IsLeader() bool
	NotLeader() *errs.NotLeaderError
	Apply(ctx context.Context, cmd []byte) (interface{}, error)
}

// Adapter gates writes on leadership and serves reads from the local replica
type Adapter struct {
	group   Group
	store   storage.Store
	logger  *zap.Logger
	metrics *metrics.GroupMetricsCollector
}

// NewAdapter creates an adapter over the local replica store, which must be
// the store driven by group's state machine
func NewAdapter(group Group, store storage.Store, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{group: group, store: store, logger: logger}
}

// WithMetrics reports failed writes to collector
func (a *Adapter) WithMetrics(collector *metrics.GroupMetricsCollector) *Adapter {
	a.metrics = collector
	return a
}

// Insert replicates one record. Only the leader accepts it.
func (a *Adapter) Insert(ctx context.Context, rec storage.VectorRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if !a.group.IsLeader() {
		return a.group.NotLeader()
	}

	cmd, err := cluster.EncodeInsert(rec)
	if err != nil {
		return err
	}
	return a.apply(ctx, cmd, cluster.OpInsert, 1)
}

// InsertBatch replicates every record as one log entry; the batch is applied
// whole or not at all
func (a *Adapter) InsertBatch(ctx context.Context, recs []storage.VectorRecord) error {
	if len(recs) == 0 {
		return errs.Validation("objects cannot be empty")
	}
	for i, rec := range recs {
		if err := validateRecord(rec); err != nil {
			return fmt.Errorf("object %d: %w", i, err)
		}
	}
	if !a.group.IsLeader() {
		return a.group.NotLeader()
	}

	cmd, err := cluster.EncodeInsertBatch(recs)
	if err != nil {
		return err
	}
	return a.apply(ctx, cmd, cluster.OpInsertBatch, len(recs))
}

func (a *Adapter) apply(ctx context.Context, cmd []byte, op cluster.Op, count int) error {
	resp, err := a.group.Apply(ctx, cmd)
	if err != nil {
		a.recordError(op)
		return err
	}
	if applyErr, ok := resp.(error); ok && applyErr != nil {
		a.recordError(op)
		return storageError(applyErr)
	}

	a.logger.Debug("Write applied", zap.Int("records", count))
	return nil
}

func (a *Adapter) recordError(op cluster.Op) {
	if a.metrics != nil {
		a.metrics.RecordApplyError(op.String())
	}
}

// Search runs a nearest-neighbour search on the local replica
func (a *Adapter) Search(vector []float32, k int, indexType string) (SearchResult, error) {
	results, err := a.store.Search(vector, k, indexType)
	if err != nil {
		return SearchResult{}, storageError(err)
	}
	if results == nil {
		results = []storage.Neighbor{}
	}
	return SearchResult{Responder: a.responder(), Results: results}, nil
}

// Query looks a record up by id on the local replica
func (a *Adapter) Query(id uint64) (QueryResult, error) {
	res := QueryResult{Responder: a.responder()}
	rec, err := a.store.Get(id)
	switch {
	case errors.Is(err, storage.ErrIDNotFound):
		return res, nil
	case err != nil:
		return QueryResult{}, storageError(err)
	}
	res.Found = true
	res.Record = &rec
	return res, nil
}

func (a *Adapter) responder() Responder {
	return Responder{
		NodeID: a.group.NodeID(),
		Role:   a.group.Role(),
		Term:   a.group.Leader().Term,
	}
}

func validateRecord(rec storage.VectorRecord) error {
	if len(rec.Vector) == 0 {
		return errs.Validation("id %d: %v", rec.ID, storage.ErrEmptyVector)
	}
	if err := storage.ValidateIndexType(rec.IndexType); err != nil {
		return errs.Validation("%v", err)
	}
	return nil
}

// storageError classifies engine rejections as validation errors
func storageError(err error) error {
	switch {
	case errors.Is(err, storage.ErrEmptyVector),
		errors.Is(err, storage.ErrDimensionMismatch),
		errors.Is(err, storage.ErrInvalidK),
		errors.Is(err, storage.ErrUnsupportedIndex):
		return errs.Validation("%v", err)
	default:
		return err
	}
}
