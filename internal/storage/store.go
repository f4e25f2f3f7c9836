package storage

import (
	"cmp"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

var (
	ErrIDNotFound        = errors.New("vector id not found")
	ErrEmptyVector       = errors.New("vector cannot be empty")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrInvalidK          = errors.New("k must be positive")
	ErrUnsupportedIndex  = errors.New("unsupported index type")
)

// Store defines the interface for vector storage operations
type Store interface {
	Put(rec VectorRecord) error
	PutBatch(recs []VectorRecord) error
	Get(id uint64) (VectorRecord, error)
	Search(vector []float32, k int, indexType string) ([]Neighbor, error)
	Len() int
	Records() []VectorRecord
	Replace(recs []VectorRecord) error
}

// FlatStore is a thread-safe in-memory vector store answering searches by
// exhaustive squared-L2 scan. Every index tag is served by the same scan.
type FlatStore struct {
	mu        sync.RWMutex
	dimension int
	data      map[uint64]VectorRecord
}

// NewStore creates a new FlatStore. A zero dimension is fixed by the first
// inserted vector.
func NewStore(dimension int) *FlatStore {
	return &FlatStore{
		dimension: dimension,
		data:      make(map[uint64]VectorRecord),
	}
}

// ValidateIndexType checks an index tag. Empty means FLAT.
func ValidateIndexType(indexType string) error {
	switch indexType {
	case "", IndexFlat, IndexHNSW, IndexHNSWFlat:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedIndex, indexType)
	}
}

// Put stores a record, overwriting any previous record with the same id.
func (s *FlatStore) Put(rec VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLocked(rec); err != nil {
		return err
	}
	s.putLocked(rec)
	return nil
}

// PutBatch stores all records or none of them.
func (s *FlatStore) PutBatch(recs []VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dimension
	for _, rec := range recs {
		if err := s.checkLocked(rec); err != nil {
			s.dimension = dim
			return fmt.Errorf("record %d: %w", rec.ID, err)
		}
	}
	for _, rec := range recs {
		s.putLocked(rec)
	}
	return nil
}

func (s *FlatStore) checkLocked(rec VectorRecord) error {
	if len(rec.Vector) == 0 {
		return ErrEmptyVector
	}
	if err := ValidateIndexType(rec.IndexType); err != nil {
		return err
	}
	if s.dimension == 0 {
		s.dimension = len(rec.Vector)
	}
	if len(rec.Vector) != s.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(rec.Vector), s.dimension)
	}
	return nil
}

func (s *FlatStore) putLocked(rec VectorRecord) {
	// Copy so callers cannot mutate stored vectors
	s.data[rec.ID] = rec.clone()
}

// Get retrieves a record by id
func (s *FlatStore) Get(id uint64) (VectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.data[id]
	if !exists {
		return VectorRecord{}, ErrIDNotFound
	}
	return rec.clone(), nil
}

// Search returns up to k nearest records ordered by ascending distance, ties
// broken by ascending id.
func (s *FlatStore) Search(vector []float32, k int, indexType string) ([]Neighbor, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(vector) == 0 {
		return nil, ErrEmptyVector
	}
	if err := ValidateIndexType(indexType); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dimension != 0 && len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.dimension)
	}

	hits := make([]Neighbor, 0, len(s.data))
	for id, rec := range s.data {
		hits = append(hits, Neighbor{ID: id, Distance: squaredL2(vector, rec.Vector)})
	}
	slices.SortFunc(hits, func(a, b Neighbor) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Len returns the number of stored records
func (s *FlatStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Records returns copies of all records ordered by id
func (s *FlatStore) Records() []VectorRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]VectorRecord, 0, len(s.data))
	for _, rec := range s.data {
		recs = append(recs, rec.clone())
	}
	slices.SortFunc(recs, func(a, b VectorRecord) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return recs
}

// Replace swaps the whole content, used when restoring a snapshot.
func (s *FlatStore) Replace(recs []VectorRecord) error {
	data := make(map[uint64]VectorRecord, len(recs))
	dim := 0
	for _, rec := range recs {
		if dim == 0 {
			dim = len(rec.Vector)
		}
		if len(rec.Vector) != dim {
			return fmt.Errorf("%w: record %d", ErrDimensionMismatch, rec.ID)
		}
		data[rec.ID] = rec.clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	if dim != 0 {
		s.dimension = dim
	}
	return nil
}
