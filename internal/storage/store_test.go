package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestStore_BasicOperations(t *testing.T) {
	store := NewStore(0)

	rec := VectorRecord{ID: 6, Vector: []float32{0.9}, Fields: map[string]any{"int_field": int64(49)}}
	if err := store.Put(rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(6)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Vector) != 1 || got.Vector[0] != 0.9 {
		t.Errorf("Get returned wrong vector: %v", got.Vector)
	}
	if got.Fields["int_field"] != int64(49) {
		t.Errorf("Get returned wrong field: %v", got.Fields)
	}

	if _, err := store.Get(7); err != ErrIDNotFound {
		t.Errorf("Expected ErrIDNotFound, got %v", err)
	}
}

func TestStore_SearchFindsExactMatch(t *testing.T) {
	store := NewStore(0)
	if err := store.Put(VectorRecord{ID: 6, Vector: []float32{0.9}}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	hits, err := store.Search([]float32{0.9}, 5, IndexFlat)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("Expected 1 hit, got %d", len(hits))
	}
	if hits[0].ID != 6 || hits[0].Distance != 0 {
		t.Errorf("Expected id 6 at distance 0, got %+v", hits[0])
	}
}

func TestStore_SearchOrdering(t *testing.T) {
	store := NewStore(2)
	records := []VectorRecord{
		{ID: 3, Vector: []float32{1, 0}},
		{ID: 1, Vector: []float32{0, 1}},
		{ID: 2, Vector: []float32{0, 0}},
		{ID: 9, Vector: []float32{5, 5}},
	}
	if err := store.PutBatch(records); err != nil {
		t.Fatalf("PutBatch failed: %v", err)
	}

	hits, err := store.Search([]float32{0, 0}, 3, "")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	// ids 1 and 3 are equidistant; the lower id wins the tie
	want := []uint64{2, 1, 3}
	if len(hits) != len(want) {
		t.Fatalf("Expected %d hits, got %d", len(want), len(hits))
	}
	for i, id := range want {
		if hits[i].ID != id {
			t.Errorf("hit %d: got id %d, want %d", i, hits[i].ID, id)
		}
	}
}

func TestStore_Validation(t *testing.T) {
	store := NewStore(2)

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"empty vector", store.Put(VectorRecord{ID: 1}), ErrEmptyVector},
		{"wrong dimension", store.Put(VectorRecord{ID: 1, Vector: []float32{1, 2, 3}}), ErrDimensionMismatch},
		{"unknown index", store.Put(VectorRecord{ID: 1, Vector: []float32{1, 2}, IndexType: "IVFPQ"}), ErrUnsupportedIndex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, tt.err)
			}
		})
	}

	if _, err := store.Search([]float32{1, 2}, 0, ""); err != ErrInvalidK {
		t.Errorf("Expected ErrInvalidK, got %v", err)
	}
}

func TestStore_PutBatchIsAllOrNothing(t *testing.T) {
	store := NewStore(0)
	err := store.PutBatch([]VectorRecord{
		{ID: 1, Vector: []float32{1, 1}},
		{ID: 2, Vector: []float32{1}},
	})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("Expected ErrDimensionMismatch, got %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Expected empty store after failed batch, got %d records", store.Len())
	}

	// the failed batch must not pin the dimension
	if err := store.Put(VectorRecord{ID: 3, Vector: []float32{1, 2, 3}}); err != nil {
		t.Errorf("Put after failed batch: %v", err)
	}
}

func TestStore_OverwriteByID(t *testing.T) {
	store := NewStore(0)
	store.Put(VectorRecord{ID: 1, Vector: []float32{1}})
	store.Put(VectorRecord{ID: 1, Vector: []float32{2}})

	if store.Len() != 1 {
		t.Fatalf("Expected 1 record, got %d", store.Len())
	}
	got, _ := store.Get(1)
	if got.Vector[0] != 2 {
		t.Errorf("Expected overwritten vector, got %v", got.Vector)
	}
}

func TestStore_ReturnedDataIsCopied(t *testing.T) {
	store := NewStore(0)
	vec := []float32{1, 2}
	store.Put(VectorRecord{ID: 1, Vector: vec})
	vec[0] = 100

	got, _ := store.Get(1)
	got.Vector[1] = 200

	again, _ := store.Get(1)
	if again.Vector[0] != 1 || again.Vector[1] != 2 {
		t.Errorf("Stored vector was mutated: %v", again.Vector)
	}
}

func TestStore_ReplaceAndRecords(t *testing.T) {
	store := NewStore(0)
	store.Put(VectorRecord{ID: 42, Vector: []float32{1}})

	err := store.Replace([]VectorRecord{
		{ID: 5, Vector: []float32{1, 1}},
		{ID: 4, Vector: []float32{2, 2}},
	})
	if err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	recs := store.Records()
	if len(recs) != 2 || recs[0].ID != 4 || recs[1].ID != 5 {
		t.Errorf("Unexpected records after Replace: %+v", recs)
	}
	if _, err := store.Get(42); err != ErrIDNotFound {
		t.Errorf("Expected old record to be gone, got %v", err)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := NewStore(4)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(id uint64) {
			defer wg.Done()
			if err := store.Put(VectorRecord{ID: id, Vector: []float32{float32(id), 0, 0, 0}}); err != nil {
				t.Errorf("Put %d: %v", id, err)
			}
		}(uint64(i))
		go func() {
			defer wg.Done()
			if _, err := store.Search([]float32{1, 0, 0, 0}, 3, ""); err != nil {
				t.Errorf("Search: %v", err)
			}
		}()
	}
	wg.Wait()

	if store.Len() != 50 {
		t.Errorf("Expected 50 records, got %d", store.Len())
	}
}

func TestVectorRecord_JSON(t *testing.T) {
	var rec VectorRecord
	body := `{"id": 6, "vector": [0.5, 0.25], "int_field": 49, "tag": "a"}`
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if rec.ID != 6 || len(rec.Vector) != 2 {
		t.Errorf("Unexpected record: %+v", rec)
	}
	if rec.Fields["int_field"] != int64(49) || rec.Fields["tag"] != "a" {
		t.Errorf("Unexpected fields: %v", rec.Fields)
	}

	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var flat map[string]any
	json.Unmarshal(out, &flat)
	if flat["tag"] != "a" || flat["id"] != float64(6) {
		t.Errorf("Fields not flattened: %s", out)
	}

	for _, bad := range []string{`{"vector": [1]}`, `{"id": 1}`, `{"id": "x", "vector": [1]}`} {
		if err := json.Unmarshal([]byte(bad), &rec); err == nil {
			t.Errorf("Expected error for %s", bad)
		}
	}
}

func ExampleFlatStore_Search() {
	store := NewStore(1)
	store.Put(VectorRecord{ID: 6, Vector: []float32{0.9}})
	store.Put(VectorRecord{ID: 7, Vector: []float32{0.1}})

	hits, _ := store.Search([]float32{0.9}, 5, IndexFlat)
	for _, h := range hits {
		fmt.Println(h.ID)
	}
	// Output:
	// 6
	// 7
}
