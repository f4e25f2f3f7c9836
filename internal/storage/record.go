package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Index type tags understood by the flat engine. The tag is carried with each
// record and otherwise opaque to the cluster layer.
const (
	IndexFlat     = "FLAT"
	IndexHNSW     = "HNSW"
	IndexHNSWFlat = "HNSWFLAT"
)

// VectorRecord is a stored vector with its optional scalar fields.
type VectorRecord struct {
	ID        uint64         `msgpack:"id"`
	Vector    []float32      `msgpack:"vector"`
	Fields    map[string]any `msgpack:"fields,omitempty"`
	IndexType string         `msgpack:"index_type,omitempty"`
}

// Neighbor is one search hit.
type Neighbor struct {
	ID       uint64  `json:"id"`
	Distance float32 `json:"distance"`
}

// MarshalJSON writes the record as a flat object: id, vector and every scalar
// field side by side, the shape clients insert with.
func (r VectorRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["id"] = r.ID
	out["vector"] = r.Vector
	return json.Marshal(out)
}

// UnmarshalJSON accepts {"id": 6, "vector": [...], "int_field": 49, ...}.
func (r *VectorRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	idRaw, ok := raw["id"]
	if !ok {
		return fmt.Errorf("missing id")
	}
	if err := json.Unmarshal(idRaw, &r.ID); err != nil {
		return fmt.Errorf("invalid id: %v", err)
	}

	vecRaw, ok := raw["vector"]
	if !ok {
		return fmt.Errorf("missing vector")
	}
	if err := json.Unmarshal(vecRaw, &r.Vector); err != nil {
		return fmt.Errorf("invalid vector: %v", err)
	}

	r.Fields = nil
	for k, v := range raw {
		if k == "id" || k == "vector" {
			continue
		}
		var val any
		dec := json.NewDecoder(bytes.NewReader(v))
		dec.UseNumber()
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("invalid field %s: %v", k, err)
		}
		if n, ok := val.(json.Number); ok {
			val = numberValue(n)
		}
		if r.Fields == nil {
			r.Fields = make(map[string]any)
		}
		r.Fields[k] = val
	}
	return nil
}

// numberValue keeps integers integral so they survive the log codec unchanged.
func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func (r VectorRecord) clone() VectorRecord {
	c := VectorRecord{ID: r.ID, IndexType: r.IndexType}
	c.Vector = make([]float32, len(r.Vector))
	copy(c.Vector, r.Vector)
	if r.Fields != nil {
		c.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	return c
}
