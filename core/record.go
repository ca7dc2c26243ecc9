// Package core defines the data model and the adapter contracts shared by
// every store, the synchronization manager and the memory manager.
package core

import (
	"encoding/json"
	"reflect"
	"time"
)

// Kind classifies a record. Stores may index on it but never interpret it.
type Kind string

const (
	KindContext              Kind = "context"
	KindCode                 Kind = "code"
	KindKnowledge            Kind = "knowledge"
	KindSolution             Kind = "solution"
	KindEpisodic             Kind = "episodic"
	KindWorking              Kind = "working"
	KindLongTerm             Kind = "long_term"
	KindDocumentation        Kind = "documentation"
	KindConversation         Kind = "conversation"
	KindDialecticalReasoning Kind = "dialectical_reasoning"
	KindPeerReview           Kind = "peer_review"
	KindCodeAnalysis         Kind = "code_analysis"
	KindRequirement          Kind = "requirement"
	KindCollaboration        Kind = "collaboration"
)

// Record is the unit of storage. Identity is ID; storing a record whose ID
// already exists replaces it entirely.
type Record struct {
	ID        string         `json:"id"`
	Content   any            `json:"content"`
	Kind      Kind           `json:"kind,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Clone returns a deep copy of r. Nested maps and slices in Content and
// Metadata are copied so the clone can be mutated freely.
func (r Record) Clone() Record {
	out := r
	out.Content = deepCopy(r.Content)
	if r.Metadata != nil {
		out.Metadata = deepCopy(r.Metadata).(map[string]any)
	}
	return out
}

// VectorRecord is an embedding held by a vector-capable store. Its ids live
// in a namespace separate from records in the same store.
type VectorRecord struct {
	ID        string         `json:"id"`
	Content   any            `json:"content"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy of v.
func (v VectorRecord) Clone() VectorRecord {
	out := v
	out.Content = deepCopy(v.Content)
	if v.Embedding != nil {
		out.Embedding = append([]float32(nil), v.Embedding...)
	}
	if v.Metadata != nil {
		out.Metadata = deepCopy(v.Metadata).(map[string]any)
	}
	return out
}

// Result is a query hit tagged with the store it came from.
type Result struct {
	Record     Record  `json:"record"`
	Similarity float32 `json:"similarity,omitempty"`
	Source     string  `json:"source"`
}

// Equivalent reports whether a and b carry the same content and metadata.
// Values are compared after a JSON round trip so that a record read back
// from a JSON-backed store (where 1 becomes 1.0) still matches its origin.
func Equivalent(a, b Record) bool {
	return sameValue(a.Content, b.Content) && sameValue(normMeta(a.Metadata), normMeta(b.Metadata))
}

// empty and nil metadata are the same thing to every store
func normMeta(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}

func sameValue(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	var an, bn any
	if json.Unmarshal(ab, &an) != nil || json.Unmarshal(bb, &bn) != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(an, bn)
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []float32:
		return append([]float32(nil), t...)
	case []float64:
		return append([]float64(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
