package rag

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is an in-process VectorIndex with cosine similarity. Used by
// tests and qdrant-less deployments.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]Point
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]Point)}
}

func (m *MemoryIndex) Upsert(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		payload := make(map[string]string, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		m.points[p.ID] = Point{ID: p.ID, Vector: vec, Payload: payload}
	}
	return nil
}

func (m *MemoryIndex) Delete(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, vector []float32, k int, filter map[string]string) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	for _, p := range m.points {
		if !matches(p.Payload, filter) {
			continue
		}
		hits = append(hits, Hit{ID: p.ID, Score: cosine(vector, p.Vector), Payload: p.Payload})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func matches(payload, filter map[string]string) bool {
	for k, v := range filter {
		if payload[k] != v {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
