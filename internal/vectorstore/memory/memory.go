package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"alumniportal/internal/vectorstore"
)

// Index is an in-process vector index with cosine similarity and the same
// equality-AND filter semantics as the Qdrant adapter. Used in tests and as
// a standalone-mode fallback.
type Index struct {
	mu      sync.RWMutex
	entries map[string]vectorstore.Entry
}

func New() *Index {
	return &Index{entries: make(map[string]vectorstore.Entry)}
}

func (i *Index) Upsert(_ context.Context, entries []vectorstore.Entry) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, e := range entries {
		meta := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		i.entries[e.ID] = vectorstore.Entry{
			ID:       e.ID,
			Vector:   vec,
			Text:     e.Text,
			Metadata: meta,
		}
	}
	return nil
}

func (i *Index) Search(_ context.Context, vector []float32, k int, filter map[string]string) ([]vectorstore.Result, error) {
	if k <= 0 {
		k = 5
	}
	i.mu.RLock()
	defer i.mu.RUnlock()

	var results []vectorstore.Result
	for _, e := range i.entries {
		if !matches(e.Metadata, filter) {
			continue
		}
		// Copy out, mirroring the copy on Upsert: callers may mutate the
		// result without corrupting the stored entry.
		meta := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		results = append(results, vectorstore.Result{
			ID:       e.ID,
			Text:     e.Text,
			Score:    cosineSimilarity(vector, e.Vector),
			Metadata: meta,
		})
	}
	sort.Slice(results, func(a, b int) bool { return results[a].Score > results[b].Score })
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

func (i *Index) Delete(_ context.Context, ids []string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, id := range ids {
		delete(i.entries, id)
	}
	return nil
}

// Len reports the number of stored entries.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

// matches requires every filter key to be present with exactly the filter
// value. An entry missing a filtered key never matches: a tenant-scoped
// search cannot leak untagged vectors.
func matches(meta, filter map[string]string) bool {
	for k, want := range filter {
		got, ok := meta[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA <= 0 || normB <= 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
