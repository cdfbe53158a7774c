package ai

import (
	"encoding/json"
	"fmt"
)

// The inference API has shipped several response shapes over time: a bare
// vector, a batch wrapped around a single vector, and keyed objects. This
// file is the only place that knows about those shapes; everything above it
// sees canonical []float32 values or a typed error.

// normalizeVector coerces a single-text embedding response into a vector.
func normalizeVector(raw json.RawMessage) ([]float32, error) {
	var flat []float32
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat) > 0 {
		return flat, nil
	}

	var nested [][]float32
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested) > 0 && len(nested[0]) > 0 {
		return nested[0], nil
	}

	var keyed struct {
		Embedding []float32       `json:"embedding"`
		Output    json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(raw, &keyed); err == nil {
		if len(keyed.Embedding) > 0 {
			return keyed.Embedding, nil
		}
		if len(keyed.Output) > 0 {
			return normalizeVector(keyed.Output)
		}
	}

	return nil, fmt.Errorf("%w: unrecognized embedding response shape", ErrEmbeddingRejected)
}

// normalizeBatch coerces a batch response into exactly n slots, one per input
// text in order. A slot that cannot be read as a vector becomes nil rather
// than failing the whole batch; a count mismatch fails the call, since slot
// positions would no longer line up with input order.
func normalizeBatch(raw json.RawMessage, n int) ([][]float32, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		var keyed struct {
			Output json.RawMessage `json:"output"`
		}
		if err := json.Unmarshal(raw, &keyed); err == nil && len(keyed.Output) > 0 {
			return normalizeBatch(keyed.Output, n)
		}
		return nil, fmt.Errorf("%w: batch response is not a list", ErrEmbeddingRejected)
	}

	if len(items) != n {
		return nil, fmt.Errorf("%w: batch returned %d results for %d inputs", ErrEmbeddingRejected, len(items), n)
	}

	out := make([][]float32, n)
	for i, item := range items {
		vec, err := normalizeVector(item)
		if err != nil {
			out[i] = nil
			continue
		}
		out[i] = vec
	}
	return out, nil
}
