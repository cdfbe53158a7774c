package vectorstore

import (
	"context"
	"errors"
)

// Metadata keys shared by every adapter. TenantKey carries the university id
// and is the sole mechanism isolating retrieval between tenants.
const (
	DocumentIDKey = "document_id"
	OrdinalKey    = "chunk_ordinal"
	TitleKey      = "title"
	FileTypeKey   = "file_type"
	TenantKey     = "university_id"
)

// ErrWriteFailed marks an upsert that may have landed partially; the owning
// ingestion run must fail rather than report success.
var ErrWriteFailed = errors.New("vector index write failed")

// Entry is one stored (vector, text, metadata) tuple keyed by ID.
type Entry struct {
	ID       string
	Vector   []float32
	Text     string
	Metadata map[string]string
}

// Result is one search hit, similarity-descending order.
type Result struct {
	ID       string
	Text     string
	Score    float32
	Metadata map[string]string
}

// Index is the nearest-neighbor store consumed by the pipeline and the
// composer. Filters are equality matches ANDed together: an entry matches
// only if every filter key is present in its metadata with exactly the
// filter value. Upsert is all-or-nothing; Delete is idempotent.
type Index interface {
	Upsert(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Result, error)
	Delete(ctx context.Context, ids []string) error
}
