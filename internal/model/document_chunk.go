package model

import "time"

// DocumentChunk is one embedded text window of a document, kept for
// traceability. Ordinals are contiguous from 0 for a given document.
// VectorID is the key of the matching entry in the vector index; it must be
// unique process-wide or an upsert would silently overwrite a foreign vector.
type DocumentChunk struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DocumentID uint      `gorm:"not null;index:idx_doc_ordinal,unique" json:"document_id"`
	Ordinal    int       `gorm:"not null;index:idx_doc_ordinal,unique" json:"ordinal"`
	Content    string    `gorm:"type:text;not null" json:"content"`
	VectorID   string    `gorm:"size:128;not null;uniqueIndex" json:"vector_id"`
	Metadata   string    `gorm:"type:text" json:"-"` // JSON snapshot of the vector payload
	CreatedAt  time.Time `json:"created_at"`
}
