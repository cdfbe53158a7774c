package repository

import (
	"fmt"

	"gorm.io/gorm"

	"alumniportal/internal/model"
)

type ChunkRepository struct {
	db *gorm.DB
}

func NewChunkRepository(db *gorm.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

func (r *ChunkRepository) CreateBatch(chunks []model.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := r.db.Create(&chunks).Error; err != nil {
		return fmt.Errorf("create chunks batch failed: %w", err)
	}
	return nil
}

func (r *ChunkRepository) ListByDocumentID(documentID uint) ([]model.DocumentChunk, error) {
	var chunks []model.DocumentChunk
	if err := r.db.Where("document_id = ?", documentID).Order("ordinal ASC").Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("list chunks failed: %w", err)
	}
	return chunks, nil
}

// VectorIDsByDocumentID returns the vector-index keys of all chunks of a
// document, for cascade deletion from the index.
func (r *ChunkRepository) VectorIDsByDocumentID(documentID uint) ([]string, error) {
	var ids []string
	if err := r.db.Model(&model.DocumentChunk{}).
		Where("document_id = ?", documentID).
		Pluck("vector_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list chunk vector ids failed: %w", err)
	}
	return ids, nil
}

func (r *ChunkRepository) DeleteByDocumentID(documentID uint) error {
	if err := r.db.Where("document_id = ?", documentID).Delete(&model.DocumentChunk{}).Error; err != nil {
		return fmt.Errorf("delete chunks by document failed: %w", err)
	}
	return nil
}
