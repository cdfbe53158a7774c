package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"alumniportal/internal/model"
)

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(doc *model.Document) error {
	if err := r.db.Create(doc).Error; err != nil {
		return fmt.Errorf("create document failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(id uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.First(&doc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) GetByIDAndUploader(id, uploaderID uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.Where("id = ? AND uploader_id = ?", id, uploaderID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

// GetByIDs loads a batch of documents for post-retrieval visibility checks.
// Missing ids are simply absent from the result.
func (r *DocumentRepository) GetByIDs(ids []uint) ([]model.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var docs []model.Document
	if err := r.db.Where("id IN ?", ids).Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("get documents by ids failed: %w", err)
	}
	return docs, nil
}

func (r *DocumentRepository) ListByUploader(uploaderID uint) ([]model.Document, error) {
	var list []model.Document
	if err := r.db.Where("uploader_id = ?", uploaderID).Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list documents failed: %w", err)
	}
	return list, nil
}

// ClaimForProcessing atomically flips pending -> processing through the row
// itself, so two concurrent triggers for the same document cannot both run:
// the loser sees zero affected rows and no-ops.
func (r *DocumentRepository) ClaimForProcessing(id uint) (bool, error) {
	res := r.db.Model(&model.Document{}).
		Where("id = ? AND status = ?", id, model.DocumentStatusPending).
		Update("status", model.DocumentStatusProcessing)
	if res.Error != nil {
		return false, fmt.Errorf("claim document for processing failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkProcessed sets the processed status and the collection reference in a
// single update: no reader can observe processed with a null reference.
func (r *DocumentRepository) MarkProcessed(id uint, collectionRef string) error {
	res := r.db.Model(&model.Document{}).
		Where("id = ? AND status = ?", id, model.DocumentStatusProcessing).
		Updates(map[string]any{
			"status":         model.DocumentStatusProcessed,
			"collection_ref": collectionRef,
			"fail_reason":    "",
		})
	if res.Error != nil {
		return fmt.Errorf("mark document processed failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark document processed: document %d not in processing state", id)
	}
	return nil
}

// MarkFailed records the terminal failure and its internal cause. The cause
// is for operators; callers polling the document only see the status.
func (r *DocumentRepository) MarkFailed(id uint, reason string) error {
	res := r.db.Model(&model.Document{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      model.DocumentStatusFailed,
			"fail_reason": reason,
		})
	if res.Error != nil {
		return fmt.Errorf("mark document failed failed: %w", res.Error)
	}
	return nil
}

// ResetForReingest flips a terminal document (processed or failed) back to
// pending and clears the collection reference. Returns false when the
// document is currently pending or processing.
func (r *DocumentRepository) ResetForReingest(id uint) (bool, error) {
	res := r.db.Model(&model.Document{}).
		Where("id = ? AND status IN ?", id, []string{model.DocumentStatusProcessed, model.DocumentStatusFailed}).
		Updates(map[string]any{
			"status":         model.DocumentStatusPending,
			"collection_ref": nil,
			"fail_reason":    "",
		})
	if res.Error != nil {
		return false, fmt.Errorf("reset document for reingest failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// UpdateDetails edits the caller-visible attributes only; the ingestion
// status columns are owned by the pipeline and never touched here.
func (r *DocumentRepository) UpdateDetails(id uint, title string, isPublic bool) error {
	res := r.db.Model(&model.Document{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"title":     title,
			"is_public": isPublic,
		})
	if res.Error != nil {
		return fmt.Errorf("update document details failed: %w", res.Error)
	}
	return nil
}

func (r *DocumentRepository) Delete(id uint) error {
	if err := r.db.Delete(&model.Document{}, id).Error; err != nil {
		return fmt.Errorf("delete document failed: %w", err)
	}
	return nil
}
