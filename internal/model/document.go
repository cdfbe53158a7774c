package model

import "time"

// Document status lifecycle: pending -> processing -> processed | failed.
// Re-ingestion resets a terminal document back to pending.
const (
	DocumentStatusPending    = "pending"
	DocumentStatusProcessing = "processing"
	DocumentStatusProcessed  = "processed"
	DocumentStatusFailed     = "failed"
)

// Supported file types. Legacy .doc is recognized but not extractable.
const (
	FileTypePDF   = "pdf"
	FileTypeDoc   = "doc"
	FileTypeDocx  = "docx"
	FileTypeTxt   = "txt"
	FileTypeMd    = "md"
	FileTypeOther = "other"
)

// Document is one uploaded source file. UniversityID is the tenant boundary;
// nil means globally visible. CollectionRef is set only together with the
// processed status flip.
type Document struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Title         string    `gorm:"size:256;not null" json:"title"`
	FileRef       string    `gorm:"size:512;not null" json:"-"`
	FileType      string    `gorm:"size:16;not null" json:"file_type"`
	UploaderID    uint      `gorm:"not null;index" json:"uploader_id"`
	UniversityID  *uint     `gorm:"index" json:"university_id"`
	Status        string    `gorm:"size:16;not null;index;default:pending" json:"status"`
	CollectionRef *string   `gorm:"size:64" json:"collection_ref"`
	IsPublic      bool      `gorm:"not null;default:false" json:"is_public"`
	FailReason    string    `gorm:"type:text" json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
