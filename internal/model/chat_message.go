package model

import (
	"encoding/json"
	"time"
)

// ChatSource points at the chunk a grounded answer was built from.
type ChatSource struct {
	DocumentID uint   `json:"document_id"`
	Ordinal    int    `json:"chunk_ordinal"`
	Title      string `json:"title"`
}

// ChatMessage is one turn in a session. Assistant turns produced via
// retrieval always carry Sources (possibly an empty list).
type ChatMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID uint      `gorm:"not null;index" json:"session_id"`
	Role      string    `gorm:"size:16;not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Sources   string    `gorm:"type:text" json:"-"` // JSON array of ChatSource
	CreatedAt time.Time `json:"created_at"`
}

// SourceList returns the parsed source citations; nil when none were stored.
func (m *ChatMessage) SourceList() []ChatSource {
	if m.Sources == "" {
		return nil
	}
	var list []ChatSource
	_ = json.Unmarshal([]byte(m.Sources), &list)
	return list
}

// SetSources stores the citation list as JSON. An empty (non-nil) list is
// stored as "[]" so an assistant turn is distinguishable from a user turn.
func (m *ChatMessage) SetSources(list []ChatSource) {
	if list == nil {
		list = []ChatSource{}
	}
	b, _ := json.Marshal(list)
	m.Sources = string(b)
}
