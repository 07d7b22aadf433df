package models

import (
	"time"

	"plume-collab/internal/content"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Project groups chapters and scenes. OwnerID decides attribution: every other
// writer is a collaborator.
type Project struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	Title     string    `json:"title" gorm:"type:text;not null"`
	OwnerID   string    `json:"owner_id" gorm:"type:varchar(64);not null;index"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = ksuid.New().String()
	}
	return nil
}

// Scene is the unit of collaborative editing. Content holds the last materialized
// HTML written by an autosave; the live copy is the replicated document.
type Scene struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	ProjectID string    `json:"project_id" gorm:"type:char(27);not null;index"`
	ChapterID string    `json:"chapter_id" gorm:"type:char(27);index"`
	Title     string    `json:"title" gorm:"type:text;not null;default:''"`
	Content   string    `json:"content" gorm:"type:text;not null;default:''"`
	WordCount int       `json:"word_count" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`

	Project *Project `json:"project,omitempty" gorm:"foreignKey:ProjectID;references:ID"`
}

// BeforeCreate hook generates KSUID before inserting. The word count is always
// derived from Content.
func (s *Scene) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	s.WordCount = content.CountWords(s.Content)
	return nil
}

// SceneContent is the durable snapshot of a scene handed to editors.
type SceneContent struct {
	SceneID   string    `json:"scene_id"`
	Content   string    `json:"content"`
	WordCount int       `json:"word_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SceneContentUpdate is the body of a content write. The server counts words
// itself; a word_count sent by the client is ignored.
type SceneContentUpdate struct {
	Content string `json:"content"`
}
