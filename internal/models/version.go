package models

import (
	"time"

	"plume-collab/internal/content"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Version labels written by the editor.
const (
	VersionLabelInitial = "Initial snapshot"
	VersionLabelManual  = "Manual save"
	VersionLabelRestore = "Before restore"
)

// SceneVersion is an immutable snapshot of a scene's content. Versions are only
// ever created or deleted.
type SceneVersion struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	SceneID   string    `json:"scene_id" gorm:"type:char(27);not null;index:idx_scene_versions_time"`
	ProjectID string    `json:"project_id" gorm:"type:char(27);not null;index"`
	Content   string    `json:"content" gorm:"type:text;not null"`
	WordCount int       `json:"word_count" gorm:"not null;default:0"`
	CreatedBy string    `json:"created_by" gorm:"type:varchar(64)"`
	Label     *string   `json:"label,omitempty" gorm:"type:varchar(255)"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_scene_versions_time"`
}

// BeforeCreate generates KSUID and counts the words of Content
func (v *SceneVersion) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = ksuid.New().String()
	}
	v.WordCount = content.CountWords(v.Content)
	return nil
}

func (SceneVersion) TableName() string {
	return "scene_versions"
}

// VersionCreate is the body of a version creation request.
type VersionCreate struct {
	ProjectID string  `json:"project_id"`
	Content   string  `json:"content"`
	Label     *string `json:"label,omitempty"`
	CreatedBy string  `json:"created_by"`
}
