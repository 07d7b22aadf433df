package repository

import (
	"context"
	"errors"
	"fmt"

	"plume-collab/internal/middleware"
	"plume-collab/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

/*
SCENE VERSIONS

Versions are immutable: rows are created or deleted, never updated.

  autosave promotion (>=10 min) -> CreateVersion(label nil)
  manual save                  -> CreateVersion("Manual save")
  restore                      -> CreateVersion("Before restore") then overwrite scene content

Listing is capped; the history panel only ever shows the newest entries.
*/

// MaxVersionsListed caps ListVersions.
const MaxVersionsListed = 50

// VersionRepositoryImpl handles scene version storage
type VersionRepositoryImpl struct {
	db *gorm.DB
}

// NewVersionRepository creates a new version repository
func NewVersionRepository(db *gorm.DB) *VersionRepositoryImpl {
	return &VersionRepositoryImpl{db: db}
}

// ListVersions returns a scene's versions, newest first.
func (r *VersionRepositoryImpl) ListVersions(ctx context.Context, sceneID string) ([]*models.SceneVersion, error) {
	ctx, span := middleware.StartSpan(ctx, "VersionRepository.ListVersions",
		attribute.String("scene.id", sceneID))
	defer span.End()

	var versions []*models.SceneVersion
	err := r.db.WithContext(ctx).
		Where("scene_id = ?", sceneID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(MaxVersionsListed).
		Find(&versions).Error
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return versions, nil
}

func (r *VersionRepositoryImpl) CountVersions(ctx context.Context, sceneID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.SceneVersion{}).
		Where("scene_id = ?", sceneID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count versions: %w", err)
	}
	return n, nil
}

// CreateVersion inserts v, filling in its ID and CreatedAt.
func (r *VersionRepositoryImpl) CreateVersion(ctx context.Context, v *models.SceneVersion) error {
	ctx, span := middleware.StartSpan(ctx, "VersionRepository.CreateVersion",
		attribute.String("scene.id", v.SceneID))
	defer span.End()

	if err := r.db.WithContext(ctx).Create(v).Error; err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to create version: %w", err)
	}
	return nil
}

func (r *VersionRepositoryImpl) GetVersion(ctx context.Context, id string) (*models.SceneVersion, error) {
	var v models.SceneVersion
	err := r.db.WithContext(ctx).First(&v, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("version %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return &v, nil
}

func (r *VersionRepositoryImpl) DeleteVersion(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&models.SceneVersion{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete version: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("version %s: %w", id, ErrNotFound)
	}
	return nil
}
