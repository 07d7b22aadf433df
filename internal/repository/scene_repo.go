package repository

import (
	"context"
	"errors"
	"fmt"

	"plume-collab/internal/content"
	"plume-collab/internal/middleware"
	"plume-collab/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// SceneRepositoryImpl stores projects and the materialized content of their scenes.
type SceneRepositoryImpl struct {
	db *gorm.DB
}

// NewSceneRepository creates a new scene repository
func NewSceneRepository(db *gorm.DB) *SceneRepositoryImpl {
	return &SceneRepositoryImpl{db: db}
}

// CreateProject inserts a project. The KSUID is generated in BeforeCreate.
func (r *SceneRepositoryImpl) CreateProject(ctx context.Context, p *models.Project) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

func (r *SceneRepositoryImpl) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

// CreateScene inserts a scene into an existing project.
func (r *SceneRepositoryImpl) CreateScene(ctx context.Context, s *models.Scene) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("failed to create scene: %w", err)
	}
	return nil
}

// ListProjectScenes returns a project's scenes in creation order.
// KSUIDs sort by creation time, so ordering by id is enough.
func (r *SceneRepositoryImpl) ListProjectScenes(ctx context.Context, projectID string) ([]*models.Scene, error) {
	var scenes []*models.Scene
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id ASC").
		Find(&scenes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list scenes: %w", err)
	}
	return scenes, nil
}

// GetSceneContent returns the last saved HTML of a scene.
func (r *SceneRepositoryImpl) GetSceneContent(ctx context.Context, sceneID string) (*models.SceneContent, error) {
	ctx, span := middleware.StartSpan(ctx, "SceneRepository.GetSceneContent",
		attribute.String("scene.id", sceneID))
	defer span.End()

	var s models.Scene
	err := r.db.WithContext(ctx).
		Select("id", "content", "word_count", "updated_at").
		First(&s, "id = ?", sceneID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("scene %s: %w", sceneID, ErrNotFound)
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to get scene content: %w", err)
	}

	return &models.SceneContent{
		SceneID:   s.ID,
		Content:   s.Content,
		WordCount: s.WordCount,
		UpdatedAt: s.UpdatedAt,
	}, nil
}

// SaveSceneContent overwrites a scene's content and recounts its words.
func (r *SceneRepositoryImpl) SaveSceneContent(ctx context.Context, sceneID, html string) error {
	wordCount := content.CountWords(html)
	ctx, span := middleware.StartSpan(ctx, "SceneRepository.SaveSceneContent",
		attribute.String("scene.id", sceneID),
		attribute.Int("scene.word_count", wordCount))
	defer span.End()

	result := r.db.WithContext(ctx).
		Model(&models.Scene{}).
		Where("id = ?", sceneID).
		Updates(map[string]interface{}{
			"content":    html,
			"word_count": wordCount,
		})
	if result.Error != nil {
		middleware.AddSpanError(ctx, result.Error)
		return fmt.Errorf("failed to save scene content: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("scene %s: %w", sceneID, ErrNotFound)
	}
	return nil
}
