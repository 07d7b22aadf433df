package collab

import (
	"context"

	"plume-collab/internal/models"
)

// SceneStore is what editors need from durable scene storage.
type SceneStore interface {
	GetSceneContent(ctx context.Context, sceneID string) (*models.SceneContent, error)
	SaveSceneContent(ctx context.Context, sceneID, html string) error
}

// VersionStore is what editors need from the version history.
type VersionStore interface {
	CountVersions(ctx context.Context, sceneID string) (int64, error)
	CreateVersion(ctx context.Context, version *models.SceneVersion) error
	GetVersion(ctx context.Context, id string) (*models.SceneVersion, error)
}

// ProjectStore resolves projects and their scenes.
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjectScenes(ctx context.Context, projectID string) ([]*models.Scene, error)
}

// Level is the severity of a user-facing notification.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notifier surfaces problems to the user. Implementations must not block.
type Notifier interface {
	Notify(level Level, message string)
}
