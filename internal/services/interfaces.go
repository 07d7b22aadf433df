package services

import (
	"context"

	"plume-collab/internal/models"
)

// Interfaces are declared here, where they are consumed, and satisfied by the
// gorm repositories and the relay session manager.

// SceneRepository is what the services need from scene storage.
type SceneRepository interface {
	GetSceneContent(ctx context.Context, sceneID string) (*models.SceneContent, error)
	SaveSceneContent(ctx context.Context, sceneID, html string) error
}

// VersionRepository is what the services need from version storage.
type VersionRepository interface {
	ListVersions(ctx context.Context, sceneID string) ([]*models.SceneVersion, error)
	CreateVersion(ctx context.Context, v *models.SceneVersion) error
	GetVersion(ctx context.Context, id string) (*models.SceneVersion, error)
	DeleteVersion(ctx context.Context, id string) error
}

// RoomWriter replaces the content of a live relay room.
type RoomWriter interface {
	ReplaceRoomContent(ctx context.Context, room, html string) error
}
