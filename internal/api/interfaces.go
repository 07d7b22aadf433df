package api

import (
	"context"

	"plume-collab/internal/models"
)

// Handlers depend on these interfaces, declared here where they are used.

// SceneStore reads and writes the durable content of a scene.
type SceneStore interface {
	GetSceneContent(ctx context.Context, sceneID string) (*models.SceneContent, error)
	SaveSceneContent(ctx context.Context, sceneID, html string) error
}

// VersionService covers the version history endpoints.
type VersionService interface {
	List(ctx context.Context, sceneID string) ([]*models.SceneVersion, error)
	Create(ctx context.Context, sceneID string, req *models.VersionCreate) (*models.SceneVersion, error)
	Delete(ctx context.Context, id string) error
	Restore(ctx context.Context, id, restoredBy string) (*models.SceneContent, error)
}

// RelayRooms reports and manages the relay rooms live in this process.
type RelayRooms interface {
	Rooms() []models.RoomInfo
	GetSessions(room string) []models.Session
	DisconnectRoom(room string) int
}
