package relay

import (
	"context"

	"plume-collab/internal/models"
)

// SnapshotStore persists the encoded state of relay rooms.
type SnapshotStore interface {
	// LoadSnapshot returns nil without error when the room has never been saved.
	LoadSnapshot(ctx context.Context, room string) (*models.RoomSnapshot, error)
	SaveSnapshot(ctx context.Context, snapshot *models.RoomSnapshot) error
}

// Publisher fans frames out to other relay instances.
type Publisher interface {
	Publish(ctx context.Context, room string, frame []byte) error
}
