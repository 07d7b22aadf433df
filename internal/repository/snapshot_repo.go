package repository

import (
	"context"
	"errors"
	"fmt"

	"plume-collab/internal/middleware"
	"plume-collab/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotRepositoryImpl persists relay room snapshots. One row per room,
// replaced on every flush.
type SnapshotRepositoryImpl struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db}
}

// LoadSnapshot returns nil, nil when the room has never been saved.
func (r *SnapshotRepositoryImpl) LoadSnapshot(ctx context.Context, room string) (*models.RoomSnapshot, error) {
	ctx, span := middleware.StartSpan(ctx, "SnapshotRepository.LoadSnapshot",
		attribute.String("room", room))
	defer span.End()

	var snap models.RoomSnapshot
	err := r.db.WithContext(ctx).First(&snap, "room = ?", room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to load room snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot inserts or replaces the room's snapshot.
func (r *SnapshotRepositoryImpl) SaveSnapshot(ctx context.Context, snap *models.RoomSnapshot) error {
	ctx, span := middleware.StartSpan(ctx, "SnapshotRepository.SaveSnapshot",
		attribute.String("room", snap.Room),
		attribute.Int("snapshot.bytes", len(snap.State)))
	defer span.End()

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "vector", "updated_at"}),
		}).
		Create(snap).Error
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to save room snapshot: %w", err)
	}
	return nil
}

