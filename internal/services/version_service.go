package services

import (
	"context"
	"fmt"

	"plume-collab/internal/collab"
	"plume-collab/internal/content"
	"plume-collab/internal/middleware"
	"plume-collab/internal/models"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

/*
VERSION SERVICE

Version history for the API. Editors create versions themselves through the
autosave controller; this service covers what happens outside an editor:

  POST /versions          -> Create (explicit snapshot of given content)
  POST /versions/{id}/restore
      1. keep the current content as a "Before restore" version
      2. overwrite the scene's content with the version's
      3. push the content into the live relay room, if the relay runs here

Step 3 keeps connected editors from writing the old text straight back on
their next autosave.
*/

// VersionServiceImpl manages scene versions and restores.
type VersionServiceImpl struct {
	scenes   SceneRepository
	versions VersionRepository
	rooms    RoomWriter
	logger   zerolog.Logger
}

// NewVersionService creates the service. rooms may be nil when no relay runs in
// this process.
func NewVersionService(scenes SceneRepository, versions VersionRepository, rooms RoomWriter, logger zerolog.Logger) *VersionServiceImpl {
	return &VersionServiceImpl{
		scenes:   scenes,
		versions: versions,
		rooms:    rooms,
		logger:   logger,
	}
}

func (s *VersionServiceImpl) List(ctx context.Context, sceneID string) ([]*models.SceneVersion, error) {
	return s.versions.ListVersions(ctx, sceneID)
}

// Create stores a version of sceneID. Its word count is computed on insert.
func (s *VersionServiceImpl) Create(ctx context.Context, sceneID string, req *models.VersionCreate) (*models.SceneVersion, error) {
	v := &models.SceneVersion{
		SceneID:   sceneID,
		ProjectID: req.ProjectID,
		Content:   req.Content,
		CreatedBy: req.CreatedBy,
		Label:     req.Label,
	}
	if err := s.versions.CreateVersion(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *VersionServiceImpl) Delete(ctx context.Context, id string) error {
	return s.versions.DeleteVersion(ctx, id)
}

// Restore makes version id the scene's current content and returns it.
func (s *VersionServiceImpl) Restore(ctx context.Context, id, restoredBy string) (*models.SceneContent, error) {
	ctx, span := middleware.StartSpan(ctx, "VersionService.Restore", attribute.String("version.id", id))
	defer span.End()

	v, err := s.versions.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	current, err := s.scenes.GetSceneContent(ctx, v.SceneID)
	if err != nil {
		return nil, err
	}

	if !content.IsBlank(current.Content) && current.Content != v.Content {
		label := models.VersionLabelRestore
		before := &models.SceneVersion{
			SceneID:   v.SceneID,
			ProjectID: v.ProjectID,
			Content:   current.Content,
			CreatedBy: restoredBy,
			Label:     &label,
		}
		if err := s.versions.CreateVersion(ctx, before); err != nil {
			middleware.AddSpanError(ctx, err)
			return nil, fmt.Errorf("failed to keep current content: %w", err)
		}
	}

	if err := s.scenes.SaveSceneContent(ctx, v.SceneID, v.Content); err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	if s.rooms != nil {
		// The durable restore already happened; a relay failure only means live
		// editors keep the old text until they reload.
		if err := s.rooms.ReplaceRoomContent(ctx, collab.RoomName(v.SceneID), v.Content); err != nil {
			middleware.AddSpanError(ctx, err)
			s.logger.Warn().Err(err).Str("scene_id", v.SceneID).Msg("restore not pushed to live room")
		}
	}

	s.logger.Info().
		Str("scene_id", v.SceneID).
		Str("version_id", v.ID).
		Str("restored_by", restoredBy).
		Msg("version restored")

	return &models.SceneContent{
		SceneID:   v.SceneID,
		Content:   v.Content,
		WordCount: content.CountWords(v.Content),
	}, nil
}
