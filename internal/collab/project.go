package collab

import (
	"context"
	"fmt"
)

// FlattenProject removes author highlights from every scene of a project. Scenes
// are opened as the project owner, so nothing new gets highlighted while the
// editor is open, and each scene is saved on close. It returns the number of
// characters cleared per scene and stops at the first scene that fails.
func (w *Workspace) FlattenProject(ctx context.Context, projects ProjectStore, projectID string) (map[string]int, error) {
	p, err := projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	scenes, err := projects.ListProjectScenes(ctx, projectID)
	if err != nil {
		return nil, err
	}

	owner := Identity{UserID: p.OwnerID, ProjectOwnerID: p.OwnerID}
	cleared := make(map[string]int, len(scenes))
	for _, s := range scenes {
		n, err := w.flattenScene(ctx, projectID, s.ID, owner)
		if err != nil {
			return cleared, fmt.Errorf("scene %s: %w", s.ID, err)
		}
		cleared[s.ID] = n
		w.Logger.Info().Str("scene_id", s.ID).Int("cleared", n).Msg("attribution flattened")
	}
	return cleared, nil
}

func (w *Workspace) flattenScene(ctx context.Context, projectID, sceneID string, owner Identity) (_ int, err error) {
	e, err := w.OpenScene(ctx, OpenOptions{ProjectID: projectID, SceneID: sceneID, Identity: owner})
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := e.Close(ctx); err == nil {
			err = cerr
		}
	}()

	// Seeded or relayed content must be in place before it can be cleared.
	select {
	case <-e.SeedDone():
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return e.FlattenAttribution()
}
