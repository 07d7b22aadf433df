package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"plume-collab/internal/db"
	"plume-collab/internal/models"
	"plume-collab/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordedRooms struct {
	mu      sync.Mutex
	written map[string]string
	err     error
}

func (r *recordedRooms) ReplaceRoomContent(_ context.Context, room, html string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.written == nil {
		r.written = map[string]string{}
	}
	r.written[room] = html
	return nil
}

type fixture struct {
	db       *gorm.DB
	svc      *VersionServiceImpl
	scenes   *repository.SceneRepositoryImpl
	versions *repository.VersionRepositoryImpl
	rooms    *recordedRooms
	scene    *models.Scene
}

func newFixture(t *testing.T, current string) *fixture {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gdb.Close() })

	f := &fixture{
		db:       gdb.DB,
		scenes:   repository.NewSceneRepository(gdb.DB),
		versions: repository.NewVersionRepository(gdb.DB),
		rooms:    &recordedRooms{},
	}
	f.svc = NewVersionService(f.scenes, f.versions, f.rooms, zerolog.Nop())

	ctx := context.Background()
	p := &models.Project{Title: "Novel", OwnerID: "owner"}
	require.NoError(t, f.scenes.CreateProject(ctx, p))
	f.scene = &models.Scene{ProjectID: p.ID, Content: current}
	require.NoError(t, f.scenes.CreateScene(ctx, f.scene))
	return f
}

func TestCreateCountsWords(t *testing.T) {
	f := newFixture(t, "")
	v, err := f.svc.Create(context.Background(), f.scene.ID, &models.VersionCreate{
		ProjectID: f.scene.ProjectID,
		Content:   "<p>Three little words</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, v.WordCount)
	assert.NotEmpty(t, v.ID)

	list, err := f.svc.List(context.Background(), f.scene.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, v.ID, list[0].ID)
}

func TestRestoreRecountsWords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "<p>Now and then</p>")
	v, err := f.svc.Create(ctx, f.scene.ID, &models.VersionCreate{ProjectID: f.scene.ProjectID, Content: "<p>Hello world</p>"})
	require.NoError(t, err)

	// Rows written before counts were derived may carry anything.
	require.NoError(t, f.db.Model(&models.SceneVersion{}).Where("id = ?", v.ID).Update("word_count", 99).Error)
	require.NoError(t, f.db.Model(&models.Scene{}).Where("id = ?", f.scene.ID).Update("word_count", 42).Error)

	sc, err := f.svc.Restore(ctx, v.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, sc.WordCount)

	got, err := f.scenes.GetSceneContent(ctx, f.scene.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.WordCount)

	list, err := f.svc.List(ctx, f.scene.ID)
	require.NoError(t, err)
	for _, lv := range list {
		if lv.Label != nil && *lv.Label == models.VersionLabelRestore {
			assert.Equal(t, 3, lv.WordCount)
		}
	}
}

func TestRestoreKeepsCurrentContentAndPushesToRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "<p>Now</p>")
	old, err := f.svc.Create(ctx, f.scene.ID, &models.VersionCreate{ProjectID: f.scene.ProjectID, Content: "<p>Back then</p>"})
	require.NoError(t, err)

	sc, err := f.svc.Restore(ctx, old.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "<p>Back then</p>", sc.Content)

	got, err := f.scenes.GetSceneContent(ctx, f.scene.ID)
	require.NoError(t, err)
	assert.Equal(t, "<p>Back then</p>", got.Content)
	assert.Equal(t, 2, got.WordCount)

	list, err := f.svc.List(ctx, f.scene.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	var before *models.SceneVersion
	for _, v := range list {
		if v.Label != nil && *v.Label == models.VersionLabelRestore {
			before = v
		}
	}
	require.NotNil(t, before)
	assert.Equal(t, "<p>Now</p>", before.Content)
	assert.Equal(t, "u1", before.CreatedBy)

	assert.Equal(t, "<p>Back then</p>", f.rooms.written["scene-"+f.scene.ID])
}

func TestRestoreSkipsBackupOfBlankOrIdenticalContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "<p></p>")
	v, err := f.svc.Create(ctx, f.scene.ID, &models.VersionCreate{ProjectID: f.scene.ProjectID, Content: "<p>Text</p>"})
	require.NoError(t, err)

	_, err = f.svc.Restore(ctx, v.ID, "")
	require.NoError(t, err)
	_, err = f.svc.Restore(ctx, v.ID, "")
	require.NoError(t, err)

	list, err := f.svc.List(ctx, f.scene.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRestoreSurvivesRelayFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "<p>Now</p>")
	f.rooms.err = errors.New("relay down")
	v, err := f.svc.Create(ctx, f.scene.ID, &models.VersionCreate{ProjectID: f.scene.ProjectID, Content: "<p>Then</p>"})
	require.NoError(t, err)

	_, err = f.svc.Restore(ctx, v.ID, "")
	require.NoError(t, err)
	got, err := f.scenes.GetSceneContent(ctx, f.scene.ID)
	require.NoError(t, err)
	assert.Equal(t, "<p>Then</p>", got.Content)
}

func TestRestoreUnknownVersion(t *testing.T) {
	f := newFixture(t, "<p>Now</p>")
	_, err := f.svc.Restore(context.Background(), "missing", "")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
