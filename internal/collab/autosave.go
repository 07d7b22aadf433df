package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"plume-collab/internal/content"
	"plume-collab/internal/models"

	"github.com/rs/zerolog"
)

// AutosaveConfig tunes the autosave controller.
type AutosaveConfig struct {
	Debounce        time.Duration
	VersionInterval time.Duration
}

// DefaultAutosaveConfig matches the web editor: save 500ms after the last edit,
// promote a version at most every ten minutes.
var DefaultAutosaveConfig = AutosaveConfig{
	Debounce:        500 * time.Millisecond,
	VersionInterval: 10 * time.Minute,
}

/*
AUTOSAVE

Editors produce an HTML snapshot after every local transaction. The controller
buffers the latest one and writes it once the user pauses:

  OnLocalChange -> buffer, re-arm timer -> timer fires -> SaveSceneContent
                                                       -> maybe promote a version

Only one write per scene is in flight and it always takes the newest buffer, so
a slow database never reorders content. Failed writes keep the buffer for the
next cycle; nothing retries on its own.
*/

// Autosave reconciles one scene's live document with durable storage.
type Autosave struct {
	sceneID   string
	projectID string
	userID    string
	scenes    SceneStore
	versions  VersionStore
	notifier  Notifier
	logger    zerolog.Logger
	cfg       AutosaveConfig
	now       func() time.Time

	mu           sync.Mutex
	timer        *time.Timer
	pending      *string
	latest       string
	lastVersion  time.Time
	bootstrapped bool
	closed       bool

	saveMu sync.Mutex
	wg     sync.WaitGroup
}

// AutosaveOptions wires an Autosave to its scene and stores.
type AutosaveOptions struct {
	SceneID   string
	ProjectID string
	UserID    string
	Scenes    SceneStore
	Versions  VersionStore
	Notifier  Notifier
	Logger    zerolog.Logger
	Config    AutosaveConfig
}

// NewAutosave returns an idle controller. The version interval starts now.
func NewAutosave(opts AutosaveOptions) *Autosave {
	cfg := opts.Config
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultAutosaveConfig.Debounce
	}
	if cfg.VersionInterval <= 0 {
		cfg.VersionInterval = DefaultAutosaveConfig.VersionInterval
	}
	a := &Autosave{
		sceneID:   opts.SceneID,
		projectID: opts.ProjectID,
		userID:    opts.UserID,
		scenes:    opts.Scenes,
		versions:  opts.Versions,
		notifier:  opts.Notifier,
		logger:    opts.Logger.With().Str("scene_id", opts.SceneID).Logger(),
		cfg:       cfg,
		now:       time.Now,
	}
	a.lastVersion = a.now()
	return a
}

// OnLocalChange buffers html and restarts the debounce window.
func (a *Autosave) OnLocalChange(html string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.pending = &html
	a.latest = html
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.cfg.Debounce, a.fire)
}

// Pending reports whether buffered content has not been saved yet.
func (a *Autosave) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending != nil
}

func (a *Autosave) fire() {
	a.mu.Lock()
	a.timer = nil
	a.mu.Unlock()

	ctx := context.Background()
	saved, ok := a.persist(ctx)
	if !ok || saved == "" {
		return
	}
	a.bootstrap(ctx, saved)
	a.promote(saved, "", false)
}

// persist writes the newest buffered content. It returns the content written,
// "" when nothing was pending, and false when the write failed.
func (a *Autosave) persist(ctx context.Context) (string, bool) {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()

	a.mu.Lock()
	buffered := a.pending
	a.mu.Unlock()
	if buffered == nil {
		return "", true
	}

	html := *buffered
	if err := a.scenes.SaveSceneContent(ctx, a.sceneID, html); err != nil {
		a.logger.Error().Err(err).Msg("autosave failed")
		a.notify(LevelError, "Could not save the scene. Your changes are kept and will be saved with the next edit.")
		return "", false
	}

	a.mu.Lock()
	if a.pending == buffered {
		a.pending = nil
	}
	a.mu.Unlock()
	a.logger.Debug().Int("bytes", len(html)).Msg("scene saved")
	return html, true
}

// Flush cancels the debounce and writes buffered content now. A manual flush also
// records a version of the latest known content, even when nothing was pending.
func (a *Autosave) Flush(ctx context.Context, manual bool) error {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	_, ok := a.persist(ctx)
	if manual {
		a.mu.Lock()
		latest := a.latest
		a.mu.Unlock()
		a.promote(latest, models.VersionLabelManual, true)
	}
	if !ok {
		return fmt.Errorf("failed to save scene %s", a.sceneID)
	}
	return nil
}

// Bootstrap records the initial version of a scene that has content but no
// history yet. Blank content is skipped and evaluated again on the next save.
func (a *Autosave) Bootstrap(ctx context.Context, html string) {
	a.mu.Lock()
	if html != "" && a.latest == "" {
		a.latest = html
	}
	a.mu.Unlock()
	a.bootstrap(ctx, html)
}

func (a *Autosave) bootstrap(ctx context.Context, html string) {
	if content.IsBlank(html) {
		return
	}
	a.mu.Lock()
	if a.bootstrapped {
		a.mu.Unlock()
		return
	}
	a.bootstrapped = true
	a.mu.Unlock()

	n, err := a.versions.CountVersions(ctx, a.sceneID)
	if err != nil {
		a.logger.Warn().Err(err).Msg("could not count versions")
		a.mu.Lock()
		a.bootstrapped = false
		a.mu.Unlock()
		return
	}
	if n > 0 {
		return
	}
	a.promote(html, models.VersionLabelInitial, true)
}

// promote creates a version when forced or when the interval has elapsed.
// The write happens in the background; Close waits for it.
func (a *Autosave) promote(html, label string, force bool) {
	if content.IsBlank(html) {
		return
	}
	a.mu.Lock()
	now := a.now()
	if !force && now.Sub(a.lastVersion) < a.cfg.VersionInterval {
		a.mu.Unlock()
		return
	}
	a.lastVersion = now
	a.mu.Unlock()

	version := &models.SceneVersion{
		SceneID:   a.sceneID,
		ProjectID: a.projectID,
		Content:   html,
		WordCount: content.CountWords(html),
		CreatedBy: a.userID,
	}
	if label != "" {
		version.Label = &label
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.versions.CreateVersion(ctx, version); err != nil {
			a.logger.Error().Err(err).Str("label", label).Msg("version creation failed")
			a.notify(LevelError, "Could not record a version of the scene.")
			return
		}
		a.logger.Info().Str("version_id", version.ID).Str("label", label).Msg("version created")
	}()
}

func (a *Autosave) notify(level Level, msg string) {
	if a.notifier != nil {
		a.notifier.Notify(level, msg)
	}
}

// Close flushes pending content, stops the timer and waits for version writes.
func (a *Autosave) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	err := a.Flush(ctx, false)
	a.wg.Wait()
	return err
}
