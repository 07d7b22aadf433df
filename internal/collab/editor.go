package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"plume-collab/internal/crdt"
	"plume-collab/internal/models"
	"plume-collab/internal/protocol"

	"github.com/rs/zerolog"
)

var ErrVersionMismatch = errors.New("collab: version belongs to another scene")

/*
SCENE EDITOR

A SceneEditor is one user's session on one scene. Opening it wires the pieces
together in a fixed order, and every subscription it makes is recorded as a
disposer so Close (or a failed open) releases exactly what was acquired:

  load durable content -> registry Open -> presence + status subscriptions
  -> attribution hook -> autosave on local changes -> bootstrap version
  -> seed after the grace window (background)
*/

// Workspace opens scenes against one set of stores and one document registry.
type Workspace struct {
	Registry *Registry
	Scenes   SceneStore
	Versions VersionStore
	Notifier Notifier
	Logger   zerolog.Logger
	Autosave AutosaveConfig
}

// OpenOptions selects the scene and the user editing it.
type OpenOptions struct {
	ProjectID string
	SceneID   string
	Identity  Identity

	// Optional callbacks.
	OnStatus   func(Status)
	OnPresence func([]Peer)
}

// SceneEditor is an open scene.
type SceneEditor struct {
	ws          *Workspace
	sceneID     string
	handle      *Handle
	attribution Attribution
	autosave    *Autosave
	presence    *PresenceView
	logger      zerolog.Logger

	seedCancel context.CancelFunc
	seedDone   chan struct{}

	mu        sync.Mutex
	cursor    int
	stored    crdt.Marks
	disposers []func()
	closed    bool
}

// OpenScene opens a scene for editing. The returned editor must be closed.
func (w *Workspace) OpenScene(ctx context.Context, opts OpenOptions) (_ *SceneEditor, err error) {
	scene, err := w.Scenes.GetSceneContent(ctx, opts.SceneID)
	if err != nil {
		return nil, fmt.Errorf("failed to load scene %s: %w", opts.SceneID, err)
	}

	handle, err := w.Registry.Open(ctx, opts.SceneID)
	if err != nil {
		return nil, err
	}

	e := &SceneEditor{
		ws:          w,
		sceneID:     opts.SceneID,
		handle:      handle,
		attribution: ResolveAttribution(opts.Identity),
		logger: w.Logger.With().
			Str("scene_id", opts.SceneID).
			Str("user_id", opts.Identity.UserID).
			Logger(),
		seedDone: make(chan struct{}),
	}
	e.disposers = append(e.disposers, func() {
		if cerr := w.Registry.Close(opts.SceneID); cerr != nil {
			e.logger.Warn().Err(cerr).Msg("failed to release scene")
		}
	})
	defer func() {
		if err != nil {
			e.release()
		}
	}()

	user := opts.Identity.PresenceUser()
	awareness := handle.Session.Awareness()
	awareness.SetLocalState(&protocol.State{User: &user})

	e.presence = NewPresenceView(awareness)
	e.disposers = append(e.disposers, e.presence.Close)
	if opts.OnPresence != nil {
		e.presence.Subscribe(opts.OnPresence)
	}
	e.disposers = append(e.disposers, handle.Session.OnStatus(func(s Status) {
		e.logger.Debug().Str("status", s.String()).Msg("connection status")
		if opts.OnStatus != nil {
			opts.OnStatus(s)
		}
	}))

	e.disposers = append(e.disposers, handle.Doc.AddHook(AttributionHook(e.attribution)))

	e.autosave = NewAutosave(AutosaveOptions{
		SceneID:   opts.SceneID,
		ProjectID: opts.ProjectID,
		UserID:    opts.Identity.UserID,
		Scenes:    w.Scenes,
		Versions:  w.Versions,
		Notifier:  w.Notifier,
		Logger:    w.Logger,
		Config:    w.Autosave,
	})
	e.disposers = append(e.disposers, handle.Doc.OnChange(func(ev crdt.ChangeEvent) {
		if ev.Origin == crdt.OriginLocal {
			e.autosave.OnLocalChange(handle.Doc.HTML())
		}
	}))
	e.autosave.Bootstrap(ctx, scene.Content)

	seedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.seedCancel = cancel
	go func() {
		defer close(e.seedDone)
		seeded, err := handle.SeedIfEmpty(seedCtx, scene.Content)
		switch {
		case err != nil && seedCtx.Err() == nil:
			e.logger.Error().Err(err).Msg("seeding failed")
		case seeded:
			e.logger.Info().Msg("scene seeded from saved content")
		}
	}()

	e.logger.Info().Str("status", handle.Session.Status().String()).Msg("scene opened")
	return e, nil
}

// SeedDone is closed once the seeding attempt for this editor has finished.
func (e *SceneEditor) SeedDone() <-chan struct{} {
	return e.seedDone
}

// Doc exposes the shared document.
func (e *SceneEditor) Doc() *crdt.Doc {
	return e.handle.Doc
}

// Attribution is how this editor's typing is marked.
func (e *SceneEditor) Attribution() Attribution {
	return e.attribution
}

// MoveCursor places the caret and recomputes the marks the next typed text will carry.
func (e *SceneEditor) MoveCursor(pos int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.moveLocked(pos)
}

func (e *SceneEditor) moveLocked(pos int) {
	pos = max(0, min(pos, e.handle.Doc.Len()))
	e.cursor = pos
	e.stored = StoredMarks(e.attribution, e.handle.Doc.InheritedMarks(pos))
}

// Cursor returns the caret position.
func (e *SceneEditor) Cursor() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// Type inserts text at the caret with the stored marks and advances the caret.
func (e *SceneEditor) Type(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.stored == nil || e.cursor > e.handle.Doc.Len() {
		e.moveLocked(e.cursor)
	}
	err := e.handle.Doc.Transact(crdt.OriginLocal, func(tx *crdt.Transaction) error {
		return tx.Insert(e.cursor, text, e.stored)
	})
	if err != nil {
		return err
	}
	e.cursor += utf8.RuneCountInString(text)
	return nil
}

// ApplyDelta applies an editor delta as a local edit.
func (e *SceneEditor) ApplyDelta(delta crdt.Delta) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.handle.ApplyLocalEdit(delta)
}

func (e *SceneEditor) HTML() string {
	return e.handle.HTML()
}

func (e *SceneEditor) Status() Status {
	return e.handle.Session.Status()
}

// Collaborators lists the other users in the scene.
func (e *SceneEditor) Collaborators() []Peer {
	return e.presence.Peers()
}

// FlattenAttribution removes every author highlight from the scene.
func (e *SceneEditor) FlattenAttribution() (int, error) {
	if e.isClosed() {
		return 0, ErrClosed
	}
	return FlattenAttribution(e.handle.Doc)
}

// Save writes pending content now and records a manual version.
func (e *SceneEditor) Save(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.autosave.Flush(ctx, true)
}

// RestoreVersion replaces the scene with a saved version. The current content is
// kept as a "Before restore" version first. Restored text keeps the marks it was
// saved with and reaches peers like seeded content.
func (e *SceneEditor) RestoreVersion(ctx context.Context, versionID string) error {
	if e.isClosed() {
		return ErrClosed
	}
	v, err := e.ws.Versions.GetVersion(ctx, versionID)
	if err != nil {
		return fmt.Errorf("failed to load version %s: %w", versionID, err)
	}
	if v.SceneID != e.sceneID {
		return fmt.Errorf("%w: %s", ErrVersionMismatch, versionID)
	}

	if err := e.autosave.Flush(ctx, false); err != nil {
		return err
	}
	e.autosave.promote(e.handle.HTML(), models.VersionLabelRestore, true)

	if err := e.handle.Doc.ReplaceHTML(crdt.OriginSeed, v.Content); err != nil {
		return fmt.Errorf("failed to restore version %s: %w", versionID, err)
	}
	e.autosave.OnLocalChange(e.handle.HTML())
	return e.autosave.Flush(ctx, false)
}

func (e *SceneEditor) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close flushes pending content, releases every subscription and the scene.
func (e *SceneEditor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.seedCancel()
	<-e.seedDone
	err := e.autosave.Close(ctx)
	e.release()
	e.logger.Info().Msg("scene closed")
	return err
}

// release runs disposers in reverse order of acquisition.
func (e *SceneEditor) release() {
	for i := len(e.disposers) - 1; i >= 0; i-- {
		e.disposers[i]()
	}
	e.disposers = nil
}

// LogNotifier reports notifications to a logger.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(level Level, message string) {
	if level == LevelError {
		n.Logger.Error().Msg(message)
		return
	}
	n.Logger.Info().Msg(message)
}

// TransportFactory creates relay transports for a Registry.
func TransportFactory(cfg TransportConfig) SessionFactory {
	return func(ctx context.Context, sceneID string, doc *crdt.Doc) (Session, error) {
		return Connect(ctx, cfg, sceneID, doc, nil)
	}
}
