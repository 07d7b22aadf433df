package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"plume-collab/internal/crdt"
	"plume-collab/internal/protocol"

	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("collab: scene closed")

// Session is the live link between a scene document and its peers.
type Session interface {
	Status() Status
	OnStatus(fn func(Status)) func()
	Awareness() *protocol.Awareness
	Close() error
}

// SessionFactory creates the session for a freshly created scene document.
// It must not block on the network.
type SessionFactory func(ctx context.Context, sceneID string, doc *crdt.Doc) (Session, error)

// RegistryConfig tunes seeding.
type RegistryConfig struct {
	// SeedGrace is how long a handle waits after connecting before seeding, so the
	// relay's copy has a chance to arrive first.
	SeedGrace time.Duration
	// SeedConnectTimeout bounds the wait for a connection that never comes.
	SeedConnectTimeout time.Duration
}

var DefaultRegistryConfig = RegistryConfig{
	SeedGrace:          500 * time.Millisecond,
	SeedConnectTimeout: 3 * time.Second,
}

// Handle is a reference-counted view of one open scene.
type Handle struct {
	SceneID string
	Doc     *crdt.Doc
	Session Session

	cfg        RegistryConfig
	seedClaim  atomic.Bool
	seededOnce atomic.Bool
}

// ApplyLocalEdit applies an editor delta as a local transaction.
func (h *Handle) ApplyLocalEdit(delta crdt.Delta) error {
	return h.Doc.ApplyDelta(crdt.OriginLocal, delta)
}

// HTML materializes the current document.
func (h *Handle) HTML() string {
	return h.Doc.HTML()
}

// Seeded reports whether this handle wrote durable content into the document.
func (h *Handle) Seeded() bool {
	return h.seededOnce.Load()
}

// SeedIfEmpty loads durable content into the document unless peers already
// provided some. It waits for the session to connect (bounded), then a grace
// window, then writes only if the document is still empty. Only the first call
// per handle does anything.
func (h *Handle) SeedIfEmpty(ctx context.Context, html string) (bool, error) {
	if !h.seedClaim.CompareAndSwap(false, true) {
		return false, nil
	}
	if html == "" {
		return false, nil
	}

	connected := make(chan struct{})
	var once sync.Once
	off := h.Session.OnStatus(func(s Status) {
		if s == StatusConnected {
			once.Do(func() { close(connected) })
		}
	})
	defer off()
	if h.Session.Status() == StatusConnected {
		once.Do(func() { close(connected) })
	}

	wait := time.NewTimer(h.cfg.SeedConnectTimeout)
	defer wait.Stop()
	select {
	case <-connected:
		grace := time.NewTimer(h.cfg.SeedGrace)
		defer grace.Stop()
		select {
		case <-grace.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	case <-wait.C:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	seeded, err := h.Doc.SeedIfEmpty(html)
	if err != nil {
		return false, fmt.Errorf("failed to seed scene %s: %w", h.SceneID, err)
	}
	if seeded {
		h.seededOnce.Store(true)
	}
	return seeded, nil
}

type entry struct {
	handle  *Handle
	refs    int
	closing chan struct{}
}

// Registry is the process-wide map of open scenes. Opening a scene twice shares
// one document and one session; the last Close tears both down.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	factory SessionFactory
	cfg     RegistryConfig
	logger  zerolog.Logger
}

func NewRegistry(factory SessionFactory, cfg RegistryConfig, logger zerolog.Logger) *Registry {
	if cfg.SeedGrace < 0 {
		cfg.SeedGrace = 0
	}
	if cfg.SeedConnectTimeout <= 0 {
		cfg.SeedConnectTimeout = DefaultRegistryConfig.SeedConnectTimeout
	}
	return &Registry{
		entries: make(map[string]*entry),
		factory: factory,
		cfg:     cfg,
		logger:  logger,
	}
}

// Open returns the live handle for sceneID, creating it if needed. If the scene
// is being torn down, Open waits for the teardown to finish and starts fresh.
func (r *Registry) Open(ctx context.Context, sceneID string) (*Handle, error) {
	for {
		r.mu.Lock()
		e, ok := r.entries[sceneID]
		if ok && e.closing != nil {
			closing := e.closing
			r.mu.Unlock()
			select {
			case <-closing:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if ok {
			e.refs++
			r.mu.Unlock()
			return e.handle, nil
		}

		doc := crdt.NewDoc(crdt.NewClientID())
		session, err := r.factory(ctx, sceneID, doc)
		if err != nil {
			r.mu.Unlock()
			doc.Destroy()
			return nil, fmt.Errorf("failed to start session for scene %s: %w", sceneID, err)
		}
		h := &Handle{SceneID: sceneID, Doc: doc, Session: session, cfg: r.cfg}
		r.entries[sceneID] = &entry{handle: h, refs: 1}
		r.mu.Unlock()

		r.logger.Debug().Str("scene_id", sceneID).Uint32("client_id", uint32(doc.ClientID())).Msg("scene opened")
		return h, nil
	}
}

// Close releases one reference. The last release closes the session and destroys
// the document.
func (r *Registry) Close(sceneID string) error {
	r.mu.Lock()
	e, ok := r.entries[sceneID]
	if !ok || e.closing != nil {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	e.closing = make(chan struct{})
	r.mu.Unlock()

	err := e.handle.Session.Close()
	e.handle.Doc.Destroy()

	r.mu.Lock()
	delete(r.entries, sceneID)
	close(e.closing)
	r.mu.Unlock()

	r.logger.Debug().Str("scene_id", sceneID).Msg("scene closed")
	if err != nil {
		return fmt.Errorf("failed to close session for scene %s: %w", sceneID, err)
	}
	return nil
}

// Refs returns the number of live references to sceneID.
func (r *Registry) Refs(sceneID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sceneID]; ok && e.closing == nil {
		return e.refs
	}
	return 0
}

// CloseAll tears down every open scene regardless of references.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.closing == nil {
			e.refs = 1
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.Close(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
