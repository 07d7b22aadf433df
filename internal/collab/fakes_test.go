package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"plume-collab/internal/content"
	"plume-collab/internal/crdt"
	"plume-collab/internal/models"
	"plume-collab/internal/protocol"
)

var errStoreDown = errors.New("store down")

type savedContent struct {
	content   string
	wordCount int
}

type fakeScenes struct {
	mu      sync.Mutex
	content map[string]string
	saves   []savedContent
	fail    bool
}

func newFakeScenes() *fakeScenes {
	return &fakeScenes{content: make(map[string]string)}
}

func (f *fakeScenes) GetSceneContent(_ context.Context, sceneID string) (*models.SceneContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &models.SceneContent{SceneID: sceneID, Content: f.content[sceneID]}, nil
}

// SaveSceneContent counts words the way the gorm repository does.
func (f *fakeScenes) SaveSceneContent(_ context.Context, sceneID, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errStoreDown
	}
	f.content[sceneID] = html
	f.saves = append(f.saves, savedContent{content: html, wordCount: content.CountWords(html)})
	return nil
}

func (f *fakeScenes) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeScenes) savedList() []savedContent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]savedContent(nil), f.saves...)
}

type fakeVersions struct {
	mu       sync.Mutex
	versions []*models.SceneVersion
	countErr error
}

func (f *fakeVersions) CountVersions(_ context.Context, sceneID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	var n int64
	for _, v := range f.versions {
		if v.SceneID == sceneID {
			n++
		}
	}
	return n, nil
}

func (f *fakeVersions) CreateVersion(_ context.Context, v *models.SceneVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v.ID = fmt.Sprintf("v%d", len(f.versions)+1)
	f.versions = append(f.versions, v)
	return nil
}

func (f *fakeVersions) GetVersion(_ context.Context, id string) (*models.SceneVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.versions {
		if v.ID == id {
			return v, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeVersions) labels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.versions))
	for _, v := range f.versions {
		if v.Label == nil {
			out = append(out, "")
		} else {
			out = append(out, *v.Label)
		}
	}
	return out
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []Level
}

func (n *fakeNotifier) Notify(level Level, _ string) {
	n.mu.Lock()
	n.messages = append(n.messages, level)
	n.mu.Unlock()
}

func (n *fakeNotifier) levels() []Level {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Level(nil), n.messages...)
}

// fakeSession is a Session whose status the test drives.
type fakeSession struct {
	mu        sync.Mutex
	status    Status
	handle    int
	fns       map[int]func(Status)
	awareness *protocol.Awareness
	closed    int
	closeGate chan struct{}
}

func newFakeSession(doc *crdt.Doc, status Status) *fakeSession {
	return &fakeSession{
		status:    status,
		fns:       make(map[int]func(Status)),
		awareness: protocol.NewAwareness(doc.ClientID()),
	}
}

func (s *fakeSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeSession) OnStatus(fn func(Status)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handle
	s.handle++
	s.fns[h] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, h)
		s.mu.Unlock()
	}
}

func (s *fakeSession) set(status Status) {
	s.mu.Lock()
	s.status = status
	fns := make([]func(Status), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(status)
	}
}

func (s *fakeSession) Awareness() *protocol.Awareness {
	return s.awareness
}

func (s *fakeSession) Close() error {
	if s.closeGate != nil {
		<-s.closeGate
	}
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// sessionFactory records every session it creates.
type sessionFactory struct {
	mu       sync.Mutex
	status   Status
	gate     chan struct{}
	sessions []*fakeSession
}

func (f *sessionFactory) create(_ context.Context, _ string, doc *crdt.Doc) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := newFakeSession(doc, f.status)
	s.closeGate = f.gate
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *sessionFactory) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[len(f.sessions)-1]
}

func (f *sessionFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}
