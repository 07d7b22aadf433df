package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"plume-collab/internal/crdt"
	"plume-collab/internal/models"
	"plume-collab/internal/protocol"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 3 * time.Second

type memorySnapshots struct {
	mu    sync.Mutex
	data  map[string]*models.RoomSnapshot
	saves int
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{data: make(map[string]*models.RoomSnapshot)}
}

func (m *memorySnapshots) LoadSnapshot(_ context.Context, room string) (*models.RoomSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[room], nil
}

func (m *memorySnapshots) SaveSnapshot(_ context.Context, snap *models.RoomSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[snap.Room] = snap
	m.saves++
	return nil
}

func (m *memorySnapshots) has(room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[room] != nil
}

func startRelay(t *testing.T, opts Options) (*SessionManager, string) {
	t.Helper()
	opts.Logger = zerolog.Nop()
	sm := NewSessionManager(opts)
	sm.Start()

	r := mux.NewRouter()
	r.HandleFunc("/ws/room/{room}", NewWebSocketHandler(sm, "").HandleRoomConnection)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sm.Shutdown(ctx)
		srv.Close()
	})
	return sm, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// peer is a minimal client speaking the relay protocol.
type peer struct {
	conn *websocket.Conn
	doc  *crdt.Doc
	aw   *protocol.Awareness
	wmu  sync.Mutex
	done chan struct{}
}

func dialPeer(t *testing.T, base, room string) *peer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/ws/room/"+room, nil)
	require.NoError(t, err)

	p := &peer{
		conn: conn,
		doc:  crdt.NewDoc(crdt.NewClientID()),
		done: make(chan struct{}),
	}
	p.aw = protocol.NewAwareness(p.doc.ClientID())
	p.doc.OnUpdate(func(update []byte, origin crdt.Origin) {
		if origin != crdt.OriginRemote {
			p.write(protocol.Update(update))
		}
	})
	go p.read()
	p.write(protocol.Step1(p.doc.EncodeStateVector()))
	t.Cleanup(p.close)
	return p
}

func (p *peer) write(f protocol.Frame) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = p.conn.WriteMessage(websocket.BinaryMessage, f.Encode())
}

func (p *peer) read() {
	defer close(p.done)
	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.DecodeFrame(msg)
		if err != nil {
			continue
		}
		switch {
		case f.Type == protocol.MessageSync && f.Step == protocol.SyncStep1:
			sv, _ := crdt.DecodeStateVector(f.Payload)
			p.write(protocol.Step2(p.doc.EncodeStateAsUpdate(sv)))
		case f.Type == protocol.MessageSync:
			_ = p.doc.ApplyUpdate(f.Payload, crdt.OriginRemote)
		case f.Type == protocol.MessageAwareness:
			_, _ = p.aw.ApplyUpdate(f.Payload)
		}
	}
}

func (p *peer) close() {
	p.conn.Close()
	<-p.done
}

func (p *peer) insert(t *testing.T, pos int, text string) {
	t.Helper()
	require.NoError(t, p.doc.Transact(crdt.OriginLocal, func(tx *crdt.Transaction) error {
		return tx.Insert(pos, text, nil)
	}))
}

func (p *peer) announce(name string) {
	p.aw.SetLocalState(&protocol.State{User: &protocol.User{Name: name, Color: "#2563eb"}})
	p.write(protocol.AwarenessFrame(p.aw.EncodeUpdate([]crdt.ClientID{p.aw.Self()})))
}

func roomText(sm *SessionManager, id string) string {
	sm.mu.RLock()
	room := sm.rooms[id]
	sm.mu.RUnlock()
	if room == nil {
		return ""
	}
	return room.Doc.Text()
}

func textIs(p *peer, want string) func() bool {
	return func() bool { return p.doc.Text() == want }
}

func TestRelaySyncsPeers(t *testing.T) {
	_, base := startRelay(t, Options{})

	a := dialPeer(t, base, "scene-1")
	b := dialPeer(t, base, "scene-1")

	a.insert(t, 0, "hello")
	require.Eventually(t, textIs(b, "hello"), eventually, 10*time.Millisecond)

	b.insert(t, 5, " world")
	require.Eventually(t, textIs(a, "hello world"), eventually, 10*time.Millisecond)

	late := dialPeer(t, base, "scene-1")
	require.Eventually(t, textIs(late, "hello world"), eventually, 10*time.Millisecond)
}

func TestRelayIsolatesRooms(t *testing.T) {
	sm, base := startRelay(t, Options{})

	a := dialPeer(t, base, "scene-1")
	other := dialPeer(t, base, "scene-2")

	a.insert(t, 0, "private")
	require.Eventually(t, func() bool {
		return len(sm.Rooms()) == 2
	}, eventually, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "", other.doc.Text())
}

func TestRelayPersistsSnapshotWhenRoomEmpties(t *testing.T) {
	store := newMemorySnapshots()
	sm, base := startRelay(t, Options{Snapshots: store})

	a := dialPeer(t, base, "scene-7")
	a.insert(t, 0, "draft")
	require.Eventually(t, func() bool { return roomText(sm, "scene-7") == "draft" }, eventually, 10*time.Millisecond)

	a.close()
	require.Eventually(t, func() bool {
		return store.has("scene-7") && len(sm.Rooms()) == 0
	}, eventually, 10*time.Millisecond)

	fresh := dialPeer(t, base, "scene-7")
	require.Eventually(t, textIs(fresh, "draft"), eventually, 10*time.Millisecond)
}

func TestRelayAwarenessJoinAndLeave(t *testing.T) {
	_, base := startRelay(t, Options{})

	a := dialPeer(t, base, "scene-1")
	b := dialPeer(t, base, "scene-1")

	a.announce("Ada")
	require.Eventually(t, func() bool {
		s, ok := b.aw.States()[a.aw.Self()]
		return ok && s.User != nil && s.User.Name == "Ada"
	}, eventually, 10*time.Millisecond)

	// A peer joining later learns about Ada from the relay.
	c := dialPeer(t, base, "scene-1")
	require.Eventually(t, func() bool {
		_, ok := c.aw.States()[a.aw.Self()]
		return ok
	}, eventually, 10*time.Millisecond)

	a.close()
	require.Eventually(t, func() bool {
		_, ok := b.aw.States()[a.aw.Self()]
		return !ok
	}, eventually, 10*time.Millisecond)
}

func TestReplaceRoomContentReachesPeers(t *testing.T) {
	store := newMemorySnapshots()
	sm, base := startRelay(t, Options{Snapshots: store})

	a := dialPeer(t, base, "scene-3")
	a.insert(t, 0, "old text")
	require.Eventually(t, func() bool { return roomText(sm, "scene-3") == "old text" }, eventually, 10*time.Millisecond)

	require.NoError(t, sm.ReplaceRoomContent(context.Background(), "scene-3", "<p>restored</p>"))
	require.Eventually(t, func() bool {
		return a.doc.HTML() == "<p>restored</p>"
	}, eventually, 10*time.Millisecond)
}

func TestReplaceRoomContentWithoutPeersUpdatesSnapshot(t *testing.T) {
	store := newMemorySnapshots()
	sm, base := startRelay(t, Options{Snapshots: store})

	require.NoError(t, sm.ReplaceRoomContent(context.Background(), "scene-9", "<p>offline</p>"))
	assert.True(t, store.has("scene-9"))
	assert.Empty(t, sm.Rooms())

	p := dialPeer(t, base, "scene-9")
	require.Eventually(t, func() bool {
		return p.doc.HTML() == "<p>offline</p>"
	}, eventually, 10*time.Millisecond)
}

func TestRelayRejectsInvalidRoom(t *testing.T) {
	_, base := startRelay(t, Options{})

	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/room/"+strings.Repeat("x", MaxRoomName+1), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayIgnoresMalformedFrames(t *testing.T) {
	_, base := startRelay(t, Options{})

	a := dialPeer(t, base, "scene-1")
	b := dialPeer(t, base, "scene-1")

	a.wmu.Lock()
	require.NoError(t, a.conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff}))
	a.wmu.Unlock()

	a.insert(t, 0, "still here")
	require.Eventually(t, textIs(b, "still here"), eventually, 10*time.Millisecond)
}

func TestRedisBridgeLinksInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	listen := func(instance string) (*SessionManager, string) {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		bridge := NewRedisBridge(rdb, instance, zerolog.Nop())
		sm, base := startRelay(t, Options{Publisher: bridge})
		stop, err := bridge.Listen(ctx, sm.HandleRemoteFrame)
		require.NoError(t, err)
		t.Cleanup(func() { _ = stop() })
		return sm, base
	}

	_, baseA := listen("relay-a")
	_, baseB := listen("relay-b")

	a := dialPeer(t, baseA, "scene-5")
	b := dialPeer(t, baseB, "scene-5")

	a.insert(t, 0, "across")
	require.Eventually(t, textIs(b, "across"), eventually, 10*time.Millisecond)

	b.announce("Grace")
	require.Eventually(t, func() bool {
		_, ok := a.aw.States()[b.aw.Self()]
		return ok
	}, eventually, 10*time.Millisecond)
}

func TestRedisBridgeCatchesUpLateInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	listen := func(instance string) string {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		bridge := NewRedisBridge(rdb, instance, zerolog.Nop())
		sm, base := startRelay(t, Options{Publisher: bridge})
		stop, err := bridge.Listen(ctx, sm.HandleRemoteFrame)
		require.NoError(t, err)
		t.Cleanup(func() { _ = stop() })
		return base
	}

	baseA := listen("relay-a")
	baseB := listen("relay-b")

	a := dialPeer(t, baseA, "scene-6")
	a.insert(t, 0, "written before b loaded the room")
	probe := dialPeer(t, baseA, "scene-6")
	require.Eventually(t, textIs(probe, "written before b loaded the room"), eventually, 10*time.Millisecond)

	b := dialPeer(t, baseB, "scene-6")
	require.Eventually(t, textIs(b, "written before b loaded the room"), eventually, 10*time.Millisecond)
}
