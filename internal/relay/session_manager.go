package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"plume-collab/internal/crdt"
	"plume-collab/internal/middleware"
	"plume-collab/internal/models"
	"plume-collab/internal/protocol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

/*
RELAY SESSION MANAGER

One hub goroutine owns room membership. Every WebSocket connection becomes a
Session with its own read and write pump; pumps talk to the hub through the
register, unregister and broadcast channels.

  client --frame--> ReadPump --apply--> room doc / awareness
                        |
                        +--broadcast--> hub --Send--> other sessions' WritePump
                        +--publish----> Redis bridge --> other relay instances

Each room keeps a full replica of the document, so a peer joining late gets
everything through the normal sync handshake, even when nobody else is online.
Dirty rooms are flushed to the snapshot store periodically and when the last
session leaves.

The hub never sends on its own channels. A session whose buffer is full is
disconnected by closing its socket; its ReadPump then unregisters it.
*/

// Options configures a SessionManager.
type Options struct {
	Snapshots SnapshotStore
	Publisher Publisher
	Metrics   *Metrics
	Logger    zerolog.Logger

	FlushEvery       time.Duration
	IdleTimeout      time.Duration
	AwarenessTimeout time.Duration
	SendBuffer       int
}

// SessionManager manages all live rooms and their sessions.
type SessionManager struct {
	rooms      map[string]*Room
	unloading  map[string]chan struct{}
	register   chan *Session
	unregister chan *Session
	broadcast  chan *BroadcastMessage
	mu         sync.RWMutex

	snapshots SnapshotStore
	publisher Publisher
	metrics   *Metrics
	logger    zerolog.Logger
	opts      Options

	done         chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// BroadcastMessage is a frame for every session in a room except Sender.
type BroadcastMessage struct {
	Room    string
	Message []byte
	Sender  *Session
}

func NewSessionManager(opts Options) *SessionManager {
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.AwarenessTimeout <= 0 {
		opts.AwarenessTimeout = 30 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &SessionManager{
		rooms:      make(map[string]*Room),
		unloading:  make(map[string]chan struct{}),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan *BroadcastMessage, 256),
		snapshots:  opts.Snapshots,
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		opts:       opts,
		done:       make(chan struct{}),
	}
}

// Start begins the hub and maintenance loops.
func (sm *SessionManager) Start() {
	sm.logger.Info().Msg("starting relay session manager")

	sm.wg.Add(2)
	go func() {
		defer sm.wg.Done()
		for {
			select {
			case <-sm.done:
				return
			case session := <-sm.register:
				sm.handleRegister(session)
			case session := <-sm.unregister:
				sm.handleUnregister(session)
			case msg := <-sm.broadcast:
				sm.handleBroadcast(msg)
			}
		}
	}()
	go sm.maintenanceLoop()
}

// join hands the session to the hub and waits until it is a member of its room,
// so no broadcast after the initial sync can miss it.
func (sm *SessionManager) join(ctx context.Context, session *Session) error {
	select {
	case sm.register <- session:
	case <-sm.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-session.registered:
		return nil
	case <-sm.done:
		return ErrShutdown
	}
}

func (sm *SessionManager) handleRegister(session *Session) {
	sm.mu.Lock()
	room := session.room
	room.sessions[session] = true
	total := len(room.sessions)
	sm.mu.Unlock()
	close(session.registered)

	sm.metrics.Sessions.Inc()
	sm.logger.Info().
		Str("session", session.ID).
		Str("room", room.ID).
		Int("total", total).
		Msg("session joined")
}

func (sm *SessionManager) handleUnregister(session *Session) {
	sm.mu.Lock()
	room := session.room
	if !room.sessions[session] {
		sm.mu.Unlock()
		return
	}
	delete(room.sessions, session)
	remaining := len(room.sessions)
	sm.mu.Unlock()

	session.stop()
	sm.metrics.Sessions.Dec()
	sm.logger.Info().
		Str("session", session.ID).
		Str("room", room.ID).
		Int("remaining", remaining).
		Msg("session left")

	// Withdraw the presence of every client this connection spoke for.
	if change := room.Awareness.RemoveStates(session.ownedClients(), protocol.ChangeRemote); !change.Empty() {
		frame := protocol.AwarenessFrame(room.Awareness.EncodeUpdate(change.Removed)).Encode()
		sm.deliver(room, frame, nil)
		sm.publish(context.Background(), room.ID, frame)
	}

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		sm.releaseRoom(room)
	}()
}

func (sm *SessionManager) handleBroadcast(msg *BroadcastMessage) {
	sm.mu.RLock()
	room := sm.rooms[msg.Room]
	sm.mu.RUnlock()
	if room == nil {
		return
	}
	sm.deliver(room, msg.Message, msg.Sender)
}

// deliver queues message on every session of room except sender.
func (sm *SessionManager) deliver(room *Room, message []byte, sender *Session) {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(room.sessions))
	for s := range room.sessions {
		if s != sender {
			sessions = append(sessions, s)
		}
	}
	sm.mu.RUnlock()

	for _, s := range sessions {
		s.enqueue(message)
	}
}

// Broadcast sends a message to every session in a room except sender.
func (sm *SessionManager) Broadcast(room string, message []byte, sender *Session) {
	select {
	case sm.broadcast <- &BroadcastMessage{Room: room, Message: message, Sender: sender}:
	case <-sm.done:
	}
}

func (sm *SessionManager) publish(ctx context.Context, room string, frame []byte) {
	if sm.publisher == nil {
		return
	}
	if err := sm.publisher.Publish(ctx, room, frame); err != nil {
		sm.logger.Warn().Err(err).Str("room", room).Msg("failed to publish frame to bridge")
		return
	}
	sm.metrics.BridgeFrames.WithLabelValues("out").Inc()
}

// handleFrame processes one frame a session sent.
func (sm *SessionManager) handleFrame(ctx context.Context, s *Session, raw []byte) error {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		return err
	}
	sm.metrics.Frames.WithLabelValues(frame.Type.String()).Inc()
	room := s.room

	switch frame.Type {
	case protocol.MessageSync:
		switch frame.Step {
		case protocol.SyncStep1:
			sv, err := crdt.DecodeStateVector(frame.Payload)
			if err != nil {
				return err
			}
			s.enqueue(protocol.Step2(room.Doc.EncodeStateAsUpdate(sv)).Encode())
		case protocol.SyncStep2, protocol.SyncUpdate:
			if len(frame.Payload) == 0 {
				return nil
			}
			if err := room.Doc.ApplyUpdate(frame.Payload, crdt.OriginRemote); err != nil {
				return err
			}
			room.dirty.Store(true)
			out := protocol.Update(frame.Payload).Encode()
			sm.Broadcast(room.ID, out, s)
			sm.publish(ctx, room.ID, out)
		default:
			return fmt.Errorf("%w: sync step %d", protocol.ErrMalformedFrame, frame.Step)
		}

	case protocol.MessageAwareness:
		entries, err := protocol.DecodeAwareness(frame.Payload)
		if err != nil {
			return err
		}
		for _, e := range entries {
			s.own(e.Client)
		}
		if _, err := room.Awareness.ApplyUpdate(frame.Payload); err != nil {
			return err
		}
		sm.Broadcast(room.ID, raw, s)
		sm.publish(ctx, room.ID, raw)

	case protocol.MessageQueryAwareness:
		s.enqueue(protocol.AwarenessFrame(room.Awareness.EncodeUpdate(room.Awareness.Clients())).Encode())

	default:
		return fmt.Errorf("%w: message type %d", protocol.ErrMalformedFrame, frame.Type)
	}
	return nil
}

// HandleRemoteFrame applies a frame published by another relay instance. Frames
// for rooms not loaded here are ignored.
func (sm *SessionManager) HandleRemoteFrame(roomID string, raw []byte) {
	sm.mu.RLock()
	room := sm.rooms[roomID]
	sm.mu.RUnlock()
	if room == nil {
		return
	}
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		sm.logger.Warn().Err(err).Str("room", roomID).Msg("dropping malformed bridge frame")
		return
	}
	sm.metrics.BridgeFrames.WithLabelValues("in").Inc()

	ctx, span := middleware.StartSpan(context.Background(), "Relay.RemoteFrame",
		attribute.String("room", roomID),
		attribute.String("frame.type", frame.Type.String()),
	)
	defer span.End()

	switch frame.Type {
	case protocol.MessageSync:
		switch frame.Step {
		case protocol.SyncStep1:
			sv, err := crdt.DecodeStateVector(frame.Payload)
			if err != nil {
				middleware.AddSpanError(ctx, err)
				return
			}
			if diff := room.Doc.EncodeStateAsUpdate(sv); len(diff) > 0 {
				sm.publish(ctx, roomID, protocol.Update(diff).Encode())
			}
		case protocol.SyncStep2, protocol.SyncUpdate:
			if err := room.Doc.ApplyUpdate(frame.Payload, crdt.OriginRemote); err != nil {
				middleware.AddSpanError(ctx, err)
				sm.logger.Warn().Err(err).Str("room", roomID).Msg("failed to apply bridge update")
				return
			}
			room.dirty.Store(true)
			sm.Broadcast(roomID, protocol.Update(frame.Payload).Encode(), nil)
		}
	case protocol.MessageAwareness:
		if _, err := room.Awareness.ApplyUpdate(frame.Payload); err != nil {
			middleware.AddSpanError(ctx, err)
			return
		}
		sm.Broadcast(roomID, raw, nil)
	}
}

// Rooms summarizes every live room, sorted by name.
func (sm *SessionManager) Rooms() []models.RoomInfo {
	sm.mu.RLock()
	rooms := make([]*Room, 0, len(sm.rooms))
	counts := make(map[*Room]int, len(sm.rooms))
	for _, room := range sm.rooms {
		rooms = append(rooms, room)
		counts[room] = len(room.sessions)
	}
	sm.mu.RUnlock()

	out := make([]models.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, models.RoomInfo{
			Room:     room.ID,
			Sessions: counts[room],
			Peers:    len(room.Awareness.Clients()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// GetSessions describes the sessions connected to a room, oldest first.
func (sm *SessionManager) GetSessions(roomID string) []models.Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	room := sm.rooms[roomID]
	if room == nil {
		return []models.Session{}
	}
	result := make([]models.Session, 0, len(room.sessions))
	for session := range room.sessions {
		result = append(result, *session.Session)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ConnectedAt.Before(result[j].ConnectedAt)
	})
	return result
}

// DisconnectRoom closes every connection to a room and returns how many were
// closed. Editors reconnect on their own and resync from the room's replica.
func (sm *SessionManager) DisconnectRoom(roomID string) int {
	sm.mu.RLock()
	var conns []*Session
	if room := sm.rooms[roomID]; room != nil {
		for session := range room.sessions {
			conns = append(conns, session)
		}
	}
	sm.mu.RUnlock()

	for _, session := range conns {
		session.Conn.Close()
	}
	if len(conns) > 0 {
		sm.logger.Info().Str("room", roomID).Int("sessions", len(conns)).Msg("room disconnected")
	}
	return len(conns)
}

func (sm *SessionManager) maintenanceLoop() {
	defer sm.wg.Done()

	flush := time.NewTicker(sm.opts.FlushEvery)
	defer flush.Stop()
	sweep := time.NewTicker(sm.opts.AwarenessTimeout / 2)
	defer sweep.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-flush.C:
			sm.flushAll(context.Background())
		case <-sweep.C:
			sm.sweep()
		}
	}
}

func (sm *SessionManager) liveRooms() []*Room {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	rooms := make([]*Room, 0, len(sm.rooms))
	for _, room := range sm.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (sm *SessionManager) flushAll(ctx context.Context) {
	for _, room := range sm.liveRooms() {
		sm.persistRoom(ctx, room)
	}
}

// sweep times out presence states that stopped renewing and disconnects idle sessions.
func (sm *SessionManager) sweep() {
	for _, room := range sm.liveRooms() {
		if change := room.Awareness.SweepOutdated(sm.opts.AwarenessTimeout); !change.Empty() {
			frame := protocol.AwarenessFrame(room.Awareness.EncodeUpdate(change.Removed)).Encode()
			sm.Broadcast(room.ID, frame, nil)
		}
	}

	cutoff := time.Now().Add(-sm.opts.IdleTimeout)
	sm.mu.RLock()
	var idle []*Session
	for _, room := range sm.rooms {
		for s := range room.sessions {
			if s.LastActive().Before(cutoff) {
				idle = append(idle, s)
			}
		}
	}
	sm.mu.RUnlock()

	for _, s := range idle {
		sm.logger.Info().Str("session", s.ID).Msg("closing inactive session")
		s.Conn.Close()
	}
}

// Shutdown stops the hub, closes every connection and persists dirty rooms.
func (sm *SessionManager) Shutdown(ctx context.Context) {
	sm.shutdownOnce.Do(func() {
		sm.logger.Info().Msg("shutting down relay session manager")
		close(sm.done)

		sm.mu.Lock()
		var sessions []*Session
		for _, room := range sm.rooms {
			for s := range room.sessions {
				sessions = append(sessions, s)
			}
		}
		sm.mu.Unlock()

		for _, s := range sessions {
			s.stop()
		}
		sm.flushAll(ctx)
	})
	sm.wg.Wait()
	sm.logger.Info().Msg("relay session manager stopped")
}
