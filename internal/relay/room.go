package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"plume-collab/internal/crdt"
	"plume-collab/internal/middleware"
	"plume-collab/internal/models"
	"plume-collab/internal/protocol"

	"go.opentelemetry.io/otel/attribute"
)

// MaxRoomName bounds room names to the snapshot key column.
const MaxRoomName = 128

var ErrInvalidRoom = errors.New("relay: invalid room name")

// Room is the relay's replica of one collaborative document plus the presence
// states of everyone connected to it.
type Room struct {
	ID        string
	Doc       *crdt.Doc
	Awareness *protocol.Awareness

	// guarded by SessionManager.mu
	sessions map[*Session]bool
	refs     int

	dirty    atomic.Bool
	loadOnce sync.Once
	loadErr  error
}

func newRoom(id string) *Room {
	return &Room{
		ID:        id,
		Doc:       crdt.NewDoc(crdt.NewClientID()),
		Awareness: protocol.NewAwareness(0),
		sessions:  make(map[*Session]bool),
	}
}

func validRoom(id string) error {
	if id == "" || len(id) > MaxRoomName {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, id)
	}
	return nil
}

// openRoom returns the live room id, loading it from its snapshot on first use.
// Every successful call must be paired with releaseRoom.
func (sm *SessionManager) openRoom(ctx context.Context, id string) (*Room, error) {
	if err := validRoom(id); err != nil {
		return nil, err
	}
	for {
		sm.mu.Lock()
		if ch, ok := sm.unloading[id]; ok {
			sm.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		room, ok := sm.rooms[id]
		if !ok {
			room = newRoom(id)
			sm.rooms[id] = room
			sm.metrics.Rooms.Inc()
		}
		room.refs++
		sm.mu.Unlock()

		room.loadOnce.Do(func() {
			room.loadErr = sm.loadRoom(ctx, room)
		})
		if room.loadErr != nil {
			sm.releaseRoom(room)
			return nil, room.loadErr
		}
		return room, nil
	}
}

func (sm *SessionManager) loadRoom(ctx context.Context, room *Room) error {
	if sm.snapshots != nil {
		ctx, span := middleware.StartSpan(ctx, "Relay.LoadRoom", attribute.String("room", room.ID))
		defer span.End()

		snap, err := sm.snapshots.LoadSnapshot(ctx, room.ID)
		if err != nil {
			sm.metrics.SnapshotFailures.Inc()
			middleware.AddSpanError(ctx, err)
			return fmt.Errorf("failed to load room %s: %w", room.ID, err)
		}
		if snap != nil && len(snap.State) > 0 {
			if err := room.Doc.ApplyUpdate(snap.State, crdt.OriginRemote); err != nil {
				sm.metrics.SnapshotFailures.Inc()
				sm.logger.Error().Err(err).Str("room", room.ID).Msg("discarding unreadable snapshot")
			} else {
				middleware.AddSpanEvent(ctx, "snapshot.applied", attribute.Int("snapshot.bytes", len(snap.State)))
			}
		}
	}
	// Ask other instances for anything the snapshot is missing.
	sm.publish(ctx, room.ID, protocol.Step1(room.Doc.EncodeStateVector()).Encode())
	return nil
}

// releaseRoom drops one reference. The last reference persists the room and
// unloads it; openRoom calls for the same id wait until that finishes.
func (sm *SessionManager) releaseRoom(room *Room) {
	sm.mu.Lock()
	room.refs--
	if room.refs > 0 {
		sm.mu.Unlock()
		return
	}
	delete(sm.rooms, room.ID)
	done := make(chan struct{})
	sm.unloading[room.ID] = done
	sm.mu.Unlock()
	sm.metrics.Rooms.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if room.loadErr == nil {
		sm.persistRoom(ctx, room)
	}
	cancel()
	room.Doc.Destroy()

	sm.mu.Lock()
	delete(sm.unloading, room.ID)
	sm.mu.Unlock()
	close(done)

	sm.logger.Debug().Str("room", room.ID).Msg("room unloaded")
}

// persistRoom writes the room snapshot if anything changed since the last write.
func (sm *SessionManager) persistRoom(ctx context.Context, room *Room) {
	if sm.snapshots == nil || !room.dirty.Swap(false) {
		return
	}
	ctx, span := middleware.StartSpan(ctx, "Relay.PersistRoom", attribute.String("room", room.ID))
	defer span.End()

	snap := &models.RoomSnapshot{
		Room:   room.ID,
		State:  room.Doc.EncodeStateAsUpdate(nil),
		Vector: room.Doc.EncodeStateVector(),
	}
	if err := sm.snapshots.SaveSnapshot(ctx, snap); err != nil {
		room.dirty.Store(true)
		sm.metrics.SnapshotFailures.Inc()
		middleware.AddSpanError(ctx, err)
		sm.logger.Error().Err(err).Str("room", room.ID).Msg("failed to save room snapshot")
		return
	}
	middleware.AddSpanEvent(ctx, "snapshot.saved", attribute.Int("snapshot.bytes", len(snap.State)))
	sm.logger.Debug().Str("room", room.ID).Int("bytes", len(snap.State)).Msg("room snapshot saved")
}

// ReplaceRoomContent overwrites a room's document with html and pushes the
// change to every connected peer. Rooms with no peers are loaded from their
// snapshot, rewritten and saved, so the next editor to join sees the content.
func (sm *SessionManager) ReplaceRoomContent(ctx context.Context, roomID, html string) error {
	ctx, span := middleware.StartSpan(ctx, "Relay.ReplaceRoomContent", attribute.String("room", roomID))
	defer span.End()

	room, err := sm.openRoom(ctx, roomID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	defer sm.releaseRoom(room)

	before := room.Doc.StateVector()
	if err := room.Doc.ReplaceHTML(crdt.OriginLocal, html); err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("failed to replace room content: %w", err)
	}
	room.dirty.Store(true)

	frame := protocol.Update(room.Doc.EncodeStateAsUpdate(before)).Encode()
	sm.Broadcast(room.ID, frame, nil)
	sm.publish(ctx, room.ID, frame)
	return nil
}
