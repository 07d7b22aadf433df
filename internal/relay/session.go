package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"plume-collab/internal/crdt"
	"plume-collab/internal/middleware"
	"plume-collab/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var ErrShutdown = errors.New("relay: shutting down")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 8 << 20
)

// Session represents an active WebSocket connection
type Session struct {
	*models.Session
	Conn    *websocket.Conn
	Send    chan []byte // Buffered channel for outbound frames
	Manager *SessionManager

	room       *Room
	registered chan struct{}
	quit       chan struct{}
	stopOnce   sync.Once
	lastActive atomic.Int64

	mu      sync.Mutex
	clients map[crdt.ClientID]struct{} // awareness ids announced on this connection
}

func newSession(sm *SessionManager, room *Room, conn *websocket.Conn, remoteAddr string) *Session {
	s := &Session{
		Session:    models.NewSession(room.ID, remoteAddr),
		Conn:       conn,
		Send:       make(chan []byte, sm.opts.SendBuffer),
		Manager:    sm,
		room:       room,
		registered: make(chan struct{}),
		quit:       make(chan struct{}),
		clients:    make(map[crdt.ClientID]struct{}),
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive is when the peer last sent anything, pongs included.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) own(id crdt.ClientID) {
	s.mu.Lock()
	s.clients[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) ownedClients() []crdt.ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crdt.ClientID, 0, len(s.clients))
	for id := range s.clients {
		out = append(out, id)
	}
	return out
}

// stop ends the write pump, which sends a close frame and closes the socket.
func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}

// enqueue queues a frame without blocking. A session that cannot keep up is
// disconnected.
func (s *Session) enqueue(message []byte) {
	select {
	case <-s.quit:
		return
	default:
	}
	select {
	case s.Send <- message:
	case <-s.quit:
	default:
		s.Manager.logger.Warn().Str("session", s.ID).Msg("send buffer full, closing connection")
		s.Manager.metrics.DroppedSessions.Inc()
		s.Conn.Close()
	}
}

// ReadPump reads frames from the WebSocket connection until it fails, then
// unregisters the session.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		select {
		case s.Manager.unregister <- s:
		case <-s.Manager.done:
		}
		s.Conn.Close()
	}()

	s.Conn.SetReadLimit(maxFrame)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()
		return nil
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.Manager.logger.Warn().Err(err).Str("session", s.ID).Msg("websocket read failed")
			}
			return
		}
		s.touch()
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessFrame",
			attribute.String("session.id", s.ID),
			attribute.String("room", s.Room),
			attribute.Int("frame.size", len(message)),
		)
		if err := s.Manager.handleFrame(msgCtx, s, message); err != nil {
			middleware.AddSpanError(msgCtx, err)
			s.Manager.logger.Warn().Err(err).Str("session", s.ID).Msg("rejected frame")
		}
		span.End()
	}
}

// WritePump owns all writes to the connection. Each frame is one binary message.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-s.quit:
			s.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
