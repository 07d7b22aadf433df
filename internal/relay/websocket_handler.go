package relay

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"plume-collab/internal/middleware"
	"plume-collab/internal/protocol"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// WebSocketHandler upgrades relay connections and attaches them to rooms.
type WebSocketHandler struct {
	sessionManager *SessionManager
	upgrader       websocket.Upgrader
}

// NewWebSocketHandler accepts connections from allowedOrigin, or from any
// origin when it is empty or "*".
func NewWebSocketHandler(sessionManager *SessionManager, allowedOrigin string) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigin),
		},
	}
}

func checkOrigin(allowed string) func(*http.Request) bool {
	if allowed == "" || allowed == "*" {
		return func(*http.Request) bool { return true }
	}
	want, err := url.Parse(allowed)
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		got, perr := url.Parse(origin)
		return err == nil && perr == nil && got.Scheme == want.Scheme && got.Host == want.Host
	}
}

// HandleRoomConnection serves /ws/room/{room}.
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["room"]
	// The request context ends when this handler returns; the pumps outlive it.
	ctx := context.WithoutCancel(r.Context())
	logger := h.sessionManager.logger

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("room", roomID),
		attribute.String("remote.addr", r.RemoteAddr),
	)
	defer span.End()

	room, err := h.sessionManager.openRoom(r.Context(), roomID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		if errors.Is(err, ErrInvalidRoom) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Error().Err(err).Str("room", roomID).Msg("failed to open room")
		http.Error(w, "room unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Str("room", roomID).Msg("failed to upgrade websocket")
		middleware.AddSpanError(ctx, err)
		h.sessionManager.releaseRoom(room)
		return
	}

	session := newSession(h.sessionManager, room, conn, r.RemoteAddr)
	if err := h.sessionManager.join(r.Context(), session); err != nil {
		middleware.AddSpanError(ctx, err)
		conn.Close()
		h.sessionManager.releaseRoom(room)
		return
	}

	h.sendInitialState(session)

	go session.WritePump()
	go session.ReadPump(ctx)

	logger.Debug().Str("room", roomID).Str("session", session.ID).Msg("websocket connection established")
}

// sendInitialState opens the sync handshake and shares who is already here.
func (h *WebSocketHandler) sendInitialState(session *Session) {
	room := session.room
	session.enqueue(protocol.Step1(room.Doc.EncodeStateVector()).Encode())
	if clients := room.Awareness.Clients(); len(clients) > 0 {
		session.enqueue(protocol.AwarenessFrame(room.Awareness.EncodeUpdate(clients)).Encode())
	}
}
