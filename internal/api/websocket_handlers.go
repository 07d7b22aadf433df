package api

import (
	"net/http"
)

// RoomConnector accepts relay WebSocket connections.
type RoomConnector interface {
	HandleRoomConnection(w http.ResponseWriter, r *http.Request)
}

// roomWebSocket hands /ws/room/{room} to the relay.
func roomWebSocket(relay RoomConnector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		relay.HandleRoomConnection(w, r)
	}
}
