package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents an active WebSocket connection to a relay room
type Session struct {
	ID          string    `json:"id"`
	Room        string    `json:"room"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

func NewSession(room, remoteAddr string) *Session {
	return &Session{
		ID:          ksuid.New().String(),
		Room:        room,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
	}
}

// RoomInfo summarizes a live relay room.
type RoomInfo struct {
	Room     string `json:"room"`
	Sessions int    `json:"sessions"`
	Peers    int    `json:"peers"`
}
