package models

import (
	"time"
)

/*
ROOM SNAPSHOTS

The relay keeps every room's replicated document in memory while peers are
connected. When a room goes quiet its full state is encoded as one update and
stored here, so the next peer to join gets the history even if no editor has
flushed an autosave yet.

  peer edits -> relay doc (dirty) -> periodic flush -> room_snapshots
  first join -> load snapshot -> apply to fresh relay doc -> sync step 2

Scenes stay the source of truth; a snapshot is a cache of the relay's view.
*/

// RoomSnapshot stores the encoded state of one relay room.
type RoomSnapshot struct {
	Room      string    `gorm:"type:varchar(128);primaryKey" json:"room"`
	State     []byte    `gorm:"type:bytea;not null" json:"-"`
	Vector    []byte    `gorm:"type:bytea" json:"-"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName override
func (RoomSnapshot) TableName() string {
	return "room_snapshots"
}
