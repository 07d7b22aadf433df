package collab

import (
	"unicode/utf16"

	"plume-collab/internal/protocol"
)

// DefaultDisplayName is shown for users without a profile name.
const DefaultDisplayName = "Anonymous"

// AuthorColors is the palette collaborator text is highlighted with.
var AuthorColors = []string{"#2563eb", "#059669", "#dc2626", "#7c3aed"}

// PresenceColors is the palette for cursors and the collaborator list.
var PresenceColors = []string{
	"#7c3aed", "#2563eb", "#059669", "#d97706", "#dc2626",
	"#7c2d12", "#0891b2", "#4f46e5", "#be185d", "#65a30d",
}

// Identity is the user editing a scene plus the owner of the scene's project.
type Identity struct {
	UserID         string
	DisplayName    string
	ProjectOwnerID string
}

// IsOwner reports whether the user owns the project.
func (id Identity) IsOwner() bool {
	return id.UserID == id.ProjectOwnerID
}

// Name returns the display name, falling back to DefaultDisplayName.
func (id Identity) Name() string {
	if id.DisplayName == "" {
		return DefaultDisplayName
	}
	return id.DisplayName
}

// PresenceUser is the awareness payload this identity publishes.
func (id Identity) PresenceUser() protocol.User {
	key := id.UserID
	if key == "" {
		key = "default"
	}
	return protocol.User{Name: id.Name(), Color: pick(PresenceColors, key)}
}

// userIDHash reproduces the string hash the web editor computes, h = c + ((h << 5) - h),
// where the shift operates on the 32-bit truncation of h.
func userIDHash(s string) int64 {
	var h int64
	for _, c := range utf16.Encode([]rune(s)) {
		h = int64(c) + int64(int32(h)<<5) - h
	}
	if h < 0 {
		return -h
	}
	return h
}

func pick(palette []string, key string) string {
	return palette[userIDHash(key)%int64(len(palette))]
}
