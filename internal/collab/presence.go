package collab

import (
	"slices"
	"sort"
	"sync"

	"plume-collab/internal/crdt"
	"plume-collab/internal/protocol"
)

// Peer is another user present in the scene.
type Peer struct {
	ClientID crdt.ClientID `json:"client_id"`
	Name     string        `json:"name"`
	Color    string        `json:"color"`
}

// Collaborators lists the peers in states, excluding self and states without a
// user, ordered by client id.
func Collaborators(states map[crdt.ClientID]protocol.State, self crdt.ClientID) []Peer {
	peers := make([]Peer, 0, len(states))
	for id, s := range states {
		if id == self || s.User == nil {
			continue
		}
		peers = append(peers, Peer{ClientID: id, Name: s.User.Name, Color: s.User.Color})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ClientID < peers[j].ClientID })
	return peers
}

// PresenceView keeps the collaborator list of one awareness map current.
type PresenceView struct {
	mu        sync.Mutex
	awareness *protocol.Awareness
	peers     []Peer
	listeners []func([]Peer)
	off       func()
}

// NewPresenceView subscribes to awareness changes. Close releases the subscription.
func NewPresenceView(awareness *protocol.Awareness) *PresenceView {
	v := &PresenceView{awareness: awareness}
	v.peers = Collaborators(awareness.States(), awareness.Self())
	v.off = awareness.OnChange(func(protocol.Change) { v.refresh() })
	return v
}

func (v *PresenceView) refresh() {
	next := Collaborators(v.awareness.States(), v.awareness.Self())
	v.mu.Lock()
	if slices.Equal(next, v.peers) {
		v.mu.Unlock()
		return
	}
	v.peers = next
	listeners := slices.Clone(v.listeners)
	v.mu.Unlock()
	for _, fn := range listeners {
		fn(next)
	}
}

// Peers returns the current collaborator list.
func (v *PresenceView) Peers() []Peer {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.peers)
}

// Subscribe calls fn whenever the visible list changes.
func (v *PresenceView) Subscribe(fn func([]Peer)) {
	v.mu.Lock()
	v.listeners = append(v.listeners, fn)
	v.mu.Unlock()
}

func (v *PresenceView) Close() {
	v.off()
}
