package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"plume-collab/internal/crdt"

	"google.golang.org/protobuf/encoding/protowire"
)

// User is the presence payload every editor publishes.
type User struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// State is one client's awareness state. A nil User means the client published
// a state without identity.
type State struct {
	User *User `json:"user,omitempty"`
}

// Entry is one awareness record on the wire. A nil State announces removal.
type Entry struct {
	Client crdt.ClientID
	Clock  uint64
	State  *State
}

type meta struct {
	clock   uint64
	updated time.Time
}

// ChangeOrigin says what caused an awareness change.
type ChangeOrigin int

const (
	ChangeLocal ChangeOrigin = iota
	ChangeRemote
	ChangeTimeout
)

// Change lists the clients whose state appeared, changed or vanished.
type Change struct {
	Added   []crdt.ClientID
	Updated []crdt.ClientID
	Removed []crdt.ClientID
	Origin  ChangeOrigin
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) == 0
}

// Clients returns every client named in the change.
func (c Change) Clients() []crdt.ClientID {
	out := make([]crdt.ClientID, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

// Awareness tracks the presence states of every client in one room, including
// this replica's own state. States are versioned by a per-client clock; the
// higher clock wins.
type Awareness struct {
	mu       sync.Mutex
	self     crdt.ClientID
	states   map[crdt.ClientID]State
	meta     map[crdt.ClientID]meta
	now      func() time.Time
	handle   int
	onChange map[int]func(Change)
}

// NewAwareness returns an empty awareness map for the replica self.
// The relay uses client id zero, which never publishes a state.
func NewAwareness(self crdt.ClientID) *Awareness {
	return &Awareness{
		self:     self,
		states:   make(map[crdt.ClientID]State),
		meta:     make(map[crdt.ClientID]meta),
		now:      time.Now,
		onChange: make(map[int]func(Change)),
	}
}

// Self returns the local client id.
func (a *Awareness) Self() crdt.ClientID {
	return a.self
}

// OnChange registers fn for every non-empty change. The returned func unregisters it.
func (a *Awareness) OnChange(fn func(Change)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.handle
	a.handle++
	a.onChange[h] = fn
	return func() {
		a.mu.Lock()
		delete(a.onChange, h)
		a.mu.Unlock()
	}
}

func (a *Awareness) emit(c Change) {
	if c.Empty() {
		return
	}
	a.mu.Lock()
	handles := make([]int, 0, len(a.onChange))
	for h := range a.onChange {
		handles = append(handles, h)
	}
	sort.Ints(handles)
	fns := make([]func(Change), 0, len(handles))
	for _, h := range handles {
		fns = append(fns, a.onChange[h])
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// SetLocalState publishes this replica's state. A nil state withdraws it.
func (a *Awareness) SetLocalState(state *State) {
	a.mu.Lock()
	m := a.meta[a.self]
	m.clock++
	m.updated = a.now()
	a.meta[a.self] = m
	_, existed := a.states[a.self]
	c := Change{Origin: ChangeLocal}
	switch {
	case state == nil && existed:
		delete(a.states, a.self)
		c.Removed = []crdt.ClientID{a.self}
	case state == nil:
	case existed:
		a.states[a.self] = cloneState(*state)
		c.Updated = []crdt.ClientID{a.self}
	default:
		a.states[a.self] = cloneState(*state)
		c.Added = []crdt.ClientID{a.self}
	}
	a.mu.Unlock()
	a.emit(c)
}

// LocalState returns this replica's published state, if any.
func (a *Awareness) LocalState() (State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.states[a.self]
	return s, ok
}

// Renew republishes the local state with a fresh clock so peers do not time it out.
// It reports whether there was a state to renew.
func (a *Awareness) Renew() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.states[a.self]; !ok {
		return false
	}
	m := a.meta[a.self]
	m.clock++
	m.updated = a.now()
	a.meta[a.self] = m
	return true
}

// States returns a copy of every known state, the local one included.
func (a *Awareness) States() map[crdt.ClientID]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[crdt.ClientID]State, len(a.states))
	for id, s := range a.states {
		out[id] = cloneState(s)
	}
	return out
}

// Clients returns the ids with a live state, ascending.
func (a *Awareness) Clients() []crdt.ClientID {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]crdt.ClientID, 0, len(a.states))
	for id := range a.states {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ApplyUpdate merges an awareness payload received from a peer. Entries about the
// local client are ignored. It returns the resulting change.
func (a *Awareness) ApplyUpdate(payload []byte) (Change, error) {
	entries, err := DecodeAwareness(payload)
	if err != nil {
		return Change{}, err
	}
	c := Change{Origin: ChangeRemote}
	now := a.now()
	a.mu.Lock()
	for _, e := range entries {
		if e.Client == a.self {
			continue
		}
		m, known := a.meta[e.Client]
		_, live := a.states[e.Client]
		if known && e.Clock < m.clock {
			continue
		}
		if known && e.Clock == m.clock && !(e.State == nil && live) {
			continue
		}
		a.meta[e.Client] = meta{clock: e.Clock, updated: now}
		switch {
		case e.State == nil && live:
			delete(a.states, e.Client)
			c.Removed = append(c.Removed, e.Client)
		case e.State == nil:
		case live:
			prev := a.states[e.Client]
			a.states[e.Client] = cloneState(*e.State)
			if !sameState(prev, *e.State) {
				c.Updated = append(c.Updated, e.Client)
			}
		default:
			a.states[e.Client] = cloneState(*e.State)
			c.Added = append(c.Added, e.Client)
		}
	}
	a.mu.Unlock()
	a.emit(c)
	return c, nil
}

// EncodeUpdate returns the wire entries for clients. Clients without a live state
// are encoded as removals; unknown clients are skipped.
func (a *Awareness) EncodeUpdate(clients []crdt.ClientID) []byte {
	a.mu.Lock()
	entries := make([]Entry, 0, len(clients))
	for _, id := range clients {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		e := Entry{Client: id, Clock: m.clock}
		if s, live := a.states[id]; live {
			cp := cloneState(s)
			e.State = &cp
		}
		entries = append(entries, e)
	}
	a.mu.Unlock()
	return EncodeAwareness(entries)
}

// RemoveStates drops the given remote clients and returns what changed. Their clocks
// stay as they were: a removal re-encoded from this map carries the clock of the last
// state peers saw, which ApplyUpdate accepts, and the owner's next state after a
// reconnect still wins.
func (a *Awareness) RemoveStates(clients []crdt.ClientID, origin ChangeOrigin) Change {
	c := Change{Origin: origin}
	a.mu.Lock()
	for _, id := range clients {
		if id == a.self {
			continue
		}
		if _, live := a.states[id]; !live {
			continue
		}
		delete(a.states, id)
		c.Removed = append(c.Removed, id)
	}
	a.mu.Unlock()
	a.emit(c)
	return c
}

// RemoveRemote clears every state except the local one.
func (a *Awareness) RemoveRemote() Change {
	a.mu.Lock()
	var ids []crdt.ClientID
	for id := range a.states {
		if id != a.self {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return a.RemoveStates(ids, ChangeLocal)
}

// SweepOutdated removes remote states not renewed within timeout.
func (a *Awareness) SweepOutdated(timeout time.Duration) Change {
	now := a.now()
	a.mu.Lock()
	var stale []crdt.ClientID
	for id := range a.states {
		if id == a.self {
			continue
		}
		if now.Sub(a.meta[id].updated) >= timeout {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return a.RemoveStates(stale, ChangeTimeout)
}

func cloneState(s State) State {
	if s.User == nil {
		return State{}
	}
	u := *s.User
	return State{User: &u}
}

func sameState(a, b State) bool {
	if a.User == nil || b.User == nil {
		return a.User == nil && b.User == nil
	}
	return *a.User == *b.User
}

const (
	fieldEntries     = 1
	fieldEntryClient = 1
	fieldEntryClock  = 2
	fieldEntryState  = 3
)

// EncodeAwareness returns the wire form of entries.
func EncodeAwareness(entries []Entry) []byte {
	var b []byte
	for _, e := range entries {
		state := []byte("null")
		if e.State != nil {
			// State only holds strings, so marshalling cannot fail.
			state, _ = json.Marshal(e.State)
		}
		var m []byte
		m = protowire.AppendTag(m, fieldEntryClient, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(e.Client))
		m = protowire.AppendTag(m, fieldEntryClock, protowire.VarintType)
		m = protowire.AppendVarint(m, e.Clock)
		m = protowire.AppendTag(m, fieldEntryState, protowire.BytesType)
		m = protowire.AppendBytes(m, state)
		b = protowire.AppendTag(b, fieldEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// DecodeAwareness parses an awareness payload.
func DecodeAwareness(b []byte) ([]Entry, error) {
	var entries []Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldEntries || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		e, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	var state []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Entry{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldEntryClient && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			e.Client = crdt.ClientID(v)
			b = b[n:]
		case num == fieldEntryClock && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			e.Clock = v
			b = b[n:]
		case num == fieldEntryState && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			state = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Entry{}, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if len(state) > 0 && string(state) != "null" {
		var s State
		if err := json.Unmarshal(state, &s); err != nil {
			return Entry{}, fmt.Errorf("%w: awareness state for %d: %v", ErrMalformedFrame, e.Client, err)
		}
		e.State = &s
	}
	return e, nil
}
