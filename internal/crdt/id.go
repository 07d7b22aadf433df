package crdt

import (
	"fmt"
	"math/rand"
	"sort"
)

// ClientID identifies one replica of a document. It is random per document instance
// and doubles as the replica's awareness id on the wire.
type ClientID uint32

// NewClientID returns a random non-zero client id.
func NewClientID() ClientID {
	for {
		if id := ClientID(rand.Uint32()); id != 0 {
			return id
		}
	}
}

// ID names one operation: the issuing client plus that client's operation counter.
// Insert operations also use their ID as the identity of the inserted character.
type ID struct {
	Client ClientID
	Clock  uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

// StateVector maps each client to the number of its operations a replica has integrated.
type StateVector map[ClientID]uint64

// Clone returns a deep copy of the state vector.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for client, clock := range sv {
		out[client] = clock
	}
	return out
}

// Covers reports whether the receiver has seen every operation counted by other.
func (sv StateVector) Covers(other StateVector) bool {
	for client, clock := range other {
		if sv[client] < clock {
			return false
		}
	}
	return true
}

func (sv StateVector) clients() []ClientID {
	out := make([]ClientID, 0, len(sv))
	for client := range sv {
		out = append(out, client)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// stamp orders concurrent writes: higher lamport wins, ties go to the higher client id.
type stamp struct {
	lamport uint64
	client  ClientID
}

func (s stamp) greater(other stamp) bool {
	if s.lamport != other.lamport {
		return s.lamport > other.lamport
	}
	return s.client > other.client
}
