package crdt

import "errors"

// OpKind is the type of a replicated operation.
type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
	OpFormat OpKind = 3
)

// Origin tags who caused a transaction.
type Origin int

const (
	// OriginLocal is an edit made by the user of this replica.
	OriginLocal Origin = iota
	// OriginRemote is content received from a peer.
	OriginRemote
	// OriginSeed is initial content loaded from durable storage. It replicates to peers
	// but is not a user edit.
	OriginSeed
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginSeed:
		return "seed"
	default:
		return "unknown"
	}
}

// Block separates paragraphs in the character sequence.
const Block = "\n"

var (
	ErrOutOfRange = errors.New("crdt: position out of range")
	ErrDestroyed  = errors.New("crdt: document destroyed")
	ErrMalformed  = errors.New("crdt: malformed update")
)

// Marks maps a mark name to its attribute value. An empty value means the mark is absent.
type Marks map[string]string

// Clone returns a copy without empty entries.
func (m Marks) Clone() Marks {
	out := make(Marks, len(m))
	for k, v := range m {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// Equal compares two mark sets ignoring empty entries.
func (m Marks) Equal(other Marks) bool {
	a, b := m.Clone(), other.Clone()
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Op is one replicated operation.
//
// Insert carries the inserted character (a single rune or Block), the ID of the
// character it was typed after (nil for the document start) and its initial marks.
// Delete tombstones Target. Format sets mark Key on Target to Value.
type Op struct {
	Kind    OpKind
	ID      ID
	Lamport uint64

	Origin  *ID
	Content string
	Marks   Marks

	Target ID
	Key    string
	Value  string
}

func (op Op) stamp() stamp {
	return stamp{lamport: op.Lamport, client: op.ID.Client}
}
