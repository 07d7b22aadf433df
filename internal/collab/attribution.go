package collab

import (
	"plume-collab/internal/crdt"
)

// Attribution decides how text typed in a session is marked.
// It is either Owner or Collaborator.
type Attribution interface {
	isAttribution()
}

// Owner text carries no author highlight.
type Owner struct{}

// Collaborator text is highlighted with Color.
type Collaborator struct {
	Color string
}

func (Owner) isAttribution()        {}
func (Collaborator) isAttribution() {}

// ResolveAttribution picks the attribution for a session. Collaborators get a
// color from AuthorColors chosen by their user id, so it is stable across sessions.
func ResolveAttribution(id Identity) Attribution {
	if id.IsOwner() {
		return Owner{}
	}
	return Collaborator{Color: pick(AuthorColors, id.UserID)}
}

// StoredMarks returns the marks text typed next to inherited will carry.
func StoredMarks(a Attribution, inherited crdt.Marks) crdt.Marks {
	marks := inherited.Clone()
	switch a := a.(type) {
	case Collaborator:
		marks[crdt.MarkAuthor] = a.Color
	case Owner:
		delete(marks, crdt.MarkAuthor)
	}
	return marks
}

// AttributionHook enforces the session's attribution on every character typed
// locally, whatever marks it inherited. Remote and seeded text is left alone.
func AttributionHook(a Attribution) crdt.Hook {
	want := ""
	if c, ok := a.(Collaborator); ok {
		want = c.Color
	}
	return func(tx *crdt.Transaction) {
		if tx.Origin() != crdt.OriginLocal {
			return
		}
		for _, id := range tx.Inserted() {
			marks := tx.ItemMarks(id)
			if marks == nil || marks[crdt.MarkAuthor] == want {
				continue
			}
			tx.SetMark(id, crdt.MarkAuthor, want)
		}
	}
}

// FlattenAttribution removes every author highlight in one transaction and
// returns how many characters changed.
func FlattenAttribution(doc *crdt.Doc) (int, error) {
	changed := 0
	err := doc.Transact(crdt.OriginLocal, func(tx *crdt.Transaction) error {
		var positions []int
		tx.Walk(func(pos int, _ crdt.ID, _ string, marks crdt.Marks) {
			if marks[crdt.MarkAuthor] != "" {
				positions = append(positions, pos)
			}
		})
		for _, pos := range positions {
			if err := tx.Format(pos, 1, crdt.MarkAuthor, ""); err != nil {
				return err
			}
		}
		changed = len(positions)
		return nil
	})
	return changed, err
}
