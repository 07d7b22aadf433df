package collab

import (
	"testing"

	"plume-collab/internal/crdt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const teal = "#059669"

func typeAt(t *testing.T, doc *crdt.Doc, a Attribution, pos int, text string) {
	t.Helper()
	marks := StoredMarks(a, doc.InheritedMarks(pos))
	require.NoError(t, doc.Transact(crdt.OriginLocal, func(tx *crdt.Transaction) error {
		return tx.Insert(pos, text, marks)
	}))
}

func TestResolveAttribution(t *testing.T) {
	assert.Equal(t, Owner{}, ResolveAttribution(Identity{UserID: "u1", ProjectOwnerID: "u1"}))

	a := ResolveAttribution(Identity{UserID: "u2", ProjectOwnerID: "u1"})
	c, ok := a.(Collaborator)
	require.True(t, ok)
	assert.Contains(t, AuthorColors, c.Color)
	assert.Equal(t, a, ResolveAttribution(Identity{UserID: "u2", ProjectOwnerID: "someone-else"}))
}

func TestCollaboratorTypingIsOneSpan(t *testing.T) {
	doc := crdt.NewDoc(1)
	a := Collaborator{Color: teal}
	defer doc.AddHook(AttributionHook(a))()

	typeAt(t, doc, a, 0, "abc")
	typeAt(t, doc, a, 3, "def")

	assert.Equal(t, `<p><span data-author-color="#059669" style="color: #059669">abcdef</span></p>`, doc.HTML())
}

func TestHookColorsCollaboratorTextEvenWithoutStoredMarks(t *testing.T) {
	doc := crdt.NewDoc(1)
	defer doc.AddHook(AttributionHook(Collaborator{Color: teal}))()

	require.NoError(t, doc.Transact(crdt.OriginLocal, func(tx *crdt.Transaction) error {
		return tx.Insert(0, "hi", nil)
	}))
	marks, err := doc.MarksAt(0)
	require.NoError(t, err)
	assert.Equal(t, teal, marks[crdt.MarkAuthor])
}

func TestOwnerTypingInsideCollaboratorTextIsUnmarked(t *testing.T) {
	doc := crdt.NewDoc(1)
	typeAt(t, doc, Collaborator{Color: teal}, 0, "theirs")

	owner := Owner{}
	defer doc.AddHook(AttributionHook(owner))()
	typeAt(t, doc, owner, 3, "MINE")

	assert.Equal(t,
		`<p><span data-author-color="#059669" style="color: #059669">the</span>MINE<span data-author-color="#059669" style="color: #059669">irs</span></p>`,
		doc.HTML())
}

func TestOwnerKeepsOtherInheritedMarks(t *testing.T) {
	doc := crdt.NewDoc(1)
	require.NoError(t, doc.Transact(crdt.OriginLocal, func(tx *crdt.Transaction) error {
		return tx.Insert(0, "x", crdt.Marks{crdt.MarkAuthor: teal, crdt.MarkBold: "true"})
	}))

	marks := StoredMarks(Owner{}, doc.InheritedMarks(1))
	assert.Equal(t, crdt.Marks{crdt.MarkBold: "true"}, marks)
}

func TestHookIgnoresRemoteAndSeededText(t *testing.T) {
	source := crdt.NewDoc(2)
	var update []byte
	source.OnUpdate(func(u []byte, _ crdt.Origin) { update = u })
	require.NoError(t, source.Transact(crdt.OriginLocal, func(tx *crdt.Transaction) error {
		return tx.Insert(0, "remote", nil)
	}))

	doc := crdt.NewDoc(1)
	defer doc.AddHook(AttributionHook(Collaborator{Color: teal}))()
	require.NoError(t, doc.ApplyUpdate(update, crdt.OriginRemote))
	assert.Equal(t, "<p>remote</p>", doc.HTML())

	seeded := crdt.NewDoc(3)
	defer seeded.AddHook(AttributionHook(Collaborator{Color: teal}))()
	ok, err := seeded.SeedIfEmpty("<p>seed</p>")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<p>seed</p>", seeded.HTML())
}

func TestFlattenAttributionRemovesEveryColor(t *testing.T) {
	doc := crdt.NewDoc(1)
	typeAt(t, doc, Collaborator{Color: teal}, 0, "one ")
	typeAt(t, doc, Collaborator{Color: "#dc2626"}, 4, "two")
	require.NoError(t, doc.Transact(crdt.OriginLocal, func(tx *crdt.Transaction) error {
		return tx.Format(0, 3, crdt.MarkBold, "true")
	}))

	var events int
	defer doc.OnChange(func(crdt.ChangeEvent) { events++ })()

	n, err := FlattenAttribution(doc)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 1, events)
	assert.Equal(t, "<p><strong>one</strong> two</p>", doc.HTML())

	n, err = FlattenAttribution(doc)
	require.NoError(t, err)
	assert.Zero(t, n)
}
