package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyDocRendersEmptyParagraph(t *testing.T) {
	assert.Equal(t, "<p></p>", NewDoc(1).HTML())
}

func TestHTMLRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		html string
	}{
		{name: "plain", html: "<p>Hello world</p>"},
		{name: "paragraphs", html: "<p>one</p><p></p><p>three</p>"},
		{name: "marks", html: "<p>a <strong>bold <em>move</em></strong> here</p>"},
		{name: "author span", html: `<p><span data-author-color="#2563eb" style="color: #2563eb">mine</span> yours</p>`},
		{name: "author with bold inside", html: `<p><span data-author-color="#059669" style="color: #059669">ab<strong>cd</strong></span></p>`},
		{name: "escaped", html: "<p>1 &lt; 2 &amp;&amp; 3 &gt; 2</p>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDoc(1)
			require.NoError(t, d.ReplaceHTML(OriginLocal, tt.html))
			assert.Equal(t, tt.html, d.HTML())
		})
	}
}

func TestParseHTMLNormalizes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "bare text", input: "hello", expected: "<p>hello</p>"},
		{name: "b and i", input: "<p><b>x</b><i>y</i></p>", expected: "<p><strong>x</strong><em>y</em></p>"},
		{name: "headings become paragraphs", input: "<h1>Title</h1><p>body</p>", expected: "<p>Title</p><p>body</p>"},
		{name: "nested list", input: "<ul><li><p>one</p></li><li><p>two</p></li></ul>", expected: "<p>one</p><p>two</p>"},
		{name: "plain span is transparent", input: "<p><span class=\"x\">a</span>b</p>", expected: "<p>ab</p>"},
		{name: "empty", input: "", expected: "<p></p>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDoc(1)
			require.NoError(t, d.ReplaceHTML(OriginLocal, tt.input))
			assert.Equal(t, tt.expected, d.HTML())
		})
	}
}

func TestReplaceHTMLReachesPeers(t *testing.T) {
	a, b := NewDoc(1), NewDoc(2)
	insert(t, a, 0, "old text")
	require.NoError(t, b.ApplyUpdate(a.EncodeStateAsUpdate(nil), OriginRemote))

	rec := record(a)
	require.NoError(t, a.ReplaceHTML(OriginLocal, "<p>new</p>"))
	require.Len(t, rec.updates, 1)
	require.NoError(t, b.ApplyUpdate(rec.updates[0], OriginRemote))
	assert.Equal(t, "<p>new</p>", b.HTML())
}

func TestTypingInheritsMarksOfLeftNeighbour(t *testing.T) {
	d := NewDoc(1)
	require.NoError(t, d.ReplaceHTML(OriginLocal, "<p><strong>bo</strong></p>"))
	insert(t, d, 2, "ld")
	assert.Equal(t, "<p><strong>bold</strong></p>", d.HTML())

	// at the start of a block the next character is used
	insert(t, d, 0, "X")
	assert.Equal(t, "<p><strong>Xbold</strong></p>", d.HTML())

	// explicit empty marks do not inherit
	require.NoError(t, d.Transact(OriginLocal, func(tx *Transaction) error {
		return tx.Insert(5, "!", Marks{})
	}))
	assert.Equal(t, "<p><strong>Xbold</strong>!</p>", d.HTML())
}
