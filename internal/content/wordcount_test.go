package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountWords(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int
	}{
		{name: "empty", input: "", expected: 0},
		{name: "simple paragraph", input: "<p>Hello world</p>", expected: 2},
		{name: "nbsp only", input: "<p>&nbsp;</p>", expected: 0},
		{name: "empty editor", input: EmptyDocument, expected: 0},
		{name: "tags separate words", input: "<p>Hello</p><p>world</p>", expected: 2},
		{name: "inline marks do not split", input: "<p>Hel<strong>lo</strong> there</p>", expected: 2},
		{name: "bold suffix joins", input: "a<b>c</b>", expected: 1},
		{name: "paragraphs split", input: "<p>a</p><p>b</p>", expected: 2},
		{name: "line break splits", input: "<p>one<br>two</p>", expected: 2},
		{name: "list items split", input: "<ul><li>milk</li><li>eggs</li></ul>", expected: 2},
		{name: "entities decoded", input: "<p>Tom &amp; Jerry &lt;3</p>", expected: 4},
		{name: "author spans", input: `<p><span data-author-color="#2563eb" style="color: #2563eb">un deux</span> trois</p>`, expected: 3},
		{name: "plain text", input: "  lone   words\tand\nlines ", expected: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CountWords(tt.input))
		})
	}
}

func TestCountWordsIsStable(t *testing.T) {
	doc := "<p>The quick brown fox</p><p>jumps</p>"
	first := CountWords(doc)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, CountWords(doc))
	}
}

func TestIsBlank(t *testing.T) {
	assert.True(t, IsBlank(""))
	assert.True(t, IsBlank(EmptyDocument))
	assert.True(t, IsBlank("<p>&nbsp;</p><p></p>"))
	assert.False(t, IsBlank("<p>x</p>"))
}
