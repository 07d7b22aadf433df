// Package content holds pure helpers over materialized scene HTML.
package content

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// EmptyDocument is the HTML an editor produces for a document with no text.
const EmptyDocument = "<p></p>"

// CountWords returns the number of whitespace separated words in the text of an HTML fragment.
// Block tags separate words, inline marks do not, and entities are decoded, so
// "<p>&nbsp;</p>" counts zero words and "a<b>c</b>" counts one.
func CountWords(fragment string) int {
	return len(strings.Fields(PlainText(fragment)))
}

// breaking lists the elements whose boundaries end a word.
var breaking = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Hr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Ul: true, atom.Ol: true, atom.Li: true,
	atom.Blockquote: true, atom.Pre: true,
	atom.Table: true, atom.Tr: true, atom.Td: true, atom.Th: true,
}

// PlainText extracts the decoded text of an HTML fragment, with a space in place
// of every block tag.
func PlainText(fragment string) string {
	if fragment == "" {
		return ""
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if breaking[atom.Lookup(name)] {
				b.WriteByte(' ')
			}
		}
	}
}

// IsBlank reports whether the fragment carries no visible text.
func IsBlank(fragment string) bool {
	return strings.TrimSpace(PlainText(fragment)) == ""
}
