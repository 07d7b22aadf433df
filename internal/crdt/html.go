package crdt

import (
	"html"
	"strings"
	"unicode/utf8"

	nethtml "golang.org/x/net/html"
)

// Mark names understood by the HTML materializer, outermost first.
const (
	MarkAuthor    = "authorHighlight"
	MarkBold      = "bold"
	MarkItalic    = "italic"
	MarkUnderline = "underline"
	MarkStrike    = "strike"
	MarkCode      = "code"
)

var markOrder = []string{MarkAuthor, MarkBold, MarkItalic, MarkUnderline, MarkStrike, MarkCode}

var markTags = map[string]string{
	MarkBold:      "strong",
	MarkItalic:    "em",
	MarkUnderline: "u",
	MarkStrike:    "s",
	MarkCode:      "code",
}

var tagMarks = map[string]string{
	"strong": MarkBold,
	"b":      MarkBold,
	"em":     MarkItalic,
	"i":      MarkItalic,
	"u":      MarkUnderline,
	"s":      MarkStrike,
	"strike": MarkStrike,
	"del":    MarkStrike,
	"code":   MarkCode,
}

var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "blockquote": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

type openMark struct {
	key   string
	value string
}

func openTag(m openMark) string {
	if m.key == MarkAuthor {
		c := html.EscapeString(m.value)
		return `<span data-author-color="` + c + `" style="color: ` + c + `">`
	}
	return "<" + markTags[m.key] + ">"
}

func closeTag(m openMark) string {
	if m.key == MarkAuthor {
		return "</span>"
	}
	return "</" + markTags[m.key] + ">"
}

func orderedMarks(marks Marks) []openMark {
	out := make([]openMark, 0, len(marks))
	for _, key := range markOrder {
		if v := marks[key]; v != "" {
			out = append(out, openMark{key: key, value: v})
		}
	}
	return out
}

// HTML materializes the document as a sequence of paragraphs. Marks stay open across
// adjacent characters that share them, so one author's run becomes a single span.
// An empty document renders as "<p></p>".
func (d *Doc) HTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return renderHTML(d.visibleLocked())
}

func renderHTML(vis []*item) string {
	var b strings.Builder
	var stack []openMark
	closeAll := func() {
		for i := len(stack) - 1; i >= 0; i-- {
			b.WriteString(closeTag(stack[i]))
		}
		stack = stack[:0]
	}

	b.WriteString("<p>")
	for _, it := range vis {
		if it.isBlock() {
			closeAll()
			b.WriteString("</p><p>")
			continue
		}
		want := orderedMarks(it.visibleMarks())
		keep := 0
		for keep < len(stack) && keep < len(want) && stack[keep] == want[keep] {
			keep++
		}
		for i := len(stack) - 1; i >= keep; i-- {
			b.WriteString(closeTag(stack[i]))
		}
		stack = stack[:keep]
		for _, m := range want[keep:] {
			b.WriteString(openTag(m))
			stack = append(stack, m)
		}
		b.WriteString(html.EscapeString(it.content))
	}
	closeAll()
	b.WriteString("</p>")
	return b.String()
}

// Run is a stretch of text with uniform marks.
type Run struct {
	Text  string
	Marks Marks
}

// Paragraph is one block of parsed HTML.
type Paragraph []Run

// ParseHTML reads block-level HTML into paragraphs. Recognized inline tags become
// marks; other tags are transparent. Text outside any block forms its own paragraph.
func ParseHTML(fragment string) []Paragraph {
	var (
		paragraphs []Paragraph
		cur        Paragraph
		open       bool
		inline     []openMark
		inlineTags []string
	)
	finish := func() {
		paragraphs = append(paragraphs, cur)
		cur = nil
		open = false
	}
	current := func() Marks {
		m := make(Marks, len(inline))
		for _, om := range inline {
			if om.key != "" {
				m[om.key] = om.value
			}
		}
		return m
	}
	appendText := func(text string) {
		marks := current()
		if n := len(cur); n > 0 && cur[n-1].Marks.Equal(marks) {
			cur[n-1].Text += text
			return
		}
		cur = append(cur, Run{Text: text, Marks: marks})
	}

	z := nethtml.NewTokenizer(strings.NewReader(fragment))
	for {
		tt := z.Next()
		switch tt {
		case nethtml.ErrorToken:
			if open || len(cur) > 0 {
				finish()
			}
			return paragraphs
		case nethtml.TextToken:
			text := string(z.Text())
			if !open && strings.TrimSpace(text) == "" {
				continue
			}
			open = true
			appendText(text)
		case nethtml.StartTagToken, nethtml.SelfClosingTagToken:
			tok := z.Token()
			name := tok.Data
			switch {
			case blockTags[name]:
				if open && len(cur) > 0 {
					finish()
				}
				open = true
			case name == "br":
				if open {
					finish()
					open = true
				}
			case tt == nethtml.SelfClosingTagToken:
			case name == "span":
				om := openMark{}
				for _, a := range tok.Attr {
					if a.Key == "data-author-color" && a.Val != "" {
						om = openMark{key: MarkAuthor, value: a.Val}
					}
				}
				inline = append(inline, om)
				inlineTags = append(inlineTags, name)
			case tagMarks[name] != "":
				inline = append(inline, openMark{key: tagMarks[name], value: "true"})
				inlineTags = append(inlineTags, name)
			}
		case nethtml.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case blockTags[tag]:
				if open {
					finish()
				}
			default:
				for i := len(inlineTags) - 1; i >= 0; i-- {
					if inlineTags[i] == tag {
						inline = append(inline[:i], inline[i+1:]...)
						inlineTags = append(inlineTags[:i], inlineTags[i+1:]...)
						break
					}
				}
			}
		}
	}
}

func insertParagraphs(tx *Transaction, pos int, paragraphs []Paragraph) error {
	for i, p := range paragraphs {
		if i > 0 {
			if err := tx.Insert(pos, Block, Marks{}); err != nil {
				return err
			}
			pos++
		}
		for _, run := range p {
			if err := tx.Insert(pos, run.Text, run.Marks); err != nil {
				return err
			}
			pos += utf8.RuneCountInString(run.Text)
		}
	}
	return nil
}

// ReplaceHTML replaces the whole document with the parsed fragment in one transaction.
func (d *Doc) ReplaceHTML(origin Origin, fragment string) error {
	paragraphs := ParseHTML(fragment)
	return d.Transact(origin, func(tx *Transaction) error {
		if err := tx.Clear(); err != nil {
			return err
		}
		return insertParagraphs(tx, 0, paragraphs)
	})
}

// SeedIfEmpty loads fragment with OriginSeed when the document has no visible content.
// The emptiness check and the write happen in one transaction, so concurrent seeders
// on one replica cannot both write. It reports whether content was written.
func (d *Doc) SeedIfEmpty(fragment string) (bool, error) {
	paragraphs := ParseHTML(fragment)
	seeded := false
	err := d.Transact(OriginSeed, func(tx *Transaction) error {
		if tx.Len() > 0 {
			return nil
		}
		if err := insertParagraphs(tx, 0, paragraphs); err != nil {
			return err
		}
		seeded = tx.Len() > 0
		return nil
	})
	return seeded, err
}
