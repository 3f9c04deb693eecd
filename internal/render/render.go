// ABOUTME: Renders markdown message bodies as terminal text
// ABOUTME: Walks the goldmark AST and styles emphasis, code and links with fatih/color

package render

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Renderer turns markdown into plain terminal text. With color disabled the
// output carries no escape sequences.
type Renderer struct {
	md    goldmark.Markdown
	color bool
}

// New creates a renderer. Pass color.NoColor negated to follow the terminal.
func New(useColor bool) *Renderer {
	return &Renderer{md: goldmark.New(), color: useColor}
}

// Render converts src. Block elements end up on their own lines and trailing
// newlines are trimmed.
func (r *Renderer) Render(src string) string {
	source := []byte(src)
	doc := r.md.Parser().Parse(text.NewReader(source))

	w := &writer{source: source, color: r.color}
	_ = ast.Walk(doc, w.visit)
	return strings.TrimRight(w.buf.String(), "\n")
}

type writer struct {
	source []byte
	color  bool
	buf    bytes.Buffer
	styles []color.Attribute
	indent int

	// afterBullet suppresses the line break a list item's first block would add.
	afterBullet bool
}

func (w *writer) write(s string) {
	if s == "" {
		return
	}
	w.afterBullet = false
	if w.color && len(w.styles) > 0 {
		c := color.New(w.styles...)
		c.EnableColor()
		s = c.Sprint(s)
	}
	w.buf.WriteString(s)
}

func (w *writer) push(attrs ...color.Attribute) {
	w.styles = append(w.styles, attrs...)
}

func (w *writer) pop(n int) {
	w.styles = w.styles[:max(0, len(w.styles)-n)]
}

func (w *writer) newline() {
	if w.afterBullet {
		return
	}
	if w.buf.Len() > 0 && !bytes.HasSuffix(w.buf.Bytes(), []byte("\n")) {
		w.buf.WriteByte('\n')
	}
}

func (w *writer) lines(segs *text.Segments) {
	for i := range segs.Len() {
		seg := segs.At(i)
		w.write(strings.TrimRight(string(seg.Value(w.source)), "\n"))
		w.buf.WriteByte('\n')
	}
}

func (w *writer) visit(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Text:
		if !entering {
			return ast.WalkContinue, nil
		}
		w.write(string(node.Segment.Value(w.source)))
		if node.SoftLineBreak() || node.HardLineBreak() {
			w.buf.WriteByte('\n')
		}

	case *ast.String:
		if entering {
			w.write(string(node.Value))
		}

	case *ast.CodeSpan:
		if entering {
			var code strings.Builder
			for c := node.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					code.Write(t.Segment.Value(w.source))
				}
			}
			w.push(color.FgCyan)
			w.write(code.String())
			w.pop(1)
		}
		return ast.WalkSkipChildren, nil

	case *ast.Emphasis:
		attr := color.Italic
		if node.Level >= 2 {
			attr = color.Bold
		}
		if entering {
			w.push(attr)
		} else {
			w.pop(1)
		}

	case *ast.Link:
		if entering {
			w.push(color.Underline)
			return ast.WalkContinue, nil
		}
		w.pop(1)
		dest := string(node.Destination)
		if dest != "" && dest != linkText(node, w.source) {
			w.write(" (" + dest + ")")
		}

	case *ast.AutoLink:
		if entering {
			w.push(color.Underline)
			w.write(string(node.URL(w.source)))
			w.pop(1)
		}
		return ast.WalkSkipChildren, nil

	case *ast.RawHTML:
		if entering {
			for i := range node.Segments.Len() {
				seg := node.Segments.At(i)
				w.write(string(seg.Value(w.source)))
			}
		}
		return ast.WalkSkipChildren, nil

	case *ast.Heading:
		if entering {
			w.newline()
			w.push(color.Bold)
		} else {
			w.pop(1)
			w.newline()
		}

	case *ast.Paragraph, *ast.TextBlock:
		w.newline()

	case *ast.Blockquote:
		if entering {
			w.newline()
			w.push(color.Faint)
		} else {
			w.pop(1)
		}

	case *ast.List:
		if entering {
			w.newline()
			w.indent++
		} else {
			w.indent--
		}

	case *ast.ListItem:
		if entering {
			w.newline()
			w.buf.WriteString(strings.Repeat("  ", max(0, w.indent-1)))
			w.buf.WriteString(bullet(node))
			w.afterBullet = true
		}

	case *ast.FencedCodeBlock:
		if entering {
			w.newline()
			w.push(color.FgCyan)
			w.lines(node.Lines())
			w.pop(1)
		}
		return ast.WalkSkipChildren, nil

	case *ast.CodeBlock:
		if entering {
			w.newline()
			w.push(color.FgCyan)
			w.lines(node.Lines())
			w.pop(1)
		}
		return ast.WalkSkipChildren, nil

	case *ast.HTMLBlock:
		if entering {
			w.newline()
			w.lines(node.Lines())
		}
		return ast.WalkSkipChildren, nil

	case *ast.ThematicBreak:
		if entering {
			w.newline()
			w.write("───")
			w.buf.WriteByte('\n')
		}
	}
	return ast.WalkContinue, nil
}

func bullet(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "• "
	}
	idx := 0
	for p := item.PreviousSibling(); p != nil; p = p.PreviousSibling() {
		idx++
	}
	return strconv.Itoa(list.Start+idx) + ". "
}

func linkText(link *ast.Link, source []byte) string {
	var b strings.Builder
	for c := link.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(source))
		}
	}
	return b.String()
}
