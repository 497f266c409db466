package conversation

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// PlainText strips Markdown formatting from a model reply so the host
// can speak it. Emphasis markers, headings, link targets, list bullets
// and HTML are dropped; their text content is kept.
func PlainText(src string) string {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(source))
				switch {
				case node.HardLineBreak():
					b.WriteByte('\n')
				case node.SoftLineBreak() && node.NextSibling() != nil:
					b.WriteByte(' ')
				}
			}
			return ast.WalkContinue, nil

		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
			return ast.WalkContinue, nil

		case *ast.AutoLink:
			if entering {
				b.Write(node.Label(source))
			}
			return ast.WalkSkipChildren, nil

		case *ast.RawHTML, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil

		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := range lines.Len() {
					seg := lines.At(i)
					b.Write(seg.Value(source))
				}
				if n.NextSibling() != nil {
					b.WriteByte('\n')
				}
			}
			return ast.WalkSkipChildren, nil
		}

		if !entering && n.Type() == ast.TypeBlock && n.NextSibling() != nil {
			b.WriteByte('\n')
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(b.String())
}
