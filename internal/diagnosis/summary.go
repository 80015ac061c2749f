package diagnosis

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// Summary returns the first line of plain text in a (possibly markdown)
// diagnosis, with emphasis and heading markers stripped. It is used for the
// one-line note written back to the task source.
func Summary(diagnosis string) string {
	source := []byte(diagnosis)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var line string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindParagraph, ast.KindHeading, ast.KindTextBlock, ast.KindCodeBlock, ast.KindFencedCodeBlock:
			block := blockText(n, source)
			if first := firstLine(block); first != "" {
				line = first
				return ast.WalkStop, nil
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	if line == "" {
		return firstLine(diagnosis)
	}
	return line
}

// blockText flattens a block node to plain text, keeping soft line breaks.
func blockText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	if n.Kind() == ast.KindCodeBlock || n.Kind() == ast.KindFencedCodeBlock {
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(source))
		}
		return buf.String()
	}

	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}

func firstLine(s string) string {
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	return ""
}
