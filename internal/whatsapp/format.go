package whatsapp

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

// FormatMarkdown rewrites model output written in Markdown into the
// markup WhatsApp renders: *bold*, _italic_, ~strike~ and ``` blocks.
// Headings become bold lines, links become "label (url)" and list
// markers are normalized. Anything WhatsApp cannot show is flattened to
// its text.
func FormatMarkdown(md string) string {
	src := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(src))
	f := formatter{src: src}
	return strings.TrimSpace(f.block(doc))
}

type formatter struct {
	src []byte
}

func (f formatter) block(n ast.Node) string {
	switch n := n.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		return f.inlines(n)
	case *ast.Heading:
		return "*" + f.inlines(n) + "*"
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		return "```\n" + strings.TrimRight(f.lines(n), "\n") + "\n```"
	case *ast.HTMLBlock:
		return strings.TrimRight(f.lines(n), "\n")
	case *ast.ThematicBreak:
		return "———"
	case *ast.Blockquote:
		inner := f.children(n, "\n\n")
		return prefixLines(inner, "> ", "> ")
	case *ast.List:
		return f.list(n)
	default:
		return f.children(n, "\n\n")
	}
}

func (f formatter) children(n ast.Node, sep string) string {
	var parts []string
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if s := f.block(c); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

func (f formatter) list(l *ast.List) string {
	var items []string
	num := l.Start
	for c := l.FirstChild(); c != nil; c = c.NextSibling() {
		marker := "- "
		if l.IsOrdered() {
			marker = fmt.Sprintf("%d. ", num)
			num++
		}
		sep := "\n"
		if !l.IsTight {
			sep = "\n\n"
		}
		body := f.children(c, sep)
		items = append(items, prefixLines(body, marker, strings.Repeat(" ", len(marker))))
	}
	if l.IsTight {
		return strings.Join(items, "\n")
	}
	return strings.Join(items, "\n\n")
}

func (f formatter) inlines(n ast.Node) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		sb.WriteString(f.inline(c))
	}
	return sb.String()
}

func (f formatter) inline(n ast.Node) string {
	switch n := n.(type) {
	case *ast.Text:
		s := string(n.Segment.Value(f.src))
		if n.SoftLineBreak() || n.HardLineBreak() {
			s += "\n"
		}
		return s
	case *ast.String:
		return string(n.Value)
	case *ast.Emphasis:
		if n.Level >= 2 {
			return "*" + f.inlines(n) + "*"
		}
		return "_" + f.inlines(n) + "_"
	case *extast.Strikethrough:
		return "~" + f.inlines(n) + "~"
	case *ast.CodeSpan:
		return "`" + f.inlines(n) + "`"
	case *ast.Link:
		return labelled(f.inlines(n), string(n.Destination))
	case *ast.Image:
		return labelled(f.inlines(n), string(n.Destination))
	case *ast.AutoLink:
		return string(n.URL(f.src))
	case *ast.RawHTML:
		var sb strings.Builder
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			sb.Write(seg.Value(f.src))
		}
		return sb.String()
	default:
		return f.inlines(n)
	}
}

func (f formatter) lines(n ast.Node) string {
	var sb strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(f.src))
	}
	return sb.String()
}

func labelled(label, dest string) string {
	switch {
	case dest == "":
		return label
	case label == "" || label == dest:
		return dest
	default:
		return label + " (" + dest + ")"
	}
}

// prefixLines puts first before the first line of s and rest before
// every following non-empty line.
func prefixLines(s, first, rest string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		switch {
		case i == 0:
			lines[i] = first + line
		case line != "":
			lines[i] = rest + line
		case strings.TrimSpace(rest) != "":
			lines[i] = strings.TrimRight(rest, " ")
		}
	}
	return strings.Join(lines, "\n")
}
