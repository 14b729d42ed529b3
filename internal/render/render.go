// Package render turns assistant markdown into display markup.
package render

import (
	"bytes"
	"fmt"

	"github.com/charmbracelet/glamour"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// Renderer converts markdown to markup.
type Renderer interface {
	Render(markdown string) (string, error)
}

// HTML renders markdown to HTML. Raw HTML in the input is dropped and links
// open in a new browsing context.
type HTML struct {
	md goldmark.Markdown
}

// NewHTML creates an HTML renderer with GitHub flavored markdown.
func NewHTML() *HTML {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(
			parser.WithASTTransformers(util.Prioritized(externalLinks{}, 100)),
		),
	)
	return &HTML{md: md}
}

// Render implements Renderer.
func (h *HTML) Render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := h.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}

type externalLinks struct{}

func (externalLinks) Transform(doc *ast.Document, _ text.Reader, _ parser.Context) {
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.(type) {
		case *ast.Link, *ast.AutoLink:
			n.SetAttributeString("target", []byte("_blank"))
			n.SetAttributeString("rel", []byte("noopener noreferrer"))
		}
		return ast.WalkContinue, nil
	})
}

// Terminal renders markdown for ANSI terminals.
type Terminal struct {
	r *glamour.TermRenderer
}

// NewTerminal creates a terminal renderer. An empty style selects the
// style matching the terminal background.
func NewTerminal(style string, width int) (*Terminal, error) {
	if width <= 0 {
		width = 80
	}
	styleOpt := glamour.WithAutoStyle()
	if style != "" {
		styleOpt = glamour.WithStandardStyle(style)
	}
	r, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(width))
	if err != nil {
		return nil, fmt.Errorf("failed to create terminal renderer: %w", err)
	}
	return &Terminal{r: r}, nil
}

// Render implements Renderer.
func (t *Terminal) Render(markdown string) (string, error) {
	out, err := t.r.Render(markdown)
	if err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return out, nil
}
