package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTMLRendersMarkdown(t *testing.T) {
	out, err := NewHTML().Render("# Title\n\n- **bold** item\n- `code`\n\n```go\nfmt.Println()\n```\n")
	require.NoError(t, err)
	assert.Contains(t, out, "<h1>Title</h1>")
	assert.Contains(t, out, "<strong>bold</strong>")
	assert.Contains(t, out, "<code>code</code>")
	assert.Contains(t, out, `<pre><code class="language-go">`)
}

func TestHTMLLinksOpenExternally(t *testing.T) {
	out, err := NewHTML().Render("see [docs](https://example.com) and https://go.dev")
	require.NoError(t, err)
	assert.Contains(t, out, `<a href="https://example.com" target="_blank" rel="noopener noreferrer">docs</a>`)
	assert.Contains(t, out, `href="https://go.dev" target="_blank"`)
}

func TestHTMLDropsRawHTML(t *testing.T) {
	out, err := NewHTML().Render("hello <script>alert(1)</script>")
	require.NoError(t, err)
	assert.NotContains(t, out, "<script>")
}

func TestTerminalRenders(t *testing.T) {
	r, err := NewTerminal("notty", 60)
	require.NoError(t, err)
	out, err := r.Render("# Heading\n\nSome *text*.")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "Heading"))
	assert.Contains(t, out, "text")
}
