package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToChatHTMLBasicMarkdown(t *testing.T) {
	out := ToChatHTML("**bold** and *italic* and `code`")
	assert.Equal(t, "<b>bold</b> and <i>italic</i> and <code>code</code>", out)
}

func TestToChatHTMLCodeBlockEscapesContent(t *testing.T) {
	out := ToChatHTML("```go\nfmt.Println(\"<x>\")\n```")
	assert.Contains(t, out, `<pre><code class="language-go">`)
	assert.Contains(t, out, "&lt;x&gt;")
	assert.NotContains(t, out, "<x>")
}

func TestToChatHTMLEscapesStrayAngleBrackets(t *testing.T) {
	out := ToChatHTML("1 < 2 and 3 > 1")
	assert.Contains(t, out, "&lt;")
	assert.Contains(t, out, "&gt;")
}

func TestToChatHTMLTableRendersListStyleRows(t *testing.T) {
	out := ToChatHTML("| Name | Status |\n|------|--------|\n| build | ok |\n| deploy | pending |")
	assert.Contains(t, out, "<b>Name</b> — Status")
	assert.Contains(t, out, "<b>build</b> — ok")
	assert.Contains(t, out, "<b>deploy</b> — pending")
	assert.NotContains(t, out, "```")
}

func TestToChatHTMLTableEscapesCells(t *testing.T) {
	out := ToChatHTML("| Name | Note |\n|------|------|\n| a<b> | 1 < 2 |")
	assert.Contains(t, out, "<b>a&lt;b&gt;</b>")
	assert.Contains(t, out, "1 &lt; 2")
}

func TestToDiscordMarkdownStripsHTML(t *testing.T) {
	out := ToDiscordMarkdown("<b>bold</b> plain")
	assert.Equal(t, "bold plain", out)
}

func TestSanitizeDropsDisallowedTags(t *testing.T) {
	out := Sanitize(`<script>alert(1)</script><b>kept</b>`)
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "<b>kept</b>")
}

func TestSanitizeKeepsAllowedLink(t *testing.T) {
	out := Sanitize(`<a href="https://example.com">link</a>`)
	assert.Contains(t, out, `href="https://example.com"`)
}
