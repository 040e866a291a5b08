package format

import (
	"fmt"
	"regexp"
	"strings"
)

// ToChatHTML converts an assistant turn's markdown-ish text into the
// restricted HTML subset the chat surface accepts (bold, italic,
// strikethrough, underline, spoiler, inline code, preformatted code blocks
// with an optional language class, links, blockquotes). Callers that need a
// hard safety net against malformed or adversarial input should pass the
// result through Sanitize.
//
// Code blocks, inline code, and tables are pulled out and replaced with
// placeholder tokens before the rest of the text is escaped and transformed,
// then restored verbatim at the end — this is what keeps partial, mid-stream
// output from ever exposing an unescaped or half-closed HTML tag.
func ToChatHTML(text string) string {
	if text == "" {
		return ""
	}

	text, tables := extractTables(text)
	text, codeBlocks := extractFencedCode(text)
	text, inlineCode := extractInlineCode(text)

	text = EscapeHTML(text)

	text = convertHeaders(text)
	text = convertEmphasis(text)
	text = processBlockquotes(text)
	text = convertLists(text)

	for id, html := range codeBlocks {
		text = strings.ReplaceAll(text, id, html)
	}
	for id, html := range inlineCode {
		text = strings.ReplaceAll(text, id, html)
	}
	for id, html := range tables {
		text = strings.ReplaceAll(text, id, html)
	}

	return text
}

var fencedCodeRegex = regexp.MustCompile("(?s)```([a-zA-Z]*)\n?(.*?)```")

// extractFencedCode pulls every ```lang\n...``` block out of text, escaping
// its content and replacing it with a {CODE-n} placeholder token.
func extractFencedCode(text string) (string, map[string]string) {
	blocks := make(map[string]string)
	text = fencedCodeRegex.ReplaceAllStringFunc(text, func(m string) string {
		match := fencedCodeRegex.FindStringSubmatch(m)
		lang, body := match[1], match[2]

		id := fmt.Sprintf("{CODE-%d}", len(blocks))
		escaped := EscapeHTML(body)
		if lang != "" {
			blocks[id] = fmt.Sprintf("<pre><code class=\"language-%s\">%s</code></pre>", lang, escaped)
		} else {
			blocks[id] = fmt.Sprintf("<pre><code>%s</code></pre>", escaped)
		}
		return id
	})
	return text, blocks
}

var inlineCodeRegex = regexp.MustCompile("`([^`]+)`")

// extractInlineCode pulls every `code` span out of text, escaping its
// content and replacing it with a {CODESPAN-n} placeholder token.
func extractInlineCode(text string) (string, map[string]string) {
	spans := make(map[string]string)
	text = inlineCodeRegex.ReplaceAllStringFunc(text, func(m string) string {
		match := inlineCodeRegex.FindStringSubmatch(m)
		id := fmt.Sprintf("{CODESPAN-%d}", len(spans))
		spans[id] = fmt.Sprintf("<code>%s</code>", EscapeHTML(match[1]))
		return id
	})
	return text, spans
}

var headerRegex = regexp.MustCompile(`(?m)^#{1,6}\s+(.*)$`)

// convertHeaders turns a leading "# " (through "######") into bold text; the
// chat HTML subset has no header elements of its own.
func convertHeaders(text string) string {
	return headerRegex.ReplaceAllString(text, "<b>$1</b>")
}

var (
	boldRegex      = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicStarRx   = regexp.MustCompile(`\*([^*]+)\*`)
	italicScoreRx  = regexp.MustCompile(`\b_([^_]+)_\b`)
	strikeRegex    = regexp.MustCompile(`~~([^~]+)~~`)
	underlineRegex = regexp.MustCompile(`__([^_]+)__`)
	spoilerRegex   = regexp.MustCompile(`\|\|([^|]+)\|\|`)
	linkRegex      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// convertEmphasis rewrites the markdown emphasis, spoiler, and link forms
// into their chat HTML equivalents, in an order where **bold** is resolved
// before a lone *italic* can eat into it.
func convertEmphasis(text string) string {
	text = boldRegex.ReplaceAllString(text, "<b>$1</b>")
	text = italicStarRx.ReplaceAllString(text, "<i>$1</i>")
	// Underscored italics require non-word boundaries so `snake_case_name`
	// is left alone.
	text = italicScoreRx.ReplaceAllString(text, "<i>$1</i>")
	text = strikeRegex.ReplaceAllString(text, "<s>$1</s>")
	text = underlineRegex.ReplaceAllString(text, "<u>$1</u>")
	text = spoilerRegex.ReplaceAllString(text, "<tg-spoiler>$1</tg-spoiler>")
	text = linkRegex.ReplaceAllString(text, "<a href=\"$2\">$1</a>")
	return text
}

var bulletRegex = regexp.MustCompile(`(?m)^[\s]*[-*+][\s]+(.*)$`)

func convertLists(text string) string {
	return bulletRegex.ReplaceAllString(text, "• $1")
}

// ToDiscordMarkdown ensures text is clean Markdown (minimal escaping).
// Discord renders Markdown natively, so this only strips HTML that leaked
// in from an upstream ToChatHTML pass.
func ToDiscordMarkdown(text string) string {
	stripHTML := regexp.MustCompile("<[^>]*>")
	return stripHTML.ReplaceAllString(text, "")
}

// EscapeHTML escapes the three characters that would otherwise be
// interpreted as HTML markup.
func EscapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}

// processBlockquotes folds consecutive "> quoted" lines (markdown source or
// already-escaped "&gt; ") into a single <blockquote>.
func processBlockquotes(text string) string {
	lines := strings.Split(text, "\n")
	var result []string
	var quote []string

	flush := func() {
		if quote == nil {
			return
		}
		result = append(result, "<blockquote>"+strings.Join(quote, "\n")+"</blockquote>")
		quote = nil
	}

	for _, line := range lines {
		content, isQuoted := cutQuotePrefix(line)
		if isQuoted {
			quote = append(quote, content)
			continue
		}
		flush()
		result = append(result, line)
	}
	flush()

	return strings.Join(result, "\n")
}

func cutQuotePrefix(line string) (string, bool) {
	for _, prefix := range []string{"&gt; ", "> "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, prefix), true
		}
	}
	return line, false
}

var tableSeparatorRow = regexp.MustCompile(`^[|\s\-:]{3,}$`)

// extractTables pulls consecutive "| cell | cell |" lines out of text and
// replaces each run with a {TABLE-n} placeholder, so the markdown→HTML
// escaping pass below never touches the rendered rows. The chat surface has
// no table element, so each row renders list-style: the first cell in bold,
// the rest joined after an em dash.
func extractTables(text string) (string, map[string]string) {
	lines := strings.Split(text, "\n")
	var result []string
	var rows []string
	tables := make(map[string]string)

	flush := func() {
		if len(rows) == 0 {
			return
		}
		id := fmt.Sprintf("{TABLE-%d}", len(tables))
		tables[id] = renderTableRows(rows)
		result = append(result, id)
		rows = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case len(rows) > 0 && tableSeparatorRow.MatchString(trimmed):
			// The header/body divider row carries no cell data.
		case strings.HasPrefix(trimmed, "|") && strings.HasSuffix(trimmed, "|"):
			rows = append(rows, trimmed)
		default:
			flush()
			result = append(result, line)
		}
	}
	flush()

	return strings.Join(result, "\n"), tables
}

// renderTableRows converts each "| a | b | c |" source line into
// "<b>a</b> — b — c", escaping every cell.
func renderTableRows(lines []string) string {
	rendered := make([]string, 0, len(lines))
	for _, line := range lines {
		cells := splitTableCells(line)
		if len(cells) == 0 {
			continue
		}
		row := "<b>" + EscapeHTML(cells[0]) + "</b>"
		for _, cell := range cells[1:] {
			row += " — " + EscapeHTML(cell)
		}
		rendered = append(rendered, row)
	}
	return strings.Join(rendered, "\n")
}

func splitTableCells(line string) []string {
	trimmed := strings.Trim(line, "|")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}
