package format

import (
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

// chatPolicy builds the allowlist matching the tag set ToChatHTML emits:
// bold/italic/underline/strike, inline and block code, blockquotes, links,
// and Telegram's spoiler tag. Everything else is stripped, not escaped.
func chatPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.NewPolicy()
		p.AllowElements("b", "i", "u", "s", "code", "pre", "blockquote")
		p.AllowElements("tg-spoiler")
		p.AllowAttrs("class").Matching(bluemonday.Paragraph).OnElements("code")
		p.AllowStandardURLs()
		p.AllowAttrs("href").OnElements("a")
		policy = p
	})
	return policy
}

// Sanitize runs rendered chat HTML through a bluemonday allowlist as a final
// safety net after ToChatHTML, in case upstream assistant text smuggled raw
// HTML through untouched (e.g. inside an unterminated code fence).
func Sanitize(html string) string {
	return chatPolicy().Sanitize(html)
}
