package llm

import (
	"html"
	"strings"
)

// ProductLinkPrefix starts every internal product link.
const ProductLinkPrefix = `<a href="/p/`

// CleanContent decodes HTML entities the model sometimes emits and strips
// markdown code fences around the text.
func CleanContent(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```html")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.TrimSpace(s)
}

// HasProductLink reports whether content links at least one product page.
func HasProductLink(content string) bool {
	return strings.Contains(content, ProductLinkPrefix)
}
