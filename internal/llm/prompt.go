package llm

import (
	"strconv"
	"strings"
)

const (
	// PromptProductLimit caps the products listed in one prompt.
	PromptProductLimit = 30
	// PromptDescriptionLimit caps each product description, in runes.
	PromptDescriptionLimit = 150
)

// BuildSystemPrompt sets tone and the link rules the output is checked against.
func BuildSystemPrompt() string {
	parts := []string{
		"You write short buying advice for a price comparison site, helping a visitor pick the right product.",
		`Address the reader as "you" in an accessible, optimistic tone.`,
		"Never mention prices.",
		"Focus on advice that helps the choice: differences, strengths, typical use.",
		`When linking, use <a href="url"> with a url taken verbatim from the product list. Never invent a url and ignore empty ones.`,
		"Keep link text short (3 to 5 words) and make sure it names the linked product.",
	}
	return strings.Join(parts, "\n- ")
}

// BuildUserPrompt lists the page title and the first products of the page.
func BuildUserPrompt(req ContentRequest) string {
	var b strings.Builder
	b.WriteString("A visitor landed on this page after a search. Write a short text (max. 100 words) that helps them choose.\n")
	b.WriteString("Link relevant products with HTML links, using only urls from the list below.\n\n")
	b.WriteString("Search term: ")
	b.WriteString(strings.TrimSpace(req.Title))
	b.WriteString("\n\nMost popular products:\n")

	products := req.Products
	if len(products) > PromptProductLimit {
		products = products[:PromptProductLimit]
	}
	for i, p := range products {
		b.WriteString("Product ")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString("\nTitle: ")
		b.WriteString(p.Title)
		b.WriteString("\nUrl: ")
		b.WriteString(p.URL)
		b.WriteString("\nContent: ")
		b.WriteString(truncateRunes(p.Description, PromptDescriptionLimit))
		b.WriteString("\n\n")
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
