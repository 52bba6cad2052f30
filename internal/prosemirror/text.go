package prosemirror

import "strings"

// PlainText flattens a document for indexing: one line per textblock.
func PlainText(doc Node) string {
	var b strings.Builder
	writeText(&b, doc)
	return strings.TrimSpace(b.String())
}

func writeText(b *strings.Builder, node Node) {
	nodeType, _ := node["type"].(string)
	switch nodeType {
	case "text":
		text, _ := node["text"].(string)
		b.WriteString(text)
		return
	case "hardBreak":
		b.WriteString("\n")
		return
	}

	items, _ := node["content"].([]any)
	for _, item := range items {
		if child, ok := item.(map[string]any); ok {
			writeText(b, child)
		}
	}

	switch nodeType {
	case "paragraph", "heading", "codeBlock", "tableCell", "tableHeader":
		b.WriteString("\n")
	}
}

// Title returns the text of the first non-empty textblock.
func Title(doc Node) string {
	for _, line := range strings.Split(PlainText(doc), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
