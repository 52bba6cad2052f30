package prosemirror

// Sanitize returns a copy of doc with structural noise removed and the number
// of nodes dropped. The input is never modified.
//
// Only one anomaly is handled: children of a tableRow that are not table
// cells, which pasted HTML occasionally leaves behind.
func Sanitize(doc Node) (Node, int) {
	removed := 0
	clean, _ := sanitizeValue(doc, &removed).(Node)
	return clean, removed
}

func sanitizeValue(value any, removed *int) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		rowNode := typed["type"] == "tableRow"
		for key, child := range typed {
			if key == "content" && rowNode {
				out[key] = sanitizeRow(child, removed)
				continue
			}
			out[key] = sanitizeValue(child, removed)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, child := range typed {
			out[i] = sanitizeValue(child, removed)
		}
		return out
	default:
		return value
	}
}

func sanitizeRow(content any, removed *int) any {
	items, ok := content.([]any)
	if !ok {
		return sanitizeValue(content, removed)
	}
	cells := make([]any, 0, len(items))
	for _, item := range items {
		node, ok := item.(map[string]any)
		if !ok || !isCell(node) {
			*removed++
			continue
		}
		cells = append(cells, sanitizeValue(node, removed))
	}
	return cells
}

func isCell(node Node) bool {
	switch node["type"] {
	case "tableCell", "tableHeader":
		return true
	default:
		return false
	}
}
