// Package prosemirror handles the Tiptap/ProseMirror JSON documents the
// editor persists: decoding, canonical comparison, splitting into top-level
// blocks and defensive cleanup of fetched content.
package prosemirror

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Node is one decoded ProseMirror node.
type Node = map[string]any

var ErrNotDocument = errors.New("content is not a document")

// Empty returns the document a brand-new editor starts with.
func Empty() Node {
	return Node{
		"type":    "doc",
		"content": []any{Node{"type": "paragraph"}},
	}
}

// Unmarshal decodes JSON keeping numbers as json.Number, so integer attrs
// beyond float64 precision survive a round trip.
func Unmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

// Decode parses stored content. Missing content decodes to Empty.
func Decode(raw json.RawMessage) (Node, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Empty(), nil
	}
	var doc Node
	if err := Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDocument, err)
	}
	if doc == nil {
		return nil, ErrNotDocument
	}
	if nodeType, _ := doc["type"].(string); nodeType != "doc" {
		return nil, fmt.Errorf("%w: root type %q", ErrNotDocument, doc["type"])
	}
	if content, ok := doc["content"]; ok && content != nil {
		if _, ok := content.([]any); !ok {
			return nil, fmt.Errorf("%w: content is not a list", ErrNotDocument)
		}
	}
	return doc, nil
}

func Encode(doc Node) (json.RawMessage, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return raw, nil
}

// Split separates a document into its root attributes and the canonical JSON
// of each top-level block.
func Split(doc Node) (json.RawMessage, []json.RawMessage, error) {
	root := make(Node, len(doc))
	for key, value := range doc {
		if key == "content" {
			continue
		}
		root[key] = value
	}
	rootJSON, err := json.Marshal(root)
	if err != nil {
		return nil, nil, fmt.Errorf("encode root: %w", err)
	}

	items, _ := doc["content"].([]any)
	blocks := make([]json.RawMessage, 0, len(items))
	for i, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, nil, fmt.Errorf("encode block %d: %w", i, err)
		}
		blocks = append(blocks, raw)
	}
	return rootJSON, blocks, nil
}

// Join is the inverse of Split.
func Join(root json.RawMessage, blocks []json.RawMessage) (json.RawMessage, error) {
	doc := Node{}
	if len(root) > 0 {
		if err := Unmarshal(root, &doc); err != nil {
			return nil, fmt.Errorf("decode root: %w", err)
		}
	}
	if _, ok := doc["type"]; !ok {
		doc["type"] = "doc"
	}
	if len(blocks) > 0 {
		content := make([]any, 0, len(blocks))
		for i, block := range blocks {
			var node any
			if err := Unmarshal(block, &node); err != nil {
				return nil, fmt.Errorf("decode block %d: %w", i, err)
			}
			content = append(content, node)
		}
		doc["content"] = content
	}
	return Encode(doc)
}

// Canonical re-encodes raw with sorted keys and without empty content lists,
// which ProseMirror treats the same as absent ones.
func Canonical(raw json.RawMessage) ([]byte, error) {
	var parsed any
	if err := Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}
	return json.Marshal(dropEmptyContent(parsed))
}

// Equal reports whether two serialized documents hold the same content.
func Equal(a, b json.RawMessage) bool {
	left, err := Canonical(a)
	if err != nil {
		return false
	}
	right, err := Canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

func dropEmptyContent(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, child := range typed {
			if key == "content" {
				if items, ok := child.([]any); ok && len(items) == 0 {
					continue
				}
			}
			out[key] = dropEmptyContent(child)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, child := range typed {
			out[i] = dropEmptyContent(child)
		}
		return out
	default:
		return value
	}
}
