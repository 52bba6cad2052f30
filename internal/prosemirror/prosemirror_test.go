package prosemirror

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

const tableDoc = `{
  "type": "doc",
  "content": [
    {"type": "heading", "attrs": {"level": 1}, "content": [{"type": "text", "text": "Budget"}]},
    {"type": "table", "content": [
      {"type": "tableRow", "content": [
        {"type": "tableHeader", "content": [{"type": "paragraph", "content": [{"type": "text", "text": "Item"}]}]},
        {"type": "paragraph", "content": [{"type": "text", "text": "stray"}]},
        {"type": "tableCell", "content": [{"type": "paragraph", "content": [{"type": "text", "text": "Cost"}]}]}
      ]}
    ]}
  ]
}`

func TestDecodeEmptyContent(t *testing.T) {
	for _, raw := range []string{"", "null", "  "} {
		doc, err := Decode(json.RawMessage(raw))
		require.NoError(t, err)
		require.Equal(t, "doc", doc["type"])
	}
}

func TestDecodeRejectsNonDocument(t *testing.T) {
	for _, raw := range []string{`[]`, `"text"`, `{"type":"paragraph"}`, `{"type":"doc","content":{}}`, `{`} {
		_, err := Decode(json.RawMessage(raw))
		require.ErrorIs(t, err, ErrNotDocument, raw)
	}
}

func TestSplitJoinRoundTrip(t *testing.T) {
	doc, err := Decode(json.RawMessage(tableDoc))
	require.NoError(t, err)

	root, blocks, err := Split(doc)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.JSONEq(t, `{"type":"doc"}`, string(root))

	joined, err := Join(root, blocks)
	require.NoError(t, err)
	require.True(t, Equal(json.RawMessage(tableDoc), joined))
}

func TestEqualIgnoresEmptyContentAndKeyOrder(t *testing.T) {
	require.True(t, Equal(json.RawMessage(`{"type":"doc","content":[]}`), json.RawMessage(`{"type":"doc"}`)))
	require.True(t, Equal(json.RawMessage(`{"a":1,"b":2}`), json.RawMessage(`{"b":2,"a":1}`)))
	require.False(t, Equal(json.RawMessage(`{"type":"doc"}`), json.RawMessage(`{"type":"doc","attrs":{}}`)))
	require.False(t, Equal(json.RawMessage(`{`), json.RawMessage(`{`)))
}

func TestLargeIntegersSurviveRoundTrip(t *testing.T) {
	const raw = `{"type":"doc","content":[{"type":"image","attrs":{"id":9007199254740993,"width":0.5}}]}`
	doc, err := Decode(json.RawMessage(raw))
	require.NoError(t, err)

	root, blocks, err := Split(doc)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"image","attrs":{"id":9007199254740993,"width":0.5}}`, string(blocks[0]))
	require.Contains(t, string(blocks[0]), "9007199254740993")

	joined, err := Join(root, blocks)
	require.NoError(t, err)
	require.Contains(t, string(joined), "9007199254740993")
	require.True(t, Equal(json.RawMessage(raw), joined))
	require.False(t, Equal(json.RawMessage(raw), json.RawMessage(`{"type":"doc","content":[{"type":"image","attrs":{"id":9007199254740992,"width":0.5}}]}`)))
}

func TestSanitizeDropsNonCellRowChildren(t *testing.T) {
	doc, err := Decode(json.RawMessage(tableDoc))
	require.NoError(t, err)
	before, err := Encode(doc)
	require.NoError(t, err)

	clean, removed := Sanitize(doc)
	require.Equal(t, 1, removed)

	after, err := Encode(doc)
	require.NoError(t, err)
	require.JSONEq(t, string(before), string(after), "input must not be modified")

	text := PlainText(clean)
	require.NotContains(t, text, "stray")
	require.Contains(t, text, "Item")
	require.Contains(t, text, "Cost")
}

func TestSanitizeCleanDocumentIsUnchanged(t *testing.T) {
	raw := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hi"}]}]}`)
	doc, err := Decode(raw)
	require.NoError(t, err)

	clean, removed := Sanitize(doc)
	require.Zero(t, removed)
	encoded, err := Encode(clean)
	require.NoError(t, err)
	require.True(t, Equal(raw, encoded))
}

func TestPlainTextAndTitle(t *testing.T) {
	doc, err := Decode(json.RawMessage(tableDoc))
	require.NoError(t, err)
	require.Equal(t, "Budget", Title(doc))
	require.Equal(t, "", Title(Empty()))
}
