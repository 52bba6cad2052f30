package search

import (
	"encoding/json"
	"fmt"
	"time"

	"chronicle/collab/internal/prosemirror"
)

// Result is a single search hit returned to the caller.
type Result struct {
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	Version    uint64 `json:"version,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data we index for a flushed document.
type DocumentRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Version   uint64 `json:"version"`
	UpdatedAt int64  `json:"updatedAt"`
}

// NewDocumentRecord flattens a ProseMirror snapshot into an index record.
func NewDocumentRecord(documentID string, version uint64, content json.RawMessage, at time.Time) (DocumentRecord, error) {
	doc, err := prosemirror.Decode(content)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("decode snapshot %s: %w", documentID, err)
	}
	return DocumentRecord{
		ID:        documentID,
		Title:     prosemirror.Title(doc),
		Body:      prosemirror.PlainText(doc),
		Version:   version,
		UpdatedAt: at.Unix(),
	}, nil
}
