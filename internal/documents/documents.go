// Package documents reads and writes persisted document snapshots.
//
// A snapshot is the ProseMirror JSON of the whole document. Fetch returns
// ErrNotFound for documents that have never been stored; callers treat that
// as an empty new document.
package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"chronicle/collab/internal/rest"
)

var ErrNotFound = errors.New("document not found")

type Client interface {
	Fetch(ctx context.Context, id string) (json.RawMessage, error)
	Store(ctx context.Context, id string, content json.RawMessage) error
}

type payload struct {
	Content json.RawMessage `json:"content"`
}

// HTTPClient talks to the document service:
// GET and PATCH {base}/documents/{id} with {"content": ...}.
type HTTPClient struct {
	rest *rest.Client
}

func NewHTTPClient(baseURL, serviceToken string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{rest: rest.NewClient(baseURL, serviceToken, timeout)}
}

func (c *HTTPClient) Fetch(ctx context.Context, id string) (json.RawMessage, error) {
	var out payload
	if err := c.rest.Do(ctx, http.MethodGet, documentPath(id), nil, &out); err != nil {
		if rest.IsStatus(err, http.StatusNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch document %s: %w", id, err)
	}
	content, err := unwrapContent(out.Content)
	if err != nil {
		return nil, fmt.Errorf("fetch document %s: %w", id, err)
	}
	return content, nil
}

func (c *HTTPClient) Store(ctx context.Context, id string, content json.RawMessage) error {
	if err := c.rest.Do(ctx, http.MethodPatch, documentPath(id), payload{Content: content}, nil); err != nil {
		return fmt.Errorf("store document %s: %w", id, err)
	}
	return nil
}

func documentPath(id string) string {
	return "/documents/" + url.PathEscape(id)
}

// unwrapContent accepts content stored either as a JSON value or as a JSON
// string holding the serialized document.
func unwrapContent(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if text == "" {
		return nil, nil
	}
	if !json.Valid([]byte(text)) {
		return nil, errors.New("decode content: stored string is not JSON")
	}
	return json.RawMessage(text), nil
}
