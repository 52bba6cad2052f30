package search

import (
	"context"

	"chronicle/collab/internal/collab"

	"github.com/golang/glog"
)

type documentIndex interface {
	Searcher
	IndexDocument(doc DocumentRecord) error
	IndexDocuments(docs []DocumentRecord) error
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
// Either backend may be absent.
type Service struct {
	index    documentIndex
	fallback Searcher
}

// NewService creates a search service. meili and pgfts may be nil.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if meili != nil {
		s.index = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		glog.Warningf("search: meilisearch error, falling back: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		glog.Errorf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Flushed indexes the plain text of every persisted snapshot. Indexing runs in
// the background so a slow index never holds up the flush cycle.
func (s *Service) Flushed(_ context.Context, event collab.FlushEvent) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	record, err := NewDocumentRecord(event.DocumentID, event.Version, event.Content, event.At)
	if err != nil {
		glog.Warningf("search: %v", err)
		return
	}
	go func() {
		if err := s.index.IndexDocument(record); err != nil {
			glog.Warningf("search: index document %s: %v", record.ID, err)
		}
	}()
}

// ReindexAllFromPG pushes every stored document into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context, pgfts *PgFTS) {
	if s.index == nil || !s.index.Healthy() || pgfts == nil {
		return
	}
	documents, err := pgfts.LoadAllRecords(ctx)
	if err != nil {
		glog.Warningf("search: reindex load failed: %v", err)
		return
	}
	if len(documents) == 0 {
		return
	}
	if err := s.index.IndexDocuments(documents); err != nil {
		glog.Warningf("search: reindex documents: %v", err)
		return
	}
	glog.Infof("search: reindexed %d documents", len(documents))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
