package search

import (
	"log"

	"groundwork/sync/internal/project"
)

// Service is the facade that tries Meilisearch first and falls back to PG
// FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSnapshot re-indexes the searchable content of an accepted snapshot
// (fire-and-forget to Meilisearch; the PG fallback reads the persisted
// snapshot directly and needs no indexing step).
func (s *Service) IndexSnapshot(projectID string, snap *project.Snapshot) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	documents := make([]DocumentRecord, 0, len(snap.Documents))
	for _, d := range snap.Documents {
		documents = append(documents, DocumentRecord{
			ID:        d.ID,
			ProjectID: projectID,
			Title:     d.Title,
			Text:      d.Text,
		})
	}
	codes := make([]CodeRecord, 0, len(snap.Codes))
	for _, c := range snap.Codes {
		codes = append(codes, CodeRecord{ID: c.ID, ProjectID: projectID, Name: c.Name})
	}
	memos := make([]MemoRecord, 0, len(snap.Memos))
	for _, m := range snap.Memos {
		memos = append(memos, MemoRecord{
			ID:        m.ID,
			ProjectID: projectID,
			Scope:     string(m.Scope),
			Text:      m.Text,
		})
	}

	go func() {
		if err := s.meili.IndexDocuments(documents); err != nil {
			log.Printf("search: index documents for %s: %v", projectID, err)
		}
		if err := s.meili.IndexCodes(codes); err != nil {
			log.Printf("search: index codes for %s: %v", projectID, err)
		}
		if err := s.meili.IndexMemos(memos); err != nil {
			log.Printf("search: index memos for %s: %v", projectID, err)
		}
	}()
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
