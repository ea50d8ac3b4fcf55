package search

import "log"

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
// Search never fails the caller; on error it returns an empty response.
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

// IndexRecord indexes a submitted record (fire-and-forget to Meilisearch;
// the Postgres fallback reads live table state and needs no indexing).
func (s *Service) IndexRecord(doc RecordDoc) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexRecord(doc); err != nil {
		log.Printf("search: index record %s: %v", doc.ID, err)
	}
}

// DeleteRecord removes a record from the index.
func (s *Service) DeleteRecord(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.DeleteRecord(id); err != nil {
		log.Printf("search: delete record %s: %v", id, err)
	}
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
