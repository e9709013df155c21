package search

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// Service fronts the engine for callers outside the query processor:
// structured queries go to Solr only, plain full-text search falls back to
// Postgres FTS when the engine is down.
type Service struct {
	solr  *Solr
	pgfts *PgFTS
}

// NewService creates the facade. solr may be nil when no engine is
// configured; pgfts then serves all full-text requests.
func NewService(solr *Solr, pgfts *PgFTS) *Service {
	return &Service{solr: solr, pgfts: pgfts}
}

// Native exposes the engine for the query processor, or nil when the
// engine is not configured.
func (s *Service) Native() Searcher {
	if s.solr == nil {
		return nil
	}
	return s.solr
}

// FullText searches content of one repository for the given words,
// restricted to the caller's reader filter.
func (s *Service) FullText(ctx context.Context, repositoryID, text, readerFilter string, start, rows int) (Results, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return Results{}, nil
	}
	if s.solr != nil && s.solr.Healthy() {
		for i, w := range words {
			words[i] = EscapeQueryChars(w)
		}
		req := Request{
			Query: FieldText + ":(" + strings.Join(words, " ") + ")",
			Filters: []string{
				FieldRepositoryID + ":" + EscapeQueryChars(repositoryID),
			},
			Start: start,
			Rows:  rows,
		}
		if readerFilter != "" {
			req.Filters = append(req.Filters, readerFilter)
		}
		res, err := s.solr.Search(ctx, req)
		if err == nil {
			return res, nil
		}
		log.Printf("search: solr error, falling back to pgfts: %v", err)
	}
	if s.pgfts == nil {
		return Results{}, fmt.Errorf("full-text search: %w", ErrUnavailable)
	}
	// The fallback path cannot apply the reader filter natively; callers
	// run the authoritative permission pass on the hydrated objects.
	return s.pgfts.FullText(ctx, repositoryID, text, start, rows)
}

// IndexContent pushes one document, fire and forget. The index is a
// best-effort snapshot; the authoritative permission pass tolerates
// staleness.
func (s *Service) IndexContent(doc Document) {
	if s.solr == nil || !s.solr.Healthy() {
		return
	}
	go func() {
		if err := s.solr.Index(context.Background(), []Document{doc}); err != nil {
			log.Printf("search: index %v: %v", doc[FieldID], err)
		}
	}()
}

// DeleteContent removes one document, fire and forget.
func (s *Service) DeleteContent(repositoryID, id string) {
	if s.solr == nil || !s.solr.Healthy() {
		return
	}
	go func() {
		if err := s.solr.Delete(context.Background(), repositoryID+"/"+id); err != nil {
			log.Printf("search: delete %s: %v", id, err)
		}
	}()
}
