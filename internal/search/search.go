// Package search talks to the external inverted-index engine. The engine's
// native query language is the Lucene/Solr family; everything concatenated
// into a native query string must go through EscapeQueryChars first.
package search

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the engine cannot be reached or times
// out. Callers surface it as a retryable backend failure.
var ErrUnavailable = errors.New("search engine unavailable")

// Field names of the index schema shared with the indexing side.
const (
	FieldID           = "object_id"
	FieldRepositoryID = "repository_id"
	FieldType         = "objecttype"
	FieldBaseType     = "basetype"
	FieldName         = "name"
	FieldParentID     = "parent_id"
	FieldCreator      = "creator"
	FieldCreated      = "created"
	FieldModifier     = "modifier"
	FieldModified     = "modified"
	FieldReaders      = "readers"
	FieldText         = "text"
)

// Request is one native query execution: a main query string, zero or more
// filter queries, and a paging window.
type Request struct {
	Query   string
	Filters []string
	Start   int
	Rows    int
}

// Hit is a single index match, identified by stored object id.
type Hit struct {
	ID    string
	Score float64
}

// Results carries the matching ids and the engine's total match count,
// which can exceed len(Hits) when paging.
type Results struct {
	Hits  []Hit
	Total int64
}

// Searcher executes native queries.
type Searcher interface {
	Search(ctx context.Context, req Request) (Results, error)
	Healthy() bool
}

// Document is one indexable record, keyed by schema field name.
type Document map[string]any

// Indexer pushes content records into the index, including the readers
// permission field, and removes them on delete.
type Indexer interface {
	Index(ctx context.Context, docs []Document) error
	Delete(ctx context.Context, id string) error
}
