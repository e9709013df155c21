package query

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"depot/api/internal/model"
	"depot/api/internal/search"
	"depot/api/internal/store"
)

// fetchPageSize is the engine window requested per call; larger candidate
// sets are paged through until exhausted or the caller's window is covered.
const fetchPageSize = 1000

// TypeSource is the slice of the type manager the processor needs.
type TypeSource interface {
	TypeDefinitionByQueryName(repositoryID, queryName string) (*model.TypeDefinition, error)
	GetTypesDescendants(repositoryID, typeID string, depth int, includeProperties bool) (*model.TypeContainer, error)
	PropertyDefinitionForQueryName(def *model.TypeDefinition, queryName string) *model.PropertyDefinition
}

// ContentSource re-hydrates index hits from authoritative storage.
type ContentSource interface {
	GetContent(ctx context.Context, repositoryID, id string) (*model.Content, error)
	DescendantFolderIDs(ctx context.Context, repositoryID, folderID string) ([]string, error)
}

// PermissionFilter supplies the native reader filter and the authoritative
// post-fetch permission pass.
type PermissionFilter interface {
	IsAdmin(ctx context.Context, repositoryID, userID string) (bool, error)
	BuildReaderFilterQuery(ctx context.Context, repositoryID, userID string) (string, error)
	FilterReadable(ctx context.Context, repositoryID, userID string, contents []*model.Content) ([]*model.Content, error)
}

// Options is the caller's paging window, applied after permission
// filtering.
type Options struct {
	SkipCount int
	MaxItems  int
}

// Result is one query response. NumItems is exact when the whole match set
// was fetched, otherwise the engine's pre-filter total.
type Result struct {
	Rows         []map[string]any `json:"rows"`
	NumItems     int64            `json:"numItems"`
	HasMoreItems bool             `json:"hasMoreItems"`
}

type Processor struct {
	types    TypeSource
	contents ContentSource
	perms    PermissionFilter
	searcher search.Searcher
}

func NewProcessor(types TypeSource, contents ContentSource, perms PermissionFilter, searcher search.Searcher) *Processor {
	return &Processor{types: types, contents: contents, perms: perms, searcher: searcher}
}

// Query runs one statement for the given caller: parse, translate, execute
// against the index, re-hydrate, filter by permission, sort, page,
// project.
func (p *Processor) Query(ctx context.Context, repositoryID, userID, statement string, opts Options) (*Result, error) {
	stmt, err := Parse(statement)
	if err != nil {
		return nil, err
	}

	def, err := p.types.TypeDefinitionByQueryName(repositoryID, stmt.From)
	if err != nil {
		return nil, fmt.Errorf("%w: FROM %s: %v", ErrInvalidQuery, stmt.From, err)
	}
	if !def.Queryable {
		return nil, fmt.Errorf("%w: type %s is not queryable", ErrInvalidQuery, def.ID)
	}

	columns, err := p.projectionColumns(def, stmt.Select)
	if err != nil {
		return nil, err
	}
	sortKeys, err := p.sortKeys(def, stmt.OrderBy)
	if err != nil {
		return nil, err
	}

	q := "*:*"
	if stmt.Where != nil {
		w := &walker{ctx: ctx, repositoryID: repositoryID, def: def, props: p.types, tree: p.contents}
		q, err = w.walkExpr(stmt.Where)
		if err != nil {
			return nil, err
		}
	}

	filters := []string{
		search.FieldRepositoryID + ":" + search.EscapeQueryChars(repositoryID),
	}
	typeFilter, err := p.typeFilter(repositoryID, def)
	if err != nil {
		return nil, err
	}
	filters = append(filters, typeFilter)

	admin, err := p.perms.IsAdmin(ctx, repositoryID, userID)
	if err != nil {
		return nil, err
	}
	if !admin {
		readerFilter, err := p.perms.BuildReaderFilterQuery(ctx, repositoryID, userID)
		if err != nil {
			return nil, err
		}
		filters = append(filters, readerFilter)
	}

	skip := opts.SkipCount
	if skip < 0 {
		skip = 0
	}
	// MaxItems absent means return all remaining after skip.
	max := opts.MaxItems
	needed := -1
	if max > 0 {
		needed = skip + max + 1
	}

	hits, total, err := p.fetchHits(ctx, search.Request{Query: q, Filters: filters}, needed)
	if err != nil {
		return nil, err
	}

	candidates := make([]*model.Content, 0, len(hits))
	for _, hit := range hits {
		c, err := p.contents.GetContent(ctx, repositoryID, hit.ID)
		if errors.Is(err, store.ErrNotFound) {
			// Index lag: the object was deleted after indexing.
			log.Printf("query: skipping stale hit %s in %s", hit.ID, repositoryID)
			continue
		}
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}

	permitted, err := p.perms.FilterReadable(ctx, repositoryID, userID, candidates)
	if err != nil {
		return nil, err
	}

	if len(sortKeys) > 0 {
		sortContents(permitted, def, sortKeys)
	}

	fetchedAll := int64(len(hits)) >= total
	numItems := total
	if fetchedAll {
		numItems = int64(len(permitted))
	}

	if skip > len(permitted) {
		skip = len(permitted)
	}
	end := len(permitted)
	if max > 0 && skip+max < end {
		end = skip + max
	}
	hasMore := end < len(permitted) || !fetchedAll
	window := permitted[skip:end]

	rows := make([]map[string]any, 0, len(window))
	for _, c := range window {
		rows = append(rows, p.projectRow(def, columns, c))
	}
	return &Result{Rows: rows, NumItems: numItems, HasMoreItems: hasMore}, nil
}

// fetchHits pages through the engine until needed hits are collected or the
// match set is exhausted. needed < 0 fetches the whole match set.
func (p *Processor) fetchHits(ctx context.Context, req search.Request, needed int) ([]search.Hit, int64, error) {
	var hits []search.Hit
	var total int64
	for {
		rows := fetchPageSize
		if needed >= 0 {
			remaining := needed - len(hits)
			if remaining <= 0 {
				break
			}
			if remaining < rows {
				rows = remaining
			}
		}
		req.Start = len(hits)
		req.Rows = rows
		res, err := p.searcher.Search(ctx, req)
		if err != nil {
			return nil, 0, err
		}
		total = res.Total
		hits = append(hits, res.Hits...)
		if len(res.Hits) < rows || int64(len(hits)) >= total {
			break
		}
	}
	return hits, total, nil
}

// typeFilter restricts matches to the queried type and those descendants
// that opt into supertype queries. Excluded subtrees stay excluded whole.
func (p *Processor) typeFilter(repositoryID string, def *model.TypeDefinition) (string, error) {
	root, err := p.types.GetTypesDescendants(repositoryID, def.ID, -1, false)
	if err != nil {
		return "", err
	}
	ids := []string{search.EscapeQueryChars(def.ID)}
	var walk func(node *model.TypeContainer)
	walk = func(node *model.TypeContainer) {
		for _, child := range node.Children {
			if !child.Type.IncludedInSupertypeQuery {
				continue
			}
			ids = append(ids, search.EscapeQueryChars(child.Type.ID))
			walk(child)
		}
	}
	walk(root)
	return search.FieldType + ":(" + strings.Join(ids, " OR ") + ")", nil
}

// projectionColumns validates the select list against the type and returns
// the property definitions to project, keyed order preserved. SELECT *
// expands to every queryable property of the resolved type in query-name
// order.
func (p *Processor) projectionColumns(def *model.TypeDefinition, list *SelectList) ([]*model.PropertyDefinition, error) {
	if list.Star {
		cols := make([]*model.PropertyDefinition, 0, len(def.Properties))
		for _, pd := range def.Properties {
			if !pd.Queryable {
				continue
			}
			cols = append(cols, pd)
		}
		sort.Slice(cols, func(i, j int) bool { return cols[i].QueryName < cols[j].QueryName })
		return cols, nil
	}
	cols := make([]*model.PropertyDefinition, 0, len(list.Columns))
	for _, name := range list.Columns {
		pd := p.types.PropertyDefinitionForQueryName(def, name)
		if pd == nil {
			return nil, fmt.Errorf("%w: unknown column %s in select list", ErrInvalidQuery, name)
		}
		cols = append(cols, pd)
	}
	return cols, nil
}

type sortKey struct {
	pd   *model.PropertyDefinition
	desc bool
}

func (p *Processor) sortKeys(def *model.TypeDefinition, specs []*SortSpec) ([]sortKey, error) {
	keys := make([]sortKey, 0, len(specs))
	for _, spec := range specs {
		pd := p.types.PropertyDefinitionForQueryName(def, spec.Column)
		if pd == nil {
			return nil, fmt.Errorf("%w: unknown ORDER BY column %s", ErrInvalidQuery, spec.Column)
		}
		if !pd.Orderable {
			return nil, fmt.Errorf("%w: column %s is not orderable", ErrInvalidQuery, spec.Column)
		}
		keys = append(keys, sortKey{pd: pd, desc: spec.Desc})
	}
	return keys, nil
}

// sortContents orders in place by the sort keys, stably so equal keys keep
// engine relevance order.
func sortContents(contents []*model.Content, def *model.TypeDefinition, keys []sortKey) {
	sort.SliceStable(contents, func(i, j int) bool {
		for _, k := range keys {
			a := propertyValue(def, k.pd, contents[i])
			b := propertyValue(def, k.pd, contents[j])
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if k.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func (p *Processor) projectRow(def *model.TypeDefinition, columns []*model.PropertyDefinition, c *model.Content) map[string]any {
	row := make(map[string]any, len(columns))
	for _, pd := range columns {
		row[pd.QueryName] = propertyValue(def, pd, c)
	}
	return row
}

// propertyValue reads one property off a content object: system properties
// from the fixed fields, the rest from the dynamic property map.
func propertyValue(def *model.TypeDefinition, pd *model.PropertyDefinition, c *model.Content) any {
	switch pd.QueryName {
	case "depot:objectId":
		return c.ID
	case "depot:name":
		return c.Name
	case "depot:objectTypeId":
		return c.TypeID
	case "depot:baseTypeId":
		return string(def.BaseTypeID)
	case "depot:parentId":
		return c.ParentID
	case "depot:createdBy":
		return c.Creator
	case "depot:creationDate":
		return c.Created
	case "depot:lastModifiedBy":
		return c.Modifier
	case "depot:lastModificationDate":
		return c.Modified
	case "depot:contentStreamId":
		return c.AttachmentID
	}
	if c.Properties == nil {
		return nil
	}
	return c.Properties[pd.ID]
}

// compareValues orders two property values of the same property. Nil sorts
// first. Numeric values may arrive as float64 or int after JSON decoding.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0
		}
		return strings.Compare(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0
		}
		return av.Compare(bv)
	case bool:
		bv, ok := b.(bool)
		if !ok || av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	default:
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		if !aok || !bok {
			return 0
		}
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
