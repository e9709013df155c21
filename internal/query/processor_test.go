package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"depot/api/internal/model"
	"depot/api/internal/search"
	"depot/api/internal/store"
)

type fakeTypes struct {
	def  *model.TypeDefinition
	tree *model.TypeContainer
}

func (f *fakeTypes) TypeDefinitionByQueryName(_, queryName string) (*model.TypeDefinition, error) {
	if queryName == f.def.QueryName || queryName == f.def.ID {
		return f.def, nil
	}
	return nil, fmt.Errorf("%s: unknown type", queryName)
}

func (f *fakeTypes) GetTypesDescendants(_, _ string, _ int, _ bool) (*model.TypeContainer, error) {
	if f.tree != nil {
		return f.tree, nil
	}
	return &model.TypeContainer{Type: f.def}, nil
}

func (f *fakeTypes) PropertyDefinitionForQueryName(def *model.TypeDefinition, queryName string) *model.PropertyDefinition {
	return fakeProps{}.PropertyDefinitionForQueryName(def, queryName)
}

type fakeContents struct {
	objects map[string]*model.Content
}

func (f *fakeContents) GetContent(_ context.Context, _, id string) (*model.Content, error) {
	c, ok := f.objects[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	return c, nil
}

func (f *fakeContents) DescendantFolderIDs(context.Context, string, string) ([]string, error) {
	return nil, nil
}

type fakePerms struct {
	admin  bool
	denied map[string]bool
}

func (f *fakePerms) IsAdmin(context.Context, string, string) (bool, error) {
	return f.admin, nil
}

func (f *fakePerms) BuildReaderFilterQuery(context.Context, string, string) (string, error) {
	return "readers:anyone OR readers:user\\:u1", nil
}

func (f *fakePerms) FilterReadable(_ context.Context, _, _ string, contents []*model.Content) ([]*model.Content, error) {
	out := make([]*model.Content, 0, len(contents))
	for _, c := range contents {
		if !f.denied[c.ID] {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeSearcher struct {
	last    search.Request
	results search.Results
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, req search.Request) (search.Results, error) {
	f.last = req
	return f.results, f.err
}

func (f *fakeSearcher) Healthy() bool { return true }

func invoice(id, name string, amount float64) *model.Content {
	return &model.Content{
		ID: id, RepositoryID: "bedroom", TypeID: "invoice", Name: name,
		Properties: map[string]any{"amount": amount},
		Creator:    "u1", Created: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newFixture(hits []search.Hit, total int64, objects ...*model.Content) (*Processor, *fakeSearcher, *fakePerms) {
	byID := make(map[string]*model.Content)
	for _, c := range objects {
		byID[c.ID] = c
	}
	searcher := &fakeSearcher{results: search.Results{Hits: hits, Total: total}}
	perms := &fakePerms{denied: map[string]bool{}}
	p := NewProcessor(
		&fakeTypes{def: queryDef()},
		&fakeContents{objects: byID},
		perms,
		searcher,
	)
	return p, searcher, perms
}

func TestQueryFiltersAndProjection(t *testing.T) {
	p, searcher, _ := newFixture(
		[]search.Hit{{ID: "c1"}, {ID: "c2"}}, 2,
		invoice("c1", "alpha", 10), invoice("c2", "beta", 20))

	res, err := p.Query(context.Background(), "bedroom", "u1",
		"SELECT depot:name, amount FROM invoice WHERE amount > 5", Options{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(res.Rows))
	}
	if res.Rows[0]["depot:name"] != "alpha" || res.Rows[0]["amount"] != 10.0 {
		t.Errorf("row 0 = %v", res.Rows[0])
	}
	if res.HasMoreItems {
		t.Errorf("unexpected HasMoreItems")
	}

	if searcher.last.Query != "dynamic.property.amount:{5 TO *}" {
		t.Errorf("query = %q", searcher.last.Query)
	}
	joined := strings.Join(searcher.last.Filters, " | ")
	if !strings.Contains(joined, "repository_id:bedroom") {
		t.Errorf("missing repository filter in %q", joined)
	}
	if !strings.Contains(joined, "objecttype:(invoice)") {
		t.Errorf("missing type filter in %q", joined)
	}
	if !strings.Contains(joined, "readers:anyone") {
		t.Errorf("missing reader filter in %q", joined)
	}
}

func TestQueryTypeFilterIncludesOptedInDescendants(t *testing.T) {
	def := queryDef()
	tree := &model.TypeContainer{
		Type: def,
		Children: []*model.TypeContainer{
			{Type: &model.TypeDefinition{ID: "invoice:paid", IncludedInSupertypeQuery: true}},
			{Type: &model.TypeDefinition{ID: "invoice:draft", IncludedInSupertypeQuery: false}},
		},
	}
	searcher := &fakeSearcher{}
	p := NewProcessor(
		&fakeTypes{def: def, tree: tree},
		&fakeContents{objects: map[string]*model.Content{}},
		&fakePerms{denied: map[string]bool{}},
		searcher,
	)
	if _, err := p.Query(context.Background(), "bedroom", "u1", "SELECT * FROM invoice", Options{}); err != nil {
		t.Fatalf("query: %v", err)
	}
	joined := strings.Join(searcher.last.Filters, " | ")
	if !strings.Contains(joined, "objecttype:(invoice OR invoice\\:paid)") {
		t.Errorf("type filter = %q", joined)
	}
	if strings.Contains(joined, "invoice\\:draft") {
		t.Errorf("excluded subtype leaked into %q", joined)
	}
}

func TestQueryAdminSkipsReaderFilter(t *testing.T) {
	p, searcher, perms := newFixture(nil, 0)
	perms.admin = true
	if _, err := p.Query(context.Background(), "bedroom", "root", "SELECT * FROM invoice", Options{}); err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, f := range searcher.last.Filters {
		if strings.Contains(f, "readers:") {
			t.Errorf("admin query carries reader filter %q", f)
		}
	}
}

func TestQueryPermissionFilterIsAuthoritative(t *testing.T) {
	p, _, perms := newFixture(
		[]search.Hit{{ID: "c1"}, {ID: "c2"}}, 2,
		invoice("c1", "alpha", 10), invoice("c2", "beta", 20))
	perms.denied["c2"] = true

	res, err := p.Query(context.Background(), "bedroom", "u1", "SELECT depot:name FROM invoice", Options{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0]["depot:name"] != "alpha" {
		t.Errorf("rows = %v", res.Rows)
	}
	if res.NumItems != 1 {
		t.Errorf("NumItems = %d, want 1", res.NumItems)
	}
}

func TestQuerySkipsStaleHits(t *testing.T) {
	p, _, _ := newFixture(
		[]search.Hit{{ID: "gone"}, {ID: "c1"}}, 2,
		invoice("c1", "alpha", 10))

	res, err := p.Query(context.Background(), "bedroom", "u1", "SELECT depot:name FROM invoice", Options{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0]["depot:name"] != "alpha" {
		t.Errorf("rows = %v", res.Rows)
	}
}

func TestQueryPagination(t *testing.T) {
	p, _, _ := newFixture(
		[]search.Hit{{ID: "c1"}, {ID: "c2"}, {ID: "c3"}}, 3,
		invoice("c1", "alpha", 1), invoice("c2", "beta", 2), invoice("c3", "gamma", 3))

	res, err := p.Query(context.Background(), "bedroom", "u1",
		"SELECT depot:name FROM invoice ORDER BY depot:name", Options{SkipCount: 1, MaxItems: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0]["depot:name"] != "beta" {
		t.Errorf("rows = %v", res.Rows)
	}
	if !res.HasMoreItems {
		t.Errorf("expected HasMoreItems")
	}
	if res.NumItems != 3 {
		t.Errorf("NumItems = %d, want 3", res.NumItems)
	}
}

func TestSelectStarProjectsOnlyQueryableProperties(t *testing.T) {
	c := invoice("c1", "alpha", 10)
	c.Properties["secret"] = "classified"
	p, _, _ := newFixture([]search.Hit{{ID: "c1"}}, 1, c)

	res, err := p.Query(context.Background(), "bedroom", "u1", "SELECT * FROM invoice", Options{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(res.Rows))
	}
	row := res.Rows[0]
	if _, present := row["secret"]; present {
		t.Errorf("non-queryable property projected: %v", row)
	}
	if row["amount"] != 10.0 || row["depot:name"] != "alpha" {
		t.Errorf("queryable properties missing from %v", row)
	}
}

func TestQueryAbsentMaxItemsReturnsAllRemaining(t *testing.T) {
	var hits []search.Hit
	var objects []*model.Content
	for i := 0; i < 150; i++ {
		id := fmt.Sprintf("c%03d", i)
		hits = append(hits, search.Hit{ID: id})
		objects = append(objects, invoice(id, "inv-"+id, float64(i)))
	}
	p, _, _ := newFixture(hits, int64(len(hits)), objects...)

	res, err := p.Query(context.Background(), "bedroom", "u1", "SELECT depot:name FROM invoice", Options{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 150 {
		t.Fatalf("rows = %d, want all 150", len(res.Rows))
	}
	if res.NumItems != 150 {
		t.Errorf("NumItems = %d, want 150", res.NumItems)
	}
	if res.HasMoreItems {
		t.Errorf("unexpected HasMoreItems with full result returned")
	}

	res, err = p.Query(context.Background(), "bedroom", "u1", "SELECT depot:name FROM invoice", Options{SkipCount: 100})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 50 {
		t.Errorf("rows after skip = %d, want the 50 remaining", len(res.Rows))
	}
	if res.HasMoreItems {
		t.Errorf("unexpected HasMoreItems after skip")
	}
}

func TestQueryOrderByDescending(t *testing.T) {
	p, _, _ := newFixture(
		[]search.Hit{{ID: "c1"}, {ID: "c2"}, {ID: "c3"}}, 3,
		invoice("c1", "alpha", 1), invoice("c2", "beta", 2), invoice("c3", "gamma", 3))

	res, err := p.Query(context.Background(), "bedroom", "u1",
		"SELECT depot:name FROM invoice ORDER BY depot:name DESC", Options{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var names []string
	for _, row := range res.Rows {
		names = append(names, row["depot:name"].(string))
	}
	want := []string{"gamma", "beta", "alpha"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order = %v, want %v", names, want)
		}
	}
}

func TestQueryEmptyResult(t *testing.T) {
	p, _, _ := newFixture(nil, 0)
	res, err := p.Query(context.Background(), "bedroom", "u1", "SELECT * FROM invoice", Options{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 0 || res.NumItems != 0 || res.HasMoreItems {
		t.Errorf("result = %+v, want empty", res)
	}
}

func TestQueryInvalidStatements(t *testing.T) {
	p, _, _ := newFixture(nil, 0)
	cases := []string{
		"SELECT * FROM unknowntype",
		"SELECT nonexistent FROM invoice",
		"SELECT * FROM invoice ORDER BY amount", // amount is not orderable
		"not sql at all",
	}
	for _, q := range cases {
		if _, err := p.Query(context.Background(), "bedroom", "u1", q, Options{}); !errors.Is(err, ErrInvalidQuery) {
			t.Errorf("query %q: expected ErrInvalidQuery, got %v", q, err)
		}
	}
}

func TestQueryNonQueryableType(t *testing.T) {
	def := queryDef()
	def.Queryable = false
	p := NewProcessor(&fakeTypes{def: def}, &fakeContents{}, &fakePerms{}, &fakeSearcher{})
	if _, err := p.Query(context.Background(), "bedroom", "u1", "SELECT * FROM invoice", Options{}); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("expected ErrInvalidQuery, got %v", err)
	}
}
