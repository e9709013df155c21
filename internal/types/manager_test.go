package types

import (
	"context"
	"errors"
	"testing"

	"depot/api/internal/model"
)

const repo = "r1"

type fakeInstances struct {
	inUse   map[string]bool
	queried [][]string
}

func (f *fakeInstances) HasInstancesOfTypes(_ context.Context, _ string, typeIDs []string) (bool, error) {
	f.queried = append(f.queried, typeIDs)
	for _, id := range typeIDs {
		if f.inUse[id] {
			return true, nil
		}
	}
	return false, nil
}

func subtype(id, parent string, props ...*model.PropertyDefinition) *model.TypeDefinition {
	def := &model.TypeDefinition{
		ID:                       id,
		QueryName:                id,
		ParentTypeID:             parent,
		Queryable:                true,
		IncludedInSupertypeQuery: true,
		Properties:               make(map[string]*model.PropertyDefinition),
	}
	for _, p := range props {
		def.Properties[p.ID] = p
	}
	return def
}

func stringProp(id string) *model.PropertyDefinition {
	return &model.PropertyDefinition{
		ID:           id,
		QueryName:    id,
		PropertyType: model.PropertyString,
		Cardinality:  model.CardinalitySingle,
		Queryable:    true,
	}
}

func newTestManager(t *testing.T, inst InstanceChecker) *Manager {
	t.Helper()
	m := NewManager(inst, nil)
	if err := m.AddRepository(repo, nil); err != nil {
		t.Fatalf("AddRepository failed: %v", err)
	}
	return m
}

func TestInheritanceResolution(t *testing.T) {
	m := newTestManager(t, nil)

	if err := m.AddTypeDefinition(repo, subtype("doc", string(model.BaseDocument), stringProp("title")), false); err != nil {
		t.Fatalf("AddTypeDefinition failed: %v", err)
	}

	def, err := m.GetTypeDefinition(repo, "doc")
	if err != nil {
		t.Fatalf("GetTypeDefinition failed: %v", err)
	}

	title, ok := def.Properties["title"]
	if !ok {
		t.Fatal("declared property title missing from resolved set")
	}
	if title.Inherited {
		t.Error("locally declared property must not be inherited")
	}

	name, ok := def.Properties["depot:name"]
	if !ok {
		t.Fatal("depot:name missing from resolved set")
	}
	if !name.Inherited {
		t.Error("property declared on base type must be inherited on subtype")
	}
}

func TestInheritanceOverride(t *testing.T) {
	m := newTestManager(t, nil)

	override := stringProp("depot:name")
	override.Cardinality = model.CardinalityMulti
	if err := m.AddTypeDefinition(repo, subtype("doc", string(model.BaseDocument), override), false); err != nil {
		t.Fatalf("AddTypeDefinition failed: %v", err)
	}

	def, err := m.GetTypeDefinition(repo, "doc")
	if err != nil {
		t.Fatalf("GetTypeDefinition failed: %v", err)
	}
	pd := def.Properties["depot:name"]
	if pd.Inherited {
		t.Error("redeclared property must not be inherited")
	}
	if pd.Cardinality != model.CardinalityMulti {
		t.Error("redeclared property must shadow the supertype definition")
	}
}

func TestAddInheritedPropertiesCopiesResolvedSet(t *testing.T) {
	m := newTestManager(t, nil)

	if err := m.AddTypeDefinition(repo, subtype("doc", string(model.BaseDocument), stringProp("title")), false); err != nil {
		t.Fatalf("add doc: %v", err)
	}
	if err := m.AddTypeDefinition(repo, subtype("report", "doc", stringProp("reviewer")), true); err != nil {
		t.Fatalf("add report: %v", err)
	}

	def, err := m.GetTypeDefinition(repo, "report")
	if err != nil {
		t.Fatalf("GetTypeDefinition failed: %v", err)
	}
	for _, id := range []string{"title", "depot:name", "depot:objectId"} {
		pd, ok := def.Properties[id]
		if !ok {
			t.Fatalf("property %s missing from resolved set", id)
		}
		if !pd.Inherited {
			t.Errorf("property %s must carry inherited=true", id)
		}
	}
	if def.Properties["reviewer"].Inherited {
		t.Error("locally declared reviewer must not be inherited")
	}
}

func TestBaseTypeHasNoInheritedProperties(t *testing.T) {
	m := newTestManager(t, nil)
	def, err := m.GetTypeDefinition(repo, string(model.BaseDocument))
	if err != nil {
		t.Fatalf("GetTypeDefinition failed: %v", err)
	}
	for id, pd := range def.Properties {
		if pd.Inherited {
			t.Errorf("base type property %s flagged inherited", id)
		}
	}
}

func TestGetTypesDescendants(t *testing.T) {
	m := newTestManager(t, nil)
	for _, def := range []*model.TypeDefinition{
		subtype("doc", string(model.BaseDocument)),
		subtype("report", "doc"),
		subtype("memo", "doc"),
		subtype("audit-report", "report"),
	} {
		if err := m.AddTypeDefinition(repo, def, false); err != nil {
			t.Fatalf("add %s: %v", def.ID, err)
		}
	}

	tree, err := m.GetTypesDescendants(repo, "doc", -1, false)
	if err != nil {
		t.Fatalf("GetTypesDescendants failed: %v", err)
	}
	seen := map[string]int{}
	var walk func(*model.TypeContainer)
	walk = func(c *model.TypeContainer) {
		seen[c.Type.ID]++
		for _, child := range c.Children {
			walk(child)
		}
	}
	walk(tree)
	for _, id := range []string{"doc", "report", "memo", "audit-report"} {
		if seen[id] != 1 {
			t.Errorf("type %s visited %d times, want exactly once", id, seen[id])
		}
	}

	limited, err := m.GetTypesDescendants(repo, "doc", 1, false)
	if err != nil {
		t.Fatalf("GetTypesDescendants depth=1 failed: %v", err)
	}
	for _, child := range limited.Children {
		if len(child.Children) != 0 {
			t.Errorf("depth 1 must not descend into %s's children", child.Type.ID)
		}
	}
}

func TestDescendantsSkipTypeBeingDeleted(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.AddTypeDefinition(repo, subtype("doc", string(model.BaseDocument)), false); err != nil {
		t.Fatalf("add doc: %v", err)
	}
	if err := m.AddTypeDefinition(repo, subtype("report", "doc"), false); err != nil {
		t.Fatalf("add report: %v", err)
	}

	m.MarkTypeBeingDeleted(repo, "report")
	tree, err := m.GetTypesDescendants(repo, "doc", -1, false)
	if err != nil {
		t.Fatalf("GetTypesDescendants failed: %v", err)
	}
	if len(tree.Children) != 0 {
		t.Error("type marked as being deleted must be excluded from traversal")
	}

	m.UnmarkTypeBeingDeleted(repo, "report")
	tree, err = m.GetTypesDescendants(repo, "doc", -1, false)
	if err != nil {
		t.Fatalf("GetTypesDescendants failed: %v", err)
	}
	if len(tree.Children) != 1 {
		t.Error("unmarked type must reappear in traversal")
	}
}

func TestDeleteTypeInUse(t *testing.T) {
	inst := &fakeInstances{inUse: map[string]bool{"report": true}}
	m := newTestManager(t, inst)
	if err := m.AddTypeDefinition(repo, subtype("doc", string(model.BaseDocument)), false); err != nil {
		t.Fatalf("add doc: %v", err)
	}
	if err := m.AddTypeDefinition(repo, subtype("report", "doc"), false); err != nil {
		t.Fatalf("add report: %v", err)
	}

	// An instance of the descendant blocks deleting the ancestor.
	err := m.DeleteTypeDefinition(context.Background(), repo, "doc")
	if !errors.Is(err, ErrTypeInUse) {
		t.Fatalf("expected ErrTypeInUse, got %v", err)
	}
	if _, err := m.GetTypeDefinition(repo, "doc"); err != nil {
		t.Errorf("failed delete must leave the type intact: %v", err)
	}

	inst.inUse = nil
	if err := m.DeleteTypeDefinition(context.Background(), repo, "doc"); err != nil {
		t.Fatalf("delete with zero instances failed: %v", err)
	}
	if _, err := m.GetTypeDefinition(repo, "doc"); !errors.Is(err, ErrTypeNotFound) {
		t.Errorf("expected ErrTypeNotFound after delete, got %v", err)
	}
	if _, err := m.GetTypeDefinition(repo, "report"); !errors.Is(err, ErrTypeNotFound) {
		t.Errorf("descendants must be removed with their ancestor, got %v", err)
	}
}

func TestDeleteBaseTypeRejected(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.DeleteTypeDefinition(context.Background(), repo, string(model.BaseDocument))
	if !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}

func TestAddTypeValidation(t *testing.T) {
	m := newTestManager(t, nil)

	err := m.AddTypeDefinition(repo, subtype("doc", "no-such-parent"), false)
	if !errors.Is(err, ErrInvalidType) {
		t.Errorf("unknown parent: expected ErrInvalidType, got %v", err)
	}

	bad := subtype("doc", string(model.BaseDocument))
	bad.BaseTypeID = model.BaseFolder
	err = m.AddTypeDefinition(repo, bad, false)
	if !errors.Is(err, ErrInvalidType) {
		t.Errorf("base family mismatch: expected ErrInvalidType, got %v", err)
	}
}

func TestPropertyDefinitionForQueryName(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.AddTypeDefinition(repo, subtype("doc", string(model.BaseDocument), stringProp("title")), false); err != nil {
		t.Fatalf("add doc: %v", err)
	}
	def, err := m.GetTypeDefinition(repo, "doc")
	if err != nil {
		t.Fatalf("GetTypeDefinition failed: %v", err)
	}

	pd := m.PropertyDefinitionForQueryName(def, "depot:name")
	if pd == nil {
		t.Fatal("depot:name must resolve on subtype")
	}
	if !pd.Inherited {
		t.Error("depot:name on subtype must carry inherited=true")
	}
	if m.PropertyDefinitionForQueryName(def, "DEPOT:NAME") != nil {
		t.Error("query-name match must be case-sensitive")
	}
	if m.PropertyDefinitionForQueryName(def, "nope") != nil {
		t.Error("unknown query name must return nil")
	}
}

func TestUnknownRepository(t *testing.T) {
	m := NewManager(nil, nil)
	if _, err := m.GetTypeDefinition("ghost", "doc"); !errors.Is(err, ErrRepositoryNotFound) {
		t.Fatalf("expected ErrRepositoryNotFound, got %v", err)
	}
}
