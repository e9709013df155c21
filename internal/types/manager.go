// Package types holds the per-repository type system: registration,
// single-parent inheritance of property definitions, and hierarchy
// traversal for supertype-inclusive queries.
package types

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"depot/api/internal/cache"
	"depot/api/internal/model"
)

var (
	// ErrRepositoryNotFound means the repository id is not activated.
	ErrRepositoryNotFound = errors.New("repository not found")
	// ErrTypeNotFound means the type id does not exist in the repository.
	ErrTypeNotFound = errors.New("type not found")
	// ErrTypeInUse rejects deleting a type that still has content
	// instances, directly or through a descendant type.
	ErrTypeInUse = errors.New("type in use")
	// ErrInvalidType rejects a definition that fails validation.
	ErrInvalidType = errors.New("invalid type definition")
)

// InstanceChecker is the storage collaborator the manager consults before a
// type deletion: it reports whether any stored content references one of the
// given type ids.
type InstanceChecker interface {
	HasInstancesOfTypes(ctx context.Context, repositoryID string, typeIDs []string) (bool, error)
}

// registry is one repository's type graph.
type registry struct {
	types    map[string]*model.TypeDefinition
	children map[string][]string
}

// Manager resolves type definitions and their inherited property sets.
// Read lookups take a read lock only; structural mutation serializes behind
// the write lock and never holds it across collaborator I/O.
type Manager struct {
	instances InstanceChecker
	pool      *cache.Pool

	mu           sync.RWMutex
	repos        map[string]*registry
	beingDeleted map[string]map[string]struct{}
}

func NewManager(instances InstanceChecker, pool *cache.Pool) *Manager {
	if pool == nil {
		pool = cache.NewPool(cache.Config{Disabled: true})
	}
	return &Manager{
		instances:    instances,
		pool:         pool,
		repos:        make(map[string]*registry),
		beingDeleted: make(map[string]map[string]struct{}),
	}
}

// AddRepository activates a repository's type system, seeding the fixed base
// types plus any stored custom definitions. Re-adding replaces the registry.
func (m *Manager) AddRepository(repositoryID string, defs []*model.TypeDefinition) error {
	reg := &registry{
		types:    make(map[string]*model.TypeDefinition),
		children: make(map[string][]string),
	}
	for _, base := range baseTypeDefinitions() {
		reg.types[base.ID] = base
	}
	// Register parents before children regardless of input order.
	pending := append([]*model.TypeDefinition(nil), defs...)
	for len(pending) > 0 {
		progressed := false
		var rest []*model.TypeDefinition
		for _, def := range pending {
			if _, ok := reg.types[def.ParentTypeID]; ok {
				if err := validateForRegistry(reg, def); err != nil {
					return err
				}
				reg.types[def.ID] = def.Clone()
				reg.children[def.ParentTypeID] = append(reg.children[def.ParentTypeID], def.ID)
				progressed = true
				continue
			}
			rest = append(rest, def)
		}
		if !progressed {
			return fmt.Errorf("%w: unresolvable parent chain for %d type(s)", ErrInvalidType, len(rest))
		}
		pending = rest
	}
	for parent := range reg.children {
		sort.Strings(reg.children[parent])
	}

	m.mu.Lock()
	m.repos[repositoryID] = reg
	m.mu.Unlock()
	m.pool.Get(repositoryID).Purge()
	return nil
}

// RemoveRepository drops a repository's type system at tenant deactivation.
func (m *Manager) RemoveRepository(repositoryID string) {
	m.mu.Lock()
	delete(m.repos, repositoryID)
	delete(m.beingDeleted, repositoryID)
	m.mu.Unlock()
}

// GetTypeDefinition returns the type with its fully resolved property set,
// inherited definitions included and flagged.
func (m *Manager) GetTypeDefinition(repositoryID, typeID string) (*model.TypeDefinition, error) {
	if cached, ok := m.pool.Get(repositoryID).Get(cache.CategoryType, typeID); ok {
		if def, ok := cached.(*model.TypeDefinition); ok {
			return def, nil
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.repos[repositoryID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", repositoryID, ErrRepositoryNotFound)
	}
	def, err := resolve(reg, typeID)
	if err != nil {
		return nil, err
	}
	m.pool.Get(repositoryID).Put(cache.CategoryType, typeID, def)
	return def, nil
}

// GetTypesDescendants returns the subtree rooted at typeID. depth -1 means
// unlimited; depth 0 returns the root alone. Types marked as being deleted
// are excluded from traversal.
func (m *Manager) GetTypesDescendants(repositoryID, typeID string, depth int, includeProperties bool) (*model.TypeContainer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.repos[repositoryID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", repositoryID, ErrRepositoryNotFound)
	}
	if _, ok := reg.types[typeID]; !ok {
		return nil, fmt.Errorf("%s: %w", typeID, ErrTypeNotFound)
	}
	return m.buildContainer(repositoryID, reg, typeID, depth, includeProperties)
}

func (m *Manager) buildContainer(repositoryID string, reg *registry, typeID string, depth int, includeProperties bool) (*model.TypeContainer, error) {
	var def *model.TypeDefinition
	var err error
	if includeProperties {
		def, err = resolve(reg, typeID)
	} else {
		def = reg.types[typeID].Clone()
		def.Properties = nil
	}
	if err != nil {
		return nil, err
	}
	node := &model.TypeContainer{Type: def}
	if depth == 0 {
		return node, nil
	}
	next := depth
	if next > 0 {
		next--
	}
	for _, childID := range reg.children[typeID] {
		if m.typeBeingDeletedLocked(repositoryID, childID) {
			continue
		}
		child, err := m.buildContainer(repositoryID, reg, childID, next, includeProperties)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

// AddTypeDefinition registers a new subtype. When addInheritedProperties is
// set, the parent's resolved property set is copied onto the new type with
// inherited=true, except for ids the new type redeclares itself.
func (m *Manager) AddTypeDefinition(repositoryID string, def *model.TypeDefinition, addInheritedProperties bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.repos[repositoryID]
	if !ok {
		return fmt.Errorf("%s: %w", repositoryID, ErrRepositoryNotFound)
	}
	if _, exists := reg.types[def.ID]; exists {
		return fmt.Errorf("%w: type %s already exists", ErrInvalidType, def.ID)
	}
	if err := validateForRegistry(reg, def); err != nil {
		return err
	}

	stored := def.Clone()
	if addInheritedProperties {
		parent, err := resolve(reg, def.ParentTypeID)
		if err != nil {
			return err
		}
		if stored.Properties == nil {
			stored.Properties = make(map[string]*model.PropertyDefinition)
		}
		for id, pd := range parent.Properties {
			if _, redeclared := stored.Properties[id]; redeclared {
				continue
			}
			cp := *pd
			cp.Inherited = true
			stored.Properties[id] = &cp
		}
	}

	reg.types[stored.ID] = stored
	reg.children[stored.ParentTypeID] = append(reg.children[stored.ParentTypeID], stored.ID)
	sort.Strings(reg.children[stored.ParentTypeID])
	m.pool.Get(repositoryID).Delete(cache.CategoryType, stored.ID)
	return nil
}

// UpdateTypeDefinition replaces a non-base type in place. The parent and
// base type of a registered definition are immutable.
func (m *Manager) UpdateTypeDefinition(repositoryID string, def *model.TypeDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.repos[repositoryID]
	if !ok {
		return fmt.Errorf("%s: %w", repositoryID, ErrRepositoryNotFound)
	}
	existing, ok := reg.types[def.ID]
	if !ok {
		return fmt.Errorf("%s: %w", def.ID, ErrTypeNotFound)
	}
	if existing.IsBase() {
		return fmt.Errorf("%w: base type %s is immutable", ErrInvalidType, def.ID)
	}
	if def.ParentTypeID != existing.ParentTypeID || def.BaseTypeID != existing.BaseTypeID {
		return fmt.Errorf("%w: parent and base type of %s cannot change", ErrInvalidType, def.ID)
	}
	reg.types[def.ID] = def.Clone()
	m.pool.Get(repositoryID).Purge()
	return nil
}

// DeleteTypeDefinition removes a type. It fails with ErrTypeInUse while any
// stored content instance references the type or one of its descendants.
// The type is flagged as being deleted for the duration so concurrent
// hierarchy traversal (and the cache refresh it triggers) skips it.
func (m *Manager) DeleteTypeDefinition(ctx context.Context, repositoryID, typeID string) error {
	m.mu.RLock()
	reg, ok := m.repos[repositoryID]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("%s: %w", repositoryID, ErrRepositoryNotFound)
	}
	def, ok := reg.types[typeID]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("%s: %w", typeID, ErrTypeNotFound)
	}
	if def.IsBase() {
		m.mu.RUnlock()
		return fmt.Errorf("%w: base type %s cannot be deleted", ErrInvalidType, typeID)
	}
	affected := descendantIDs(reg, typeID)
	m.mu.RUnlock()

	m.MarkTypeBeingDeleted(repositoryID, typeID)
	defer m.UnmarkTypeBeingDeleted(repositoryID, typeID)

	// Instance check is collaborator I/O; no structural lock is held here.
	if m.instances != nil {
		inUse, err := m.instances.HasInstancesOfTypes(ctx, repositoryID, affected)
		if err != nil {
			return fmt.Errorf("check instances of %s: %w", typeID, err)
		}
		if inUse {
			return fmt.Errorf("%s: %w", typeID, ErrTypeInUse)
		}
	}

	m.mu.Lock()
	reg, ok = m.repos[repositoryID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", repositoryID, ErrRepositoryNotFound)
	}
	current, ok := reg.types[typeID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", typeID, ErrTypeNotFound)
	}
	for _, id := range descendantIDs(reg, typeID) {
		delete(reg.types, id)
		delete(reg.children, id)
	}
	// Only the subtree root has a surviving parent to detach from.
	reg.children[current.ParentTypeID] = removeString(reg.children[current.ParentTypeID], typeID)
	m.mu.Unlock()

	m.pool.Get(repositoryID).Purge()
	return nil
}

// MarkTypeBeingDeleted excludes a type from hierarchy traversal while its
// deletion is in flight.
func (m *Manager) MarkTypeBeingDeleted(repositoryID, typeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.beingDeleted[repositoryID]
	if !ok {
		set = make(map[string]struct{})
		m.beingDeleted[repositoryID] = set
	}
	set[typeID] = struct{}{}
}

// UnmarkTypeBeingDeleted lifts the traversal exclusion.
func (m *Manager) UnmarkTypeBeingDeleted(repositoryID, typeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.beingDeleted[repositoryID]; ok {
		delete(set, typeID)
	}
}

func (m *Manager) typeBeingDeletedLocked(repositoryID, typeID string) bool {
	set, ok := m.beingDeleted[repositoryID]
	if !ok {
		return false
	}
	_, marked := set[typeID]
	return marked
}

// TypeDefinitionByQueryName resolves a FROM-clause type reference to its
// resolved definition. The match is exact on the query name, with the type
// id accepted as a fallback.
func (m *Manager) TypeDefinitionByQueryName(repositoryID, queryName string) (*model.TypeDefinition, error) {
	m.mu.RLock()
	reg, ok := m.repos[repositoryID]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%s: %w", repositoryID, ErrRepositoryNotFound)
	}
	id := ""
	for tid, def := range reg.types {
		if def.QueryName == queryName {
			id = tid
			break
		}
	}
	if id == "" {
		if _, ok := reg.types[queryName]; ok {
			id = queryName
		}
	}
	m.mu.RUnlock()
	if id == "" {
		return nil, fmt.Errorf("%s: %w", queryName, ErrTypeNotFound)
	}
	return m.GetTypeDefinition(repositoryID, id)
}

// PropertyDefinitionForQueryName resolves a structured-query column
// reference against a resolved type definition. The match is case-sensitive
// and exact on the query name, not the property id. Returns nil when no
// property matches.
func (m *Manager) PropertyDefinitionForQueryName(def *model.TypeDefinition, queryName string) *model.PropertyDefinition {
	if def == nil {
		return nil
	}
	for _, pd := range def.Properties {
		if pd.QueryName == queryName {
			return pd
		}
	}
	return nil
}

// resolve computes the full property set of typeID: the locally declared
// properties first, then each ancestor's, skipping ids already present.
// Each property is flagged inherited when its declaring type differs from
// typeID. Base types have no inherited properties by definition.
func resolve(reg *registry, typeID string) (*model.TypeDefinition, error) {
	root, ok := reg.types[typeID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", typeID, ErrTypeNotFound)
	}
	// Properties already on the stored definition keep their inherited
	// flag: a copy made by AddTypeDefinition's addInheritedProperties was
	// declared on an ancestor and stays flagged.
	out := root.Clone()
	if out.Properties == nil {
		out.Properties = make(map[string]*model.PropertyDefinition)
	}

	current := root
	for current.ParentTypeID != "" {
		parent, ok := reg.types[current.ParentTypeID]
		if !ok {
			return nil, fmt.Errorf("%s: broken parent chain at %s: %w", typeID, current.ParentTypeID, ErrTypeNotFound)
		}
		for id, pd := range parent.Properties {
			if _, present := out.Properties[id]; present {
				continue
			}
			cp := *pd
			cp.Inherited = true
			out.Properties[id] = &cp
		}
		current = parent
	}
	return out, nil
}

// descendantIDs returns typeID plus every transitive descendant.
func descendantIDs(reg *registry, typeID string) []string {
	ids := []string{typeID}
	for i := 0; i < len(ids); i++ {
		ids = append(ids, reg.children[ids[i]]...)
	}
	return ids
}

func validateForRegistry(reg *registry, def *model.TypeDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidType)
	}
	if def.QueryName == "" {
		return fmt.Errorf("%w: type %s has no query name", ErrInvalidType, def.ID)
	}
	if def.ParentTypeID == "" {
		return fmt.Errorf("%w: type %s declares no parent; only built-in base types are roots", ErrInvalidType, def.ID)
	}
	parent, ok := reg.types[def.ParentTypeID]
	if !ok {
		return fmt.Errorf("%w: parent %s of %s: %s", ErrInvalidType, def.ParentTypeID, def.ID, "not found")
	}
	if def.BaseTypeID != "" && def.BaseTypeID != parent.BaseTypeID {
		return fmt.Errorf("%w: type %s base %s does not match parent family %s", ErrInvalidType, def.ID, def.BaseTypeID, parent.BaseTypeID)
	}
	def.BaseTypeID = parent.BaseTypeID
	return nil
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
