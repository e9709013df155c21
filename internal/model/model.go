// Package model holds the shared data types of the depot content repository:
// type definitions, property definitions, content objects, ACLs and tokens.
package model

import "time"

// BaseType is the closed set of root types a type definition can descend from.
type BaseType string

const (
	BaseDocument     BaseType = "depot:document"
	BaseFolder       BaseType = "depot:folder"
	BaseRelationship BaseType = "depot:relationship"
	BasePolicy       BaseType = "depot:policy"
	BaseItem         BaseType = "depot:item"
)

// KnownBaseType reports whether id names one of the fixed base types.
func KnownBaseType(id string) bool {
	switch BaseType(id) {
	case BaseDocument, BaseFolder, BaseRelationship, BasePolicy, BaseItem:
		return true
	}
	return false
}

// PropertyType enumerates the value types a property can carry.
type PropertyType string

const (
	PropertyString   PropertyType = "string"
	PropertyInteger  PropertyType = "integer"
	PropertyDecimal  PropertyType = "decimal"
	PropertyDateTime PropertyType = "datetime"
	PropertyBoolean  PropertyType = "boolean"
	PropertyID       PropertyType = "id"
	PropertyURI      PropertyType = "uri"
	PropertyHTML     PropertyType = "html"
)

// Cardinality says whether a property holds one value or a list.
type Cardinality string

const (
	CardinalitySingle Cardinality = "single"
	CardinalityMulti  Cardinality = "multi"
)

// Updatability controls when a property value may be written.
type Updatability string

const (
	UpdatabilityReadOnly  Updatability = "readonly"
	UpdatabilityReadWrite Updatability = "readwrite"
	UpdatabilityOnCreate  Updatability = "oncreate"
)

// PropertyDefinition describes one typed property of a type definition.
// Inherited is derived at resolution time, never stored: it is true when the
// property was first declared on a supertype of the type being resolved.
type PropertyDefinition struct {
	ID           string       `json:"id" yaml:"id"`
	QueryName    string       `json:"queryName" yaml:"queryName"`
	PropertyType PropertyType `json:"propertyType" yaml:"propertyType"`
	Cardinality  Cardinality  `json:"cardinality" yaml:"cardinality"`
	Updatability Updatability `json:"updatability" yaml:"updatability"`
	Required     bool         `json:"required" yaml:"required"`
	Queryable    bool         `json:"queryable" yaml:"queryable"`
	Orderable    bool         `json:"orderable" yaml:"orderable"`
	Inherited    bool         `json:"inherited" yaml:"-"`
}

// TypeDefinition is one node of a repository's type hierarchy. The variant is
// selected by BaseType rather than subtyping; Versionable is meaningful only
// on the document variant and ignored elsewhere.
type TypeDefinition struct {
	ID           string   `json:"id"`
	QueryName    string   `json:"queryName"`
	DisplayName  string   `json:"displayName"`
	ParentTypeID string   `json:"parentTypeId"` // empty only for base types
	BaseTypeID   BaseType `json:"baseTypeId"`

	Properties map[string]*PropertyDefinition `json:"properties"`

	Creatable                bool `json:"creatable"`
	Queryable                bool `json:"queryable"`
	Fileable                 bool `json:"fileable"`
	IncludedInSupertypeQuery bool `json:"includedInSupertypeQuery"`
	ControllableACL          bool `json:"controllableAcl"`

	// Document variant only.
	Versionable bool `json:"versionable,omitempty"`
}

// IsBase reports whether the definition is one of the fixed roots.
func (t *TypeDefinition) IsBase() bool {
	return t.ParentTypeID == ""
}

// Clone returns a deep copy, so resolved property sets can be mutated
// without touching registry state.
func (t *TypeDefinition) Clone() *TypeDefinition {
	cp := *t
	cp.Properties = make(map[string]*PropertyDefinition, len(t.Properties))
	for id, pd := range t.Properties {
		p := *pd
		cp.Properties[id] = &p
	}
	return &cp
}

// TypeContainer is one node of a descendants tree returned by the type
// manager. Children are exactly the types whose parent is this type.
type TypeContainer struct {
	Type     *TypeDefinition  `json:"type"`
	Children []*TypeContainer `json:"children,omitempty"`
}

// ACE grants a set of permission names to one principal.
type ACE struct {
	PrincipalID string   `json:"principalId"`
	Permissions []string `json:"permissions"`
	Direct      bool     `json:"direct"`
}

// ACL is the access-control list attached to a content object.
type ACL struct {
	Entries []ACE `json:"entries"`
}

// AllEntries returns every ACE, direct and inherited. A nil ACL has none.
func (a *ACL) AllEntries() []ACE {
	if a == nil {
		return nil
	}
	return a.Entries
}

// Content is a stored object: a document, folder, relationship, policy or
// item instance. Properties are keyed by property id.
type Content struct {
	ID           string         `json:"id"`
	RepositoryID string         `json:"repositoryId"`
	TypeID       string         `json:"typeId"`
	Name         string         `json:"name"`
	ParentID     string         `json:"parentId"`
	ACL          *ACL           `json:"acl,omitempty"`
	Properties   map[string]any `json:"properties"`
	Creator      string         `json:"creator"`
	Created      time.Time      `json:"created"`
	Modifier     string         `json:"modifier"`
	Modified     time.Time      `json:"modified"`
	AttachmentID string         `json:"attachmentId,omitempty"`
}

// Token is a short-lived authentication token scoped to (app, repository,
// user). Expiration is epoch milliseconds; expired tokens are treated as
// absent by lookups, they are never swept proactively.
type Token struct {
	App          string `json:"app"`
	RepositoryID string `json:"repositoryId"`
	UserID       string `json:"userId"`
	Value        string `json:"token"`
	Expiration   int64  `json:"expiration"`
}

// Expired reports whether the token is past its expiration at time now.
func (t Token) Expired(now time.Time) bool {
	return now.UnixMilli() >= t.Expiration
}

// User is a principal that can authenticate and own tokens.
type User struct {
	ID           string `json:"id"`
	RepositoryID string `json:"repositoryId"`
	Name         string `json:"name"`
	Admin        bool   `json:"admin"`
}

// Group is a principal whose members are users or other groups.
type Group struct {
	ID           string   `json:"id"`
	RepositoryID string   `json:"repositoryId"`
	Name         string   `json:"name"`
	Users        []string `json:"users"`
	Groups       []string `json:"groups"`
}
