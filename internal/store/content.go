// Package store is the authoritative content store. The search index is a
// derived view of it; every index hit is re-hydrated here before anything
// is returned to a caller.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"depot/api/internal/model"
	"depot/api/internal/util"
)

// ErrNotFound is returned when an id does not resolve. Query-path callers
// treat it as an index/storage inconsistency and skip the hit.
var ErrNotFound = errors.New("content not found")

type ContentStore struct {
	db *sql.DB
}

func NewContentStore(db *sql.DB) *ContentStore {
	return &ContentStore{db: db}
}

func (s *ContentStore) DB() *sql.DB {
	return s.db
}

// ListRepositories returns the ids of every registered repository.
func (s *ContentStore) ListRepositories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM repositories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan repository id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetContent re-hydrates one object. Returns ErrNotFound for ids that no
// longer resolve.
func (s *ContentStore) GetContent(ctx context.Context, repositoryID, id string) (*model.Content, error) {
	const q = `
		SELECT id, repository_id, type_id, name, COALESCE(parent_id, ''),
			acl, properties, creator, created, modifier, modified,
			COALESCE(attachment_id, '')
		FROM contents WHERE repository_id = $1 AND id = $2
	`
	var c model.Content
	var aclRaw, propsRaw []byte
	err := s.db.QueryRowContext(ctx, q, repositoryID, id).Scan(
		&c.ID, &c.RepositoryID, &c.TypeID, &c.Name, &c.ParentID,
		&aclRaw, &propsRaw, &c.Creator, &c.Created, &c.Modifier, &c.Modified,
		&c.AttachmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get content %s: %w", id, err)
	}
	if len(aclRaw) > 0 {
		if err := json.Unmarshal(aclRaw, &c.ACL); err != nil {
			return nil, fmt.Errorf("decode acl of %s: %w", id, err)
		}
	}
	if len(propsRaw) > 0 {
		if err := json.Unmarshal(propsRaw, &c.Properties); err != nil {
			return nil, fmt.Errorf("decode properties of %s: %w", id, err)
		}
	}
	return &c, nil
}

// CreateContent stores a new object and returns it with generated fields
// filled in.
func (s *ContentStore) CreateContent(ctx context.Context, c *model.Content) (*model.Content, error) {
	if c.ID == "" {
		c.ID = util.NewID("")
	}
	now := time.Now().UTC()
	if c.Created.IsZero() {
		c.Created = now
	}
	c.Modified = now
	if c.Modifier == "" {
		c.Modifier = c.Creator
	}

	aclRaw, err := json.Marshal(c.ACL)
	if err != nil {
		return nil, fmt.Errorf("encode acl: %w", err)
	}
	propsRaw, err := json.Marshal(c.Properties)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}

	const q = `
		INSERT INTO contents
			(id, repository_id, type_id, name, parent_id, acl, properties,
			 creator, created, modifier, modified, attachment_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, NULLIF($12, ''))
	`
	if _, err := s.db.ExecContext(ctx, q,
		c.ID, c.RepositoryID, c.TypeID, c.Name, c.ParentID, aclRaw, propsRaw,
		c.Creator, c.Created, c.Modifier, c.Modified, c.AttachmentID); err != nil {
		return nil, fmt.Errorf("insert content %s: %w", c.ID, err)
	}
	return c, nil
}

// UpdateACL replaces the object's access-control list.
func (s *ContentStore) UpdateACL(ctx context.Context, repositoryID, id string, acl *model.ACL) error {
	raw, err := json.Marshal(acl)
	if err != nil {
		return fmt.Errorf("encode acl: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE contents SET acl = $3, modified = now() WHERE repository_id = $1 AND id = $2`,
		repositoryID, id, raw)
	if err != nil {
		return fmt.Errorf("update acl of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteContent removes one object.
func (s *ContentStore) DeleteContent(ctx context.Context, repositoryID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM contents WHERE repository_id = $1 AND id = $2`, repositoryID, id)
	if err != nil {
		return fmt.Errorf("delete content %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// HasInstancesOfTypes reports whether any stored object references one of
// the type ids. The type manager calls this before a type deletion.
func (s *ContentStore) HasInstancesOfTypes(ctx context.Context, repositoryID string, typeIDs []string) (bool, error) {
	if len(typeIDs) == 0 {
		return false, nil
	}
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM contents WHERE repository_id = $1 AND type_id = ANY($2))`,
		repositoryID, typeIDs).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("count instances: %w", err)
	}
	return exists, nil
}

// DescendantFolderIDs returns the folder plus every folder below it, for
// IN_TREE predicate translation.
func (s *ContentStore) DescendantFolderIDs(ctx context.Context, repositoryID, folderID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE tree AS (
			SELECT id FROM contents WHERE repository_id = $1 AND id = $2
			UNION ALL
			SELECT c.id FROM contents c
			JOIN tree t ON c.parent_id = t.id
			WHERE c.repository_id = $1
		)
		SELECT id FROM tree
	`, repositoryID, folderID)
	if err != nil {
		return nil, fmt.Errorf("folder tree of %s: %w", folderID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan folder id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListTypeDefinitions loads the repository's stored custom types for the
// type manager at tenant activation.
func (s *ContentStore) ListTypeDefinitions(ctx context.Context, repositoryID string) ([]*model.TypeDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM type_definitions WHERE repository_id = $1`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("list type definitions: %w", err)
	}
	defer rows.Close()

	var defs []*model.TypeDefinition
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan type definition: %w", err)
		}
		var def model.TypeDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("decode type definition: %w", err)
		}
		defs = append(defs, &def)
	}
	return defs, rows.Err()
}

// SaveTypeDefinition upserts a custom type definition.
func (s *ContentStore) SaveTypeDefinition(ctx context.Context, repositoryID string, def *model.TypeDefinition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode type definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO type_definitions (repository_id, type_id, definition)
		VALUES ($1, $2, $3)
		ON CONFLICT (repository_id, type_id) DO UPDATE SET definition = EXCLUDED.definition
	`, repositoryID, def.ID, raw)
	if err != nil {
		return fmt.Errorf("save type definition %s: %w", def.ID, err)
	}
	return nil
}

// DeleteTypeDefinition removes a stored custom type definition.
func (s *ContentStore) DeleteTypeDefinition(ctx context.Context, repositoryID, typeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM type_definitions WHERE repository_id = $1 AND type_id = $2`,
		repositoryID, typeID)
	if err != nil {
		return fmt.Errorf("delete type definition %s: %w", typeID, err)
	}
	return nil
}
