// Package acl flattens access-control lists into reader sets: the
// transitively expanded principals allowed to read an object. Reader sets
// are indexed alongside content and rebuilt at query time for the
// authoritative permission pass.
package acl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"depot/api/internal/model"
	"depot/api/internal/principal"
	"depot/api/internal/search"
)

// Reader-set member shapes.
const (
	ReaderAnyone      = "anyone"
	ReaderUserPrefix  = "user:"
	ReaderGroupPrefix = "group:"
)

// Permissions that grant read access: read itself and anything implying
// full control.
var readEquivalents = map[string]struct{}{
	"depot:read":  {},
	"depot:write": {},
	"depot:all":   {},
}

func grantsRead(permissions []string) bool {
	for _, p := range permissions {
		if _, ok := readEquivalents[p]; ok {
			return true
		}
	}
	return false
}

// Expander resolves ACL principals through the directory collaborator.
type Expander struct {
	dir principal.Directory
}

func NewExpander(dir principal.Directory) *Expander {
	return &Expander{dir: dir}
}

// ExpandToReaders flattens the content's ACL into a reader set. The result
// is never empty: no ACL (or no entries) means anyone may read, and an ACL
// that grants read to nobody resolvable falls back to the repository's
// administrators.
func (e *Expander) ExpandToReaders(ctx context.Context, repositoryID string, content *model.Content) ([]string, error) {
	entries := content.ACL.AllEntries()
	if len(entries) == 0 {
		return []string{ReaderAnyone}, nil
	}

	readers := make(map[string]struct{})
	for _, ace := range entries {
		if !grantsRead(ace.Permissions) {
			continue
		}
		if err := e.resolvePrincipal(ctx, repositoryID, ace.PrincipalID, readers); err != nil {
			return nil, err
		}
	}

	if len(readers) == 0 {
		admins, err := e.dir.GetAdmins(ctx, repositoryID)
		if err != nil {
			return nil, fmt.Errorf("admin fallback for %s: %w", content.ID, err)
		}
		for _, id := range admins {
			readers[ReaderUserPrefix+id] = struct{}{}
		}
	}

	out := make([]string, 0, len(readers))
	for r := range readers {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

func (e *Expander) resolvePrincipal(ctx context.Context, repositoryID, principalID string, readers map[string]struct{}) error {
	switch principalID {
	case principal.Anyone, principal.Anonymous, ReaderAnyone:
		readers[ReaderAnyone] = struct{}{}
		return nil
	}

	if _, err := e.dir.GetUserByID(ctx, repositoryID, principalID); err == nil {
		readers[ReaderUserPrefix+principalID] = struct{}{}
		return nil
	} else if !errors.Is(err, principal.ErrNotFound) {
		return fmt.Errorf("resolve principal %s: %w", principalID, err)
	}

	group, err := e.dir.GetGroupByID(ctx, repositoryID, principalID)
	if errors.Is(err, principal.ErrNotFound) {
		// A stale ACE naming a deleted principal grants nobody.
		log.Printf("acl: principal %s in %s does not resolve, skipping", principalID, repositoryID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve principal %s: %w", principalID, err)
	}
	return e.expandGroup(ctx, repositoryID, group, readers)
}

// expandGroup adds the group and its members, recursing into nested groups.
// A group already present in the reader set is skipped, which both
// deduplicates and terminates cycles.
func (e *Expander) expandGroup(ctx context.Context, repositoryID string, group *model.Group, readers map[string]struct{}) error {
	key := ReaderGroupPrefix + group.ID
	if _, seen := readers[key]; seen {
		return nil
	}
	readers[key] = struct{}{}

	for _, userID := range group.Users {
		readers[ReaderUserPrefix+userID] = struct{}{}
	}
	for _, groupID := range group.Groups {
		if _, seen := readers[ReaderGroupPrefix+groupID]; seen {
			continue
		}
		nested, err := e.dir.GetGroupByID(ctx, repositoryID, groupID)
		if errors.Is(err, principal.ErrNotFound) {
			log.Printf("acl: nested group %s in %s does not resolve, skipping", groupID, repositoryID)
			continue
		}
		if err != nil {
			return fmt.Errorf("expand group %s: %w", groupID, err)
		}
		if err := e.expandGroup(ctx, repositoryID, nested, readers); err != nil {
			return err
		}
	}
	return nil
}

// CallerPrincipals returns the reader-set members a caller matches:
// anyone, their own user id, and every group containing them transitively.
func (e *Expander) CallerPrincipals(ctx context.Context, repositoryID, userID string) (map[string]struct{}, error) {
	groups, err := e.dir.GetGroupIDsContainingUser(ctx, repositoryID, userID)
	if err != nil {
		return nil, fmt.Errorf("groups of %s: %w", userID, err)
	}
	principals := map[string]struct{}{
		ReaderAnyone:              {},
		ReaderUserPrefix + userID: {},
	}
	for _, g := range groups {
		principals[ReaderGroupPrefix+g] = struct{}{}
	}
	return principals, nil
}

// BuildReaderFilterQuery builds the native filter restricting matches to
// objects the user may read: a disjunction over anyone, the user id, and
// every containing group, each value escaped for the native syntax.
func (e *Expander) BuildReaderFilterQuery(ctx context.Context, repositoryID, userID string) (string, error) {
	principals, err := e.CallerPrincipals(ctx, repositoryID, userID)
	if err != nil {
		return "", err
	}
	terms := make([]string, 0, len(principals))
	for p := range principals {
		terms = append(terms, search.FieldReaders+":"+search.EscapeQueryChars(p))
	}
	sort.Strings(terms)
	return strings.Join(terms, " OR "), nil
}

// IsAdmin reports whether the user is in the repository's admin set.
// Admins bypass reader filtering entirely.
func (e *Expander) IsAdmin(ctx context.Context, repositoryID, userID string) (bool, error) {
	admins, err := e.dir.GetAdmins(ctx, repositoryID)
	if err != nil {
		return false, fmt.Errorf("admins of %s: %w", repositoryID, err)
	}
	for _, id := range admins {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// FilterReadable keeps the contents whose reader set intersects the
// caller's principals. This is the authoritative pass run after the native
// filter, tolerating stale index state. Repository admins see everything.
func (e *Expander) FilterReadable(ctx context.Context, repositoryID, userID string, contents []*model.Content) ([]*model.Content, error) {
	admins, err := e.dir.GetAdmins(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("admins of %s: %w", repositoryID, err)
	}
	for _, id := range admins {
		if id == userID {
			return contents, nil
		}
	}

	principals, err := e.CallerPrincipals(ctx, repositoryID, userID)
	if err != nil {
		return nil, err
	}

	permitted := make([]*model.Content, 0, len(contents))
	for _, c := range contents {
		readers, err := e.ExpandToReaders(ctx, repositoryID, c)
		if err != nil {
			return nil, err
		}
		for _, r := range readers {
			if _, ok := principals[r]; ok {
				permitted = append(permitted, c)
				break
			}
		}
	}
	return permitted, nil
}
