package acl

import (
	"context"
	"sort"
	"strings"
	"testing"

	"depot/api/internal/model"
	"depot/api/internal/principal"
)

const repo = "r1"

type fakeDirectory struct {
	users      map[string]*model.User
	groups     map[string]*model.Group
	membership map[string][]string
	admins     []string
}

func (d *fakeDirectory) GetUserByID(_ context.Context, _, userID string) (*model.User, error) {
	if u, ok := d.users[userID]; ok {
		return u, nil
	}
	return nil, principal.ErrNotFound
}

func (d *fakeDirectory) GetGroupByID(_ context.Context, _, groupID string) (*model.Group, error) {
	if g, ok := d.groups[groupID]; ok {
		return g, nil
	}
	return nil, principal.ErrNotFound
}

func (d *fakeDirectory) GetGroupIDsContainingUser(_ context.Context, _, userID string) ([]string, error) {
	return d.membership[userID], nil
}

func (d *fakeDirectory) GetAdmins(_ context.Context, _ string) ([]string, error) {
	return d.admins, nil
}

func contentWithACL(acl *model.ACL) *model.Content {
	return &model.Content{ID: "c1", RepositoryID: repo, TypeID: "doc", ACL: acl}
}

func readACE(principalID string) model.ACE {
	return model.ACE{PrincipalID: principalID, Permissions: []string{"depot:read"}, Direct: true}
}

func TestExpandNoACLMeansAnyone(t *testing.T) {
	e := NewExpander(&fakeDirectory{})

	for _, acl := range []*model.ACL{nil, {}} {
		readers, err := e.ExpandToReaders(context.Background(), repo, contentWithACL(acl))
		if err != nil {
			t.Fatalf("ExpandToReaders failed: %v", err)
		}
		if len(readers) != 1 || readers[0] != ReaderAnyone {
			t.Errorf("got %v, want [anyone]", readers)
		}
	}
}

func TestExpandUserAndAnyonePrincipals(t *testing.T) {
	dir := &fakeDirectory{users: map[string]*model.User{"u1": {ID: "u1"}}}
	e := NewExpander(dir)

	acl := &model.ACL{Entries: []model.ACE{readACE("u1"), readACE(principal.Anyone)}}
	readers, err := e.ExpandToReaders(context.Background(), repo, contentWithACL(acl))
	if err != nil {
		t.Fatalf("ExpandToReaders failed: %v", err)
	}
	want := []string{ReaderAnyone, "user:u1"}
	sort.Strings(want)
	if len(readers) != len(want) {
		t.Fatalf("got %v, want %v", readers, want)
	}
	for i := range want {
		if readers[i] != want[i] {
			t.Fatalf("got %v, want %v", readers, want)
		}
	}
}

func TestExpandAllPermissionImpliesRead(t *testing.T) {
	dir := &fakeDirectory{users: map[string]*model.User{"u1": {ID: "u1"}}}
	e := NewExpander(dir)

	acl := &model.ACL{Entries: []model.ACE{{PrincipalID: "u1", Permissions: []string{"depot:all"}}}}
	readers, err := e.ExpandToReaders(context.Background(), repo, contentWithACL(acl))
	if err != nil {
		t.Fatalf("ExpandToReaders failed: %v", err)
	}
	if len(readers) != 1 || readers[0] != "user:u1" {
		t.Errorf("got %v, want [user:u1]", readers)
	}
}

func TestExpandGroupMembersRecursively(t *testing.T) {
	dir := &fakeDirectory{
		groups: map[string]*model.Group{
			"finance": {ID: "finance", Users: []string{"u1"}, Groups: []string{"auditors"}},
			"auditors": {ID: "auditors", Users: []string{"u2"}},
		},
	}
	e := NewExpander(dir)

	acl := &model.ACL{Entries: []model.ACE{readACE("finance")}}
	readers, err := e.ExpandToReaders(context.Background(), repo, contentWithACL(acl))
	if err != nil {
		t.Fatalf("ExpandToReaders failed: %v", err)
	}
	for _, want := range []string{"group:finance", "group:auditors", "user:u1", "user:u2"} {
		if !contains(readers, want) {
			t.Errorf("readers %v missing %s", readers, want)
		}
	}
}

func TestExpandGroupCycleTerminates(t *testing.T) {
	dir := &fakeDirectory{
		groups: map[string]*model.Group{
			"a": {ID: "a", Users: []string{"u1"}, Groups: []string{"b"}},
			"b": {ID: "b", Users: []string{"u2"}, Groups: []string{"a"}},
		},
	}
	e := NewExpander(dir)

	acl := &model.ACL{Entries: []model.ACE{readACE("a")}}
	readers, err := e.ExpandToReaders(context.Background(), repo, contentWithACL(acl))
	if err != nil {
		t.Fatalf("ExpandToReaders failed: %v", err)
	}
	want := []string{"group:a", "group:b", "user:u1", "user:u2"}
	if len(readers) != len(want) {
		t.Fatalf("cyclic expansion got %v, want %v", readers, want)
	}
	for _, w := range want {
		if !contains(readers, w) {
			t.Errorf("readers %v missing %s", readers, w)
		}
	}
}

func TestExpandAdminFallbackNeverEmpty(t *testing.T) {
	dir := &fakeDirectory{admins: []string{"admin1"}}
	e := NewExpander(dir)

	// ACL exists but grants read to nobody resolvable.
	acl := &model.ACL{Entries: []model.ACE{
		{PrincipalID: "ghost", Permissions: []string{"depot:read"}},
		{PrincipalID: "u1", Permissions: []string{"depot:comment"}},
	}}
	readers, err := e.ExpandToReaders(context.Background(), repo, contentWithACL(acl))
	if err != nil {
		t.Fatalf("ExpandToReaders failed: %v", err)
	}
	if len(readers) == 0 {
		t.Fatal("reader set must never be empty")
	}
	if !contains(readers, "user:admin1") {
		t.Errorf("got %v, want admin fallback", readers)
	}
}

func TestBuildReaderFilterQuery(t *testing.T) {
	dir := &fakeDirectory{membership: map[string][]string{"u1": {"finance"}}}
	e := NewExpander(dir)

	q, err := e.BuildReaderFilterQuery(context.Background(), repo, "u1")
	if err != nil {
		t.Fatalf("BuildReaderFilterQuery failed: %v", err)
	}
	for _, want := range []string{`readers:anyone`, `readers:user\:u1`, `readers:group\:finance`} {
		if !strings.Contains(q, want) {
			t.Errorf("filter %q missing %q", q, want)
		}
	}
	if !strings.Contains(q, " OR ") {
		t.Errorf("filter %q must be a disjunction", q)
	}
}

func TestFilterReadable(t *testing.T) {
	dir := &fakeDirectory{
		groups:     map[string]*model.Group{"finance": {ID: "finance", Users: []string{"u1"}}},
		membership: map[string][]string{"u1": {"finance"}},
	}
	e := NewExpander(dir)

	finance := contentWithACL(&model.ACL{Entries: []model.ACE{readACE("finance")}})
	open := &model.Content{ID: "c2", RepositoryID: repo}

	got, err := e.FilterReadable(context.Background(), repo, "u1", []*model.Content{finance, open})
	if err != nil {
		t.Fatalf("FilterReadable failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("finance member must see both objects, got %d", len(got))
	}

	got, err = e.FilterReadable(context.Background(), repo, "outsider", []*model.Content{finance, open})
	if err != nil {
		t.Fatalf("FilterReadable failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c2" {
		t.Errorf("outsider must only see the anyone-readable object, got %v", got)
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
