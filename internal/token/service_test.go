package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"depot/api/internal/model"
	"depot/api/internal/principal"
)

type fakeDirectory struct {
	admins map[string][]string
}

func (d *fakeDirectory) GetUserByID(context.Context, string, string) (*model.User, error) {
	return nil, principal.ErrNotFound
}

func (d *fakeDirectory) GetGroupByID(context.Context, string, string) (*model.Group, error) {
	return nil, principal.ErrNotFound
}

func (d *fakeDirectory) GetGroupIDsContainingUser(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func (d *fakeDirectory) GetAdmins(_ context.Context, repositoryID string) ([]string, error) {
	return d.admins[repositoryID], nil
}

func TestSetTokenOverwritesPrior(t *testing.T) {
	svc := NewService(NewMemoryStore(), &fakeDirectory{}, time.Hour)
	ctx := context.Background()

	first, err := svc.SetToken(ctx, "web", "r1", "u1")
	if err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	second, err := svc.SetToken(ctx, "web", "r1", "u1")
	if err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	if first.Value == second.Value {
		t.Fatal("reissued token must differ")
	}

	ok, err := svc.Validate(ctx, "web", "r1", "u1", first.Value)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if ok {
		t.Error("overwritten token must no longer validate")
	}
	ok, err = svc.Validate(ctx, "web", "r1", "u1", second.Value)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !ok {
		t.Error("current token must validate")
	}
}

func TestTokensScopedPerTriple(t *testing.T) {
	svc := NewService(NewMemoryStore(), &fakeDirectory{}, time.Hour)
	ctx := context.Background()

	web, _ := svc.SetToken(ctx, "web", "r1", "u1")
	cli, _ := svc.SetToken(ctx, "cli", "r1", "u1")
	if web.Value == cli.Value {
		t.Fatal("different apps must get different tokens")
	}
	if ok, _ := svc.Validate(ctx, "web", "r1", "u1", web.Value); !ok {
		t.Error("web token must remain valid after cli issuance")
	}
}

func TestGetTokenExpiredIsAbsent(t *testing.T) {
	svc := NewService(NewMemoryStore(), &fakeDirectory{}, -time.Second)
	ctx := context.Background()

	if _, err := svc.SetToken(ctx, "web", "r1", "u1"); err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	got, err := svc.GetToken(ctx, "web", "r1", "u1")
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if got != nil {
		t.Error("expired token must be treated as absent")
	}
}

func TestGetTokenUnknownTriple(t *testing.T) {
	svc := NewService(NewMemoryStore(), &fakeDirectory{}, time.Hour)
	got, err := svc.GetToken(context.Background(), "web", "r1", "nobody")
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if got != nil {
		t.Error("unknown triple must return no token")
	}
}

func TestAdminSets(t *testing.T) {
	dir := &fakeDirectory{admins: map[string][]string{"r1": {"root"}}}
	svc := NewService(NewMemoryStore(), dir, time.Hour)
	ctx := context.Background()

	if svc.IsAdmin("r1", "root") {
		t.Error("admin set must be empty before activation rescan")
	}
	if err := svc.RescanAdmins(ctx, "r1"); err != nil {
		t.Fatalf("RescanAdmins failed: %v", err)
	}
	if !svc.IsAdmin("r1", "root") {
		t.Error("root must be admin after rescan")
	}
	if svc.IsAdmin("r1", "u1") {
		t.Error("u1 must not be admin")
	}
	if svc.IsAdmin("r2", "root") {
		t.Error("unknown repository has no admins")
	}

	svc.DropAdmins("r1")
	if svc.IsAdmin("r1", "root") {
		t.Error("deactivated repository must lose its admin set")
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	svc := NewService(store, &fakeDirectory{}, time.Hour)
	ctx := context.Background()

	issued, err := svc.SetToken(ctx, "web", "r1", "u1")
	if err != nil {
		t.Fatalf("SetToken failed: %v", err)
	}
	got, err := svc.GetToken(ctx, "web", "r1", "u1")
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if got == nil || got.Value != issued.Value {
		t.Fatalf("got %v, want token %q", got, issued.Value)
	}

	// Redis drops the key at TTL; the lookup must report it absent.
	mr.FastForward(2 * time.Hour)
	got, err = svc.GetToken(ctx, "web", "r1", "u1")
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if got != nil {
		t.Error("token past TTL must be absent")
	}
}
