// Package token issues and validates short-lived per-repository auth
// tokens. One token exists per (app, repository, user): reissuing
// overwrites - and so invalidates - the previous one. Expired tokens are
// treated as absent; nothing sweeps them proactively.
package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"depot/api/internal/model"
	"depot/api/internal/principal"
	"depot/api/internal/util"
)

// Store persists tokens keyed by (app, repository, user).
type Store interface {
	Set(ctx context.Context, key string, t model.Token, ttl time.Duration) error
	Get(ctx context.Context, key string) (model.Token, bool, error)
}

func storeKey(app, repositoryID, userID string) string {
	return app + "/" + repositoryID + "/" + userID
}

// Service issues tokens and answers admin checks from per-repository admin
// sets rebuilt at tenant activation.
type Service struct {
	store Store
	ttl   time.Duration
	dir   principal.Directory

	mu     sync.RWMutex
	admins map[string]map[string]struct{}
}

func NewService(store Store, dir principal.Directory, ttl time.Duration) *Service {
	return &Service{
		store:  store,
		ttl:    ttl,
		dir:    dir,
		admins: make(map[string]map[string]struct{}),
	}
}

// SetToken generates a fresh random token expiring after the configured
// TTL, overwriting any prior token for the same triple. Last writer wins.
func (s *Service) SetToken(ctx context.Context, app, repositoryID, userID string) (model.Token, error) {
	t := model.Token{
		App:          app,
		RepositoryID: repositoryID,
		UserID:       userID,
		Value:        util.NewTokenValue(),
		Expiration:   time.Now().Add(s.ttl).UnixMilli(),
	}
	if err := s.store.Set(ctx, storeKey(app, repositoryID, userID), t, s.ttl); err != nil {
		return model.Token{}, fmt.Errorf("store token for %s: %w", userID, err)
	}
	return t, nil
}

// GetToken is a pure lookup: no refresh, and an expired token is reported
// as absent.
func (s *Service) GetToken(ctx context.Context, app, repositoryID, userID string) (*model.Token, error) {
	t, ok, err := s.store.Get(ctx, storeKey(app, repositoryID, userID))
	if err != nil {
		return nil, fmt.Errorf("lookup token for %s: %w", userID, err)
	}
	if !ok || t.Expired(time.Now()) {
		return nil, nil
	}
	return &t, nil
}

// Validate checks a presented token value against the stored one.
func (s *Service) Validate(ctx context.Context, app, repositoryID, userID, value string) (bool, error) {
	t, err := s.GetToken(ctx, app, repositoryID, userID)
	if err != nil {
		return false, err
	}
	return t != nil && t.Value == value, nil
}

// RescanAdmins rebuilds the repository's admin set from the principal
// directory. Called on tenant activation so late-added repositories are
// never served a stale set.
func (s *Service) RescanAdmins(ctx context.Context, repositoryID string) error {
	ids, err := s.dir.GetAdmins(ctx, repositoryID)
	if err != nil {
		return fmt.Errorf("rescan admins of %s: %w", repositoryID, err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	s.mu.Lock()
	s.admins[repositoryID] = set
	s.mu.Unlock()
	return nil
}

// DropAdmins forgets a repository's admin set at tenant deactivation.
func (s *Service) DropAdmins(repositoryID string) {
	s.mu.Lock()
	delete(s.admins, repositoryID)
	s.mu.Unlock()
}

// IsAdmin answers from the precomputed set; unknown repositories have no
// admins.
func (s *Service) IsAdmin(repositoryID, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.admins[repositoryID]
	if !ok {
		return false
	}
	_, admin := set[userID]
	return admin
}
